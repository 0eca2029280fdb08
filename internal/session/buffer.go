package session

// OutputBuffer is a fixed-capacity ring of captured output chunks. Once
// full, each push drops the oldest chunk. Not safe for concurrent use; the
// registry guards it.
type OutputBuffer struct {
	chunks []string
	start  int
	n      int
}

func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	return &OutputBuffer{chunks: make([]string, capacity)}
}

func (b *OutputBuffer) Push(chunk string) {
	c := len(b.chunks)
	if b.n < c {
		b.chunks[(b.start+b.n)%c] = chunk
		b.n++
		return
	}
	b.chunks[b.start] = chunk
	b.start = (b.start + 1) % c
}

// Chunks returns the buffered chunks oldest first.
func (b *OutputBuffer) Chunks() []string {
	out := make([]string, b.n)
	for i := range out {
		out[i] = b.chunks[(b.start+i)%len(b.chunks)]
	}
	return out
}

func (b *OutputBuffer) Len() int { return b.n }
func (b *OutputBuffer) Cap() int { return len(b.chunks) }
