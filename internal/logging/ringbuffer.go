package logging

import (
	"os"
	"sync"
)

// RingBuffer keeps the most recent log bytes in memory so they can be dumped
// after a panic in the serve loop. Old data is overwritten once full.
type RingBuffer struct {
	mu    sync.Mutex
	data  []byte
	next  int
	wrapd bool
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 4 * 1024 * 1024
	}
	return &RingBuffer{data: make([]byte, size)}
}

func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	size := len(r.data)
	if n >= size {
		copy(r.data, p[n-size:])
		r.next = 0
		r.wrapd = true
		return n, nil
	}

	written := copy(r.data[r.next:], p)
	if written < n {
		copy(r.data, p[written:])
		r.next = n - written
		r.wrapd = true
	} else {
		r.next += written
		if r.next == size {
			r.next = 0
			r.wrapd = true
		}
	}
	return n, nil
}

// Bytes returns the contents oldest first.
func (r *RingBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.wrapd {
		return append([]byte(nil), r.data[:r.next]...)
	}
	out := make([]byte, 0, len(r.data))
	out = append(out, r.data[r.next:]...)
	return append(out, r.data[:r.next]...)
}

func (r *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, r.Bytes(), 0o600)
}
