package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputBuffer(t *testing.T) {
	b := NewOutputBuffer(3)
	assert.Empty(t, b.Chunks())
	assert.Equal(t, 3, b.Cap())

	b.Push("a")
	b.Push("b")
	assert.Equal(t, []string{"a", "b"}, b.Chunks())

	b.Push("c")
	b.Push("d")
	assert.Equal(t, []string{"b", "c", "d"}, b.Chunks())
	assert.Equal(t, 3, b.Len())

	for _, c := range []string{"e", "f", "g", "h"} {
		b.Push(c)
	}
	assert.Equal(t, []string{"f", "g", "h"}, b.Chunks())
}

func TestOutputBufferDefaultCapacity(t *testing.T) {
	assert.Equal(t, 100, NewOutputBuffer(0).Cap())
}
