package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingTail(t *testing.T) {
	r := NewRing(3)

	assert.Empty(t, r.Tail(10))

	_, _ = r.Write([]byte("a"))
	_, _ = r.Write([]byte("b"))
	assert.Equal(t, []string{"a", "b"}, r.Tail(10))

	_, _ = r.Write([]byte("c"))
	_, _ = r.Write([]byte("d")) // evicts "a"
	assert.Equal(t, []string{"b", "c", "d"}, r.Tail(10))
	assert.Equal(t, []string{"d"}, r.Tail(1))
}
