package iobuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s := New(8)
	n := s.Write([]byte{1, 2, 3}, nil)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, s.Occupied())

	out := make([]byte, 3)
	n = s.Read(out)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, out)
	assert.Equal(t, 0, s.Occupied())
}

func TestWriteStopsWhenFull(t *testing.T) {
	s := New(4)
	n := s.Write([]byte{1, 2, 3, 4, 5}, nil)
	assert.Equal(t, 3, n, "capacity is size-1 usable slots in a circular buffer")
}

func TestAltReadDoesNotCommitUntilFinish(t *testing.T) {
	s := New(8)
	s.Write([]byte{1, 2, 3, 4}, nil)

	moved := s.AltBegin(2)
	assert.Equal(t, 2, moved)
	peek := make([]byte, 2)
	n := s.AltRead(peek)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{3, 4}, peek)

	// Primary cursor still at the start; AltFinish commits it.
	assert.Equal(t, 4, s.Occupied())
	s.AltFinish(nil)
	assert.Equal(t, 0, s.Occupied())
}

func TestResetClearsCursors(t *testing.T) {
	s := New(4)
	s.Write([]byte{1, 2}, nil)
	s.Reset()
	assert.Equal(t, 0, s.Occupied())
	assert.Equal(t, 3, s.Space())
}
