// Package iobuf provides the circular staging buffer the session uses
// to accumulate bytes read from the transport before a complete frame
// is available to pkg/block, and to track an alternate read cursor so
// a partially-consumed read can be rewound on CRC failure without
// losing the already-staged bytes (adapted from the teacher's
// internal/fifo, which plays the same role for SDO block-transfer
// resume).
package iobuf

import "github.com/calvin-quilt/t1oi2c/internal/crc"

// Stage is a fixed-capacity circular buffer with a primary read
// cursor and an alternate read cursor used for lookahead.
type Stage struct {
	buffer     []byte
	writePos   int
	readPos    int
	altReadPos int
}

// New allocates a Stage with the given capacity in bytes.
func New(size int) *Stage {
	return &Stage{buffer: make([]byte, size)}
}

// Reset empties the stage.
func (s *Stage) Reset() {
	s.readPos = 0
	s.writePos = 0
	s.altReadPos = 0
}

// Space reports how many more bytes can be written before the stage
// is full.
func (s *Stage) Space() int {
	left := s.readPos - s.writePos - 1
	if left < 0 {
		left += len(s.buffer)
	}
	return left
}

// Occupied reports how many unread bytes are staged.
func (s *Stage) Occupied() int {
	occ := s.writePos - s.readPos
	if occ < 0 {
		occ += len(s.buffer)
	}
	return occ
}

// Write appends buffer to the stage, optionally folding every written
// byte into crc, and returns the number of bytes actually written
// (fewer than len(buffer) if the stage is full).
func (s *Stage) Write(buffer []byte, sum *crc.CRC16) int {
	if buffer == nil {
		return 0
	}
	n := 0
	for _, b := range buffer {
		next := s.writePos + 1
		if next == s.readPos || (next == len(s.buffer) && s.readPos == 0) {
			break
		}
		s.buffer[s.writePos] = b
		n++
		if sum != nil {
			sum.Single(b)
		}
		if next == len(s.buffer) {
			s.writePos = 0
		} else {
			s.writePos = next
		}
	}
	return n
}

// Read drains up to len(buffer) bytes from the stage into buffer,
// advancing the primary read cursor.
func (s *Stage) Read(buffer []byte) int {
	if buffer == nil || s.readPos == s.writePos {
		return 0
	}
	n := 0
	for i := range buffer {
		if s.readPos == s.writePos {
			break
		}
		buffer[i] = s.buffer[s.readPos]
		n++
		s.readPos++
		if s.readPos == len(s.buffer) {
			s.readPos = 0
		}
	}
	return n
}

// AltBegin positions the alternate cursor offset bytes ahead of the
// primary cursor (without committing the read), returning how far it
// actually moved.
func (s *Stage) AltBegin(offset int) int {
	var i int
	s.altReadPos = s.readPos
	for i = offset; i > 0; i-- {
		if s.altReadPos == s.writePos {
			break
		}
		s.altReadPos++
		if s.altReadPos == len(s.buffer) {
			s.altReadPos = 0
		}
	}
	return offset - i
}

// AltFinish commits the primary read cursor to the alternate cursor,
// optionally folding the consumed bytes into sum first.
func (s *Stage) AltFinish(sum *crc.CRC16) {
	if sum == nil {
		s.readPos = s.altReadPos
		return
	}
	for s.readPos != s.altReadPos {
		sum.Single(s.buffer[s.readPos])
		s.readPos++
		if s.readPos == len(s.buffer) {
			s.readPos = 0
		}
	}
}

// AltRead reads from the alternate cursor without committing it.
func (s *Stage) AltRead(buffer []byte) int {
	n := 0
	for i := range buffer {
		if s.altReadPos == s.writePos {
			break
		}
		buffer[i] = s.buffer[s.altReadPos]
		n++
		s.altReadPos++
		if s.altReadPos == len(s.buffer) {
			s.altReadPos = 0
		}
	}
	return n
}

// AltOccupied reports how many unread bytes remain ahead of the
// alternate cursor.
func (s *Stage) AltOccupied() int {
	occ := s.writePos - s.altReadPos
	if occ < 0 {
		occ += len(s.buffer)
	}
	return occ
}
