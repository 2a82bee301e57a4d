// Package mock provides an in-memory pkg/transport.Transport used by
// the state machine and session tests, playing the role the teacher's
// virtual.go TCP loopback bus plays for network_test.go: a fully
// deterministic peer, since real I2C hardware cannot be exercised in
// this repository's test suite.
package mock

import (
	"errors"
	"sync"
)

// ErrBusNotReady is returned by Write when a scripted Step sets
// BusNotReady, simulating the transport-level NACK condition.
var ErrBusNotReady = errors.New("mock: bus not ready")

// Step is one scripted exchange: Reply is returned verbatim from the
// next Read call after a Write happens, unless NoReply is set (in
// which case Read reports no bytes, simulating a dropped response) or
// BusNotReady is set (in which case that Write returns ErrBusNotReady
// and stages nothing; the mock itself does not retry).
type Step struct {
	Reply       []byte
	NoReply     bool
	BusNotReady bool
}

// Transport is a scripted peer: each Write consumes the next Step and
// stages its Reply for the following Read. Writes are recorded for
// assertions.
type Transport struct {
	mu       sync.Mutex
	steps    []Step
	idx      int
	Writes   [][]byte
	pending  []byte
	opened   bool
	cleared  int
}

// New builds a scripted mock transport with the given response script.
func New(steps ...Step) *Transport {
	return &Transport{steps: steps}
}

func (m *Transport) Open(name string) error {
	m.opened = true
	return nil
}

func (m *Transport) Close() error {
	m.opened = false
	return nil
}

func (m *Transport) Write(buf []byte, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, n)
	copy(cp, buf[:n])
	m.Writes = append(m.Writes, cp)

	if m.idx >= len(m.steps) {
		m.pending = nil
		return n, nil
	}
	step := m.steps[m.idx]
	m.idx++
	if step.BusNotReady {
		return 0, ErrBusNotReady
	}
	if !step.NoReply {
		m.pending = step.Reply
	} else {
		m.pending = nil
	}
	return n, nil
}

func (m *Transport) Read(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return 0, nil
	}
	n := copy(buf, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

func (m *Transport) ClearReadBuffer() {
	m.cleared++
	m.pending = nil
}

func (m *Transport) WaitForReady() {}
