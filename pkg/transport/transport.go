// Package transport defines the byte-stream contract the block state
// machine requires (spec.md C1 / §6.2) and a small self-registering
// driver registry, mirroring the pluggable-bus pattern the teacher
// codebase uses for its CAN interfaces (pkg/can: Bus interface +
// RegisterInterface + NewBus lookup).
package transport

import "fmt"

// Transport is the byte-stream channel the block state machine drives.
// A concrete driver must deliver the same byte sequence the peer
// wrote and preserve frame boundaries up to what a single Read call
// returns; a well-behaved driver returns exactly one full block per
// Read when the peer writes one block at a time.
type Transport interface {
	// Open acquires the device identified by name, retrying internally
	// on a transient bus-busy condition per spec.md §4.1.
	Open(name string) error
	Close() error
	// Read fills buf with up to len(buf) bytes, returning the number
	// read. A distinguishable bus-not-ready/NACK condition is surfaced
	// as ErrBusNotReady so the caller can retry.
	Read(buf []byte) (int, error)
	// Write sends buf[:n]. The i2c driver overwrites buf[0] with the NAD
	// byte before transmitting, defensively, per spec.md §9; the mock
	// driver records buf[:n] unchanged.
	Write(buf []byte, n int) (int, error)
	ClearReadBuffer()
	WaitForReady()
}

// NewFunc constructs a fresh, unopened Transport instance.
type NewFunc func() Transport

var registry = make(map[string]NewFunc)

// Register makes a transport driver available under name. Drivers call
// this from an init() function.
func Register(name string, factory NewFunc) {
	registry[name] = factory
}

// New looks up a registered driver by name and constructs an instance.
func New(name string) (Transport, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("transport: unknown driver %q", name)
	}
	return factory(), nil
}
