package t1oi2c

import "errors"

// Sentinel errors surfaced to the caller, one per spec.md §7 category.
// Transient conditions are absorbed internally by retries and S-block
// recovery; only these terminal conditions ever reach Transceive's
// caller.
var (
	ErrTransport      = errors.New("t1oi2c: transport error past retry budget")
	ErrFraming        = errors.New("t1oi2c: malformed inbound block")
	ErrSequencing     = errors.New("t1oi2c: unexpected I-block sequence past retry budget")
	ErrWTXExhausted   = errors.New("t1oi2c: peer requested too many waiting-time extensions")
	ErrRecoveryFailed = errors.New("t1oi2c: hard reset recovery failed")
	ErrBufferOverflow = errors.New("t1oi2c: response would exceed receive buffer capacity")
	ErrUsage          = errors.New("t1oi2c: invalid call (not idle, null buffer, or zero-length command)")
)
