package t1oi2c

import (
	"errors"
	"fmt"
	"time"

	"github.com/calvin-quilt/t1oi2c/pkg/block"
	"github.com/calvin-quilt/t1oi2c/pkg/dialect"
)

// step is the block state machine's next-step value (spec.md §4.4).
// The original enumerates one constant per S-block subtype
// (SEND_S_CHIP_RST, SEND_S_INTF_RST, ...); here a single stepSendS
// carries the subtype in sendCtx.s, since Go's tagged sendCtx already
// disambiguates it and eleven near-identical case arms would add
// nothing but repetition.
type step int

const (
	stepIdle step = iota
	stepSendIframe
	stepSendRAck
	stepSendRNack
	stepSendS
)

var errReadNoData = errors.New("t1oi2c: transport returned no bytes")

// Transceive performs one full host-initiated APDU exchange (spec.md
// §4.6). It requires the session to be Idle, installs cmd into the
// send I-context and rsp into the receive assembly, and runs the
// decode/send loop until the state machine reaches IDLE.
func (s *Session) Transceive(cmd []byte, rsp []byte) (int, error) {
	if s.state != StateIdle {
		return 0, fmt.Errorf("%w: Transceive called while not Idle", ErrUsage)
	}
	if cmd == nil || rsp == nil {
		return 0, fmt.Errorf("%w: nil command or response buffer", ErrUsage)
	}
	if len(cmd) == 0 {
		return 0, fmt.Errorf("%w: zero-length command", ErrUsage)
	}

	s.state = StateTransceiving
	defer func() { s.state = StateIdle }()

	s.rx.rsp = rsp
	s.rx.bytesReceived = 0
	s.rx.capacity = len(rsp)

	s.setFirstIframeContext(cmd)
	s.step = stepSendIframe

	if err := s.run(); err != nil {
		return 0, err
	}
	return s.rx.bytesReceived, nil
}

// runOneShotS drives the loop for a single S-block request/response
// exchange, used by the direct helpers in session.go (IntfReset,
// ChipReset, SoftReset, ColdReset, GetAtr/GetCip, WTXRsp, SendRSync,
// DeepPowerDown, Close).
func (s *Session) runOneShotS(t dialect.SType, reqINF []byte, outBuf []byte) (int, error) {
	if s.state != StateIdle {
		return 0, fmt.Errorf("%w: operation called while not Idle", ErrUsage)
	}
	s.state = StateTransceiving
	defer func() { s.state = StateIdle }()

	s.rx.rsp = outBuf
	s.rx.bytesReceived = 0
	s.rx.capacity = len(outBuf)

	s.next = sendCtx{kind: frameS, s: t, sRsp: t == dialect.Wtx, sINF: reqINF}
	s.step = stepSendS

	if err := s.run(); err != nil {
		return 0, err
	}
	return s.rx.bytesReceived, nil
}

// setFirstIframeContext splits cmd into IFSC-sized fragments and
// prepares the first one, alternating the send-sequence relative to
// whatever was last used (spec.md §4.4 "Chaining").
func (s *Session) setFirstIframeContext(cmd []byte) {
	ifsc := s.ifsc
	if ifsc <= 0 {
		ifsc = 254
	}
	fragLen := len(cmd)
	chaining := false
	if fragLen > ifsc {
		fragLen = ifsc
		chaining = true
	}
	s.next = sendCtx{
		kind: frameI,
		i: iframeCtx{
			data:      cmd,
			offset:    0,
			fragLen:   fragLen,
			remaining: len(cmd),
			ifsc:      ifsc,
			chaining:  chaining,
			seq:       s.nextSeq(),
		},
	}
}

// setNextIframeContext advances past the just-acknowledged fragment
// and prepares the next one.
func (s *Session) setNextIframeContext() {
	prev := s.last.i
	offset := prev.offset + prev.fragLen
	remaining := prev.remaining - prev.fragLen
	fragLen := remaining
	chaining := false
	if fragLen > prev.ifsc {
		fragLen = prev.ifsc
		chaining = true
	}
	s.next = sendCtx{
		kind: frameI,
		i: iframeCtx{
			data:      prev.data,
			offset:    offset,
			fragLen:   fragLen,
			remaining: remaining,
			ifsc:      prev.ifsc,
			chaining:  chaining,
			seq:       s.nextSeq(),
		},
	}
}

func (s *Session) buildFrame() (block.Block, error) {
	switch s.step {
	case stepSendIframe:
		c := s.next.i
		return block.Block{
			Kind:     block.KindI,
			ISeq:     c.seq,
			Chaining: c.chaining,
			INF:      c.data[c.offset : c.offset+c.fragLen],
		}, nil
	case stepSendRAck:
		return block.Block{Kind: block.KindR, RSeq: s.next.rSeq, RError: block.RErrNone}, nil
	case stepSendRNack:
		return block.Block{Kind: block.KindR, RSeq: s.next.rSeq, RError: s.next.rErr}, nil
	case stepSendS:
		return block.Block{Kind: block.KindS, SType: s.next.s, SResponse: s.next.sRsp, INF: s.next.sINF}, nil
	default:
		return block.Block{}, fmt.Errorf("t1oi2c: no frame to build for step %d", s.step)
	}
}

func kindOfStep(st step) frameKind {
	switch st {
	case stepSendIframe:
		return frameI
	case stepSendRAck, stepSendRNack:
		return frameR
	case stepSendS:
		return frameS
	default:
		return frameUnknown
	}
}

// run executes the send/receive/decode loop until the next-step
// value reaches IDLE (spec.md §4.4).
func (s *Session) run() error {
	// continuing tracks whether we've already gone through at least one
	// decide() in this run: a fire-and-forget S-request (ExpectsResponse
	// false) only skips the read when it's the operation's initial send.
	// A WTX-response sent from decideSBlock mid-exchange reuses the same
	// SType and must still wait for the exchange's real reply, even
	// though Wtx itself is marked ExpectsResponse=false.
	continuing := false

	for s.step != stepIdle {
		frame, err := s.buildFrame()
		if err != nil {
			return err
		}
		raw, err := block.Encode(s.d, frame)
		if err != nil {
			return err
		}
		if err := s.transmit(raw); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		// (b) atomically copy next-context into last-context
		s.last = s.next
		s.lastKind = kindOfStep(s.step)

		// lastGoodKind mirrors the original's lastSentNonErrorframeType:
		// updated on every I-block and S-block send and on R-ACK sends,
		// but deliberately left untouched by an R-NACK send so a later
		// R-NACK-received decision can still tell what was sent before it.
		if s.step != stepSendRNack {
			s.lastGoodKind = s.lastKind
		}
		if s.lastKind == frameI {
			s.lastIframe = s.next.i
		}

		// An initial fire-and-forget S-request: go straight to IDLE
		// rather than blocking on a read that will never come.
		if !continuing && s.lastKind == frameS && !s.d.ExpectsResponse(s.next.s) {
			s.step = stepIdle
			continue
		}

		raw, rerr := s.receiveFrame()
		if rerr != nil {
			if err := s.handleReadFailure(); err != nil {
				return err
			}
			continue
		}

		rx, derr := block.Decode(s.d, raw)
		if derr != nil {
			if err := s.handleFramingFailure(); err != nil {
				return err
			}
			continue
		}

		if err := s.decide(rx); err != nil {
			return err
		}
		continuing = true
	}
	return nil
}

func (s *Session) transmit(raw []byte) error {
	n, err := s.tr.Write(raw, len(raw))
	if err != nil {
		return err
	}
	if n != len(raw) {
		return fmt.Errorf("short write: wrote %d of %d", n, len(raw))
	}
	return nil
}

// receiveFrame stages bytes read from the transport until a complete
// block (as declared by its own LEN field) is available, then returns
// it without consuming anything beyond that frame. Most transports
// return exactly one full block per Read (spec.md §6.2); the staging
// loop exists to tolerate the ones that don't.
func (s *Session) receiveFrame() ([]byte, error) {
	headerLen := 2 + s.d.LenWidth
	const maxReads = 4
	tmp := make([]byte, 256)

	for attempt := 0; attempt < maxReads; attempt++ {
		if s.stage.Occupied() >= headerLen {
			hdr := make([]byte, headerLen)
			s.stage.AltBegin(0) // sync the alt cursor to the primary cursor, then peek ahead
			if got := s.stage.AltRead(hdr); got == headerLen {
				var infLen int
				if s.d.LenWidth == 1 {
					infLen = int(hdr[2])
				} else {
					infLen = int(hdr[2])<<8 | int(hdr[3])
				}
				total := headerLen + infLen + 2
				if s.stage.Occupied() >= total {
					out := make([]byte, total)
					s.stage.AltBegin(0)
					s.stage.AltRead(out)
					s.stage.AltFinish(nil)
					return out, nil
				}
			}
		}
		n, err := s.tr.Read(tmp)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		s.stage.Write(tmp[:n], nil)
	}
	if s.stage.Occupied() == 0 {
		return nil, errReadNoData
	}
	return nil, errReadNoData
}

func (s *Session) sleepRecoveryDelay() {
	time.Sleep(time.Duration(s.cfg.RecoveryDelayMS) * time.Millisecond)
}

// appendINF copies inf into the receive assembly buffer, failing
// deterministically without writing anything if it would overflow the
// caller's capacity (invariant 5).
func (s *Session) appendINF(inf []byte) error {
	if s.rx.bytesReceived+len(inf) > s.rx.capacity {
		return ErrBufferOverflow
	}
	copy(s.rx.rsp[s.rx.bytesReceived:], inf)
	s.rx.bytesReceived += len(inf)
	return nil
}

// decide is the decode decision table (spec.md §4.4).
func (s *Session) decide(rx block.Block) error {
	switch rx.Kind {
	case block.KindI:
		return s.decideIBlock(rx)
	case block.KindR:
		return s.decideRBlock(rx)
	case block.KindS:
		return s.decideSBlock(rx)
	default:
		return fmt.Errorf("t1oi2c: unreachable block kind")
	}
}

func (s *Session) decideIBlock(rx block.Block) error {
	expected := s.rx.iSeq ^ 1
	if !s.rx.iValid || rx.ISeq == expected {
		s.resetCounters()
		s.rx.iValid = true
		s.rx.iSeq = rx.ISeq
		s.rx.iChaining = rx.Chaining
		if err := s.appendINF(rx.INF); err != nil {
			return err
		}
		if rx.Chaining {
			s.next = sendCtx{kind: frameR, rSeq: rx.ISeq ^ 1}
			s.step = stepSendRAck
			return nil
		}
		s.step = stepIdle
		return nil
	}

	// Unexpected sequence.
	s.sleepRecoveryDelay()
	if within := s.bumpRecoveryCounter(); within {
		s.next = sendCtx{kind: frameR, rSeq: rx.ISeq ^ 1, rErr: block.RErrOther}
		s.step = stepSendRNack
		return nil
	}
	return s.escalateRecovery(ErrSequencing)
}

func (s *Session) decideRBlock(rx block.Block) error {
	if rx.RError == block.RErrNone {
		s.resetCounters()
		if s.last.kind != frameI {
			// An ACK arrived while the last send wasn't an I-block;
			// treat as unexpected and retransmit what we actually sent.
			s.next = s.last
			s.step = retransmitStepFor(s.last.kind)
			return nil
		}
		if rx.RSeq == s.last.i.seq {
			// Peer is asking for the same fragment again: something
			// was lost, retransmit verbatim.
			s.next = s.last
			s.step = stepSendIframe
			return nil
		}
		if s.last.i.remaining-s.last.i.fragLen <= 0 {
			s.step = stepIdle
			return nil
		}
		s.setNextIframeContext()
		s.step = stepSendIframe
		return nil
	}

	if rx.RError == block.RErrUndefined {
		s.next = s.last
		s.step = retransmitStepFor(s.last.kind)
		return s.retransmitOrEscalate()
	}

	// Parity or "other" error.
	s.sleepRecoveryDelay()
	within := s.bumpRecoveryCounter()
	if !within {
		return s.escalateRecovery(ErrSequencing)
	}
	switch s.last.kind {
	case frameI:
		s.next = s.last
		s.step = stepSendIframe
		return nil
	case frameS:
		s.next = s.last
		s.step = stepSendS
		return nil
	case frameR:
		// We last sent an R-block ourselves and got another back with a
		// parity/other error. Disambiguate using what was actually sent
		// before that R-block (lastGoodKind) and the sequence number of
		// the last I-block ever sent, per the decode decision table:
		// an I-frame was sent, then an R-NACK, and this is that same
		// R-NACK echoed back with the I-frame's sequence number.
		if rx.RSeq == s.lastIframe.seq && s.lastGoodKind == frameI {
			s.next = sendCtx{kind: frameI, i: s.lastIframe}
			s.step = stepSendIframe
			return nil
		}
		// An R-block was sent first, then this R-NACK, and it comes
		// back carrying the next-expected I-frame sequence number:
		// acknowledge it cleanly rather than re-NACKing.
		if rx.RSeq != s.lastIframe.seq && s.lastGoodKind == frameR {
			s.next = sendCtx{kind: frameR, rSeq: rx.RSeq}
			s.step = stepSendRAck
			return nil
		}
		// Catch-all: everything else, including a last-sent S-block.
		s.next = sendCtx{kind: frameR, rSeq: rx.RSeq, rErr: block.RErrOther}
		s.step = stepSendRNack
		return nil
	default:
		return s.escalateRecovery(ErrSequencing)
	}
}

func retransmitStepFor(k frameKind) step {
	switch k {
	case frameI:
		return stepSendIframe
	case frameR:
		return stepSendRNack // rebuilt verbatim from s.last, kind carries correct variant
	case frameS:
		return stepSendS
	default:
		return stepIdle
	}
}

func (s *Session) retransmitOrEscalate() error {
	if within := s.bumpTimeoutCounter(); within {
		return nil
	}
	return s.escalateRecovery(ErrFraming)
}

func (s *Session) decideSBlock(rx block.Block) error {
	if rx.SType == dialect.Wtx && !rx.SResponse {
		exceeded := s.bumpWTXCounter()
		if exceeded {
			return s.escalateToHardReset(ErrWTXExhausted)
		}
		s.sleepRecoveryDelay()
		s.next = sendCtx{kind: frameS, s: dialect.Wtx, sRsp: true, sINF: rx.INF}
		s.step = stepSendS
		return nil
	}

	if rx.SResponse {
		// Any S-response: append INF, clear next-context, go IDLE. Its
		// subtype is not checked against the outstanding request. An ATR
		// response to an Interface-Reset request also resets the protocol
		// parameters.
		if err := s.appendINF(rx.INF); err != nil {
			return err
		}
		if rx.SType == s.d.FetchType && s.last.kind == frameS && s.last.s == dialect.IntfReset {
			s.resetProtocolParamsKeepLimits()
		}
		s.next = sendCtx{}
		s.step = stepIdle
		return nil
	}

	return fmt.Errorf("%w: unexpected S-block request subtype %s", ErrFraming, rx.SType)
}

// resetProtocolParamsKeepLimits implements the "successful
// interface/soft reset resets all sequence and counter state" half of
// invariant 7; IFSC and configured limits are preserved.
func (s *Session) resetProtocolParamsKeepLimits() {
	s.seq = 1
	s.lastKind = frameUnknown
	s.lastGoodKind = frameUnknown
	s.lastIframe = iframeCtx{}
	s.next = sendCtx{}
	s.last = sendCtx{}
	s.rx.iValid = false
	s.rx.rValid = false
	s.rx.sValid = false
	s.recoveryCounter = 0
	s.wtxCounter = 0
	s.rnackRetryCounter = 0
	s.timeoutCounter = 0
}

func (s *Session) handleFramingFailure() error {
	// CRC failure on an otherwise well-framed block: treat as a parity
	// error, R-NACK with sequence = (last-I S)^1, governed by the RNACK
	// budget (spec.md §4.4 "CRC failure").
	within := s.bumpRNackCounter()
	if !within {
		s.step = stepIdle
		return ErrFraming
	}
	s.next = sendCtx{kind: frameR, rSeq: s.rx.iSeq ^ 1, rErr: block.RErrParity}
	s.step = stepSendRNack
	return nil
}

func (s *Session) handleReadFailure() error {
	// ISO-7816-3 Rule 7.1 analog (spec.md §4.4 "Read failure").
	if s.lastKind == frameS && (s.last.s == dialect.Wtx || s.last.s == dialect.Resync) && s.last.sRsp {
		within := s.bumpRNackCounter()
		if !within {
			s.step = stepIdle
			return ErrFraming
		}
		s.next = sendCtx{kind: frameR, rSeq: s.rx.iSeq ^ 1, rErr: block.RErrOther}
		s.step = stepSendRNack
		return nil
	}
	if s.lastKind == frameI {
		within := s.bumpRNackCounter()
		if !within {
			s.step = stepIdle
			return ErrFraming
		}
		s.next = sendCtx{kind: frameR, rSeq: s.rx.iSeq ^ 1, rErr: block.RErrParity}
		s.step = stepSendRNack
		return nil
	}
	within := s.bumpTimeoutCounter()
	if !within {
		return s.escalateRecovery(ErrTransport)
	}
	s.next = s.last
	s.step = retransmitStepFor(s.lastKind)
	return nil
}
