// Package t1oi2c implements the host-side block-protocol state
// machine for ISO/IEC 7816-3 T=1 carried over I2C, used to talk to an
// NXP SE05x-class secure element. It drives framing, sequence
// numbering, chaining, supervisory request/response handling, receiver
// -driven error recovery and waiting-time extension over a caller-
// supplied pkg/transport.Transport.
package t1oi2c

import (
	"fmt"
	"time"

	"github.com/calvin-quilt/t1oi2c/internal/iobuf"
	"github.com/calvin-quilt/t1oi2c/pkg/config"
	"github.com/calvin-quilt/t1oi2c/pkg/dialect"
	"github.com/calvin-quilt/t1oi2c/pkg/transport"
	log "github.com/sirupsen/logrus"
)

// HighState is the session's coarse lifecycle state (spec.md §3).
type HighState int

const (
	StateIdle HighState = iota
	StateTransceiving
	StateDeinit
)

// frameKind discriminates which variant was last sent, used to
// disambiguate R-NACK recovery per the decode decision table.
type frameKind int

const (
	frameUnknown frameKind = iota
	frameI
	frameR
	frameS
)

// iframeCtx is the send-side view of an in-flight (or next-to-send)
// I-block: a borrowed pointer into the caller's command buffer plus
// fragmentation bookkeeping, per spec.md §3.
type iframeCtx struct {
	data      []byte
	offset    int
	fragLen   int
	remaining int
	ifsc      int
	chaining  bool
	seq       byte
}

// sendCtx is a tagged union over {I-info, R-info, S-info} (spec.md §9
// design note: "never an untagged struct with shared fields").
type sendCtx struct {
	kind frameKind
	i    iframeCtx
	rSeq byte
	rErr byte
	s    dialect.SType
	sRsp bool
	sINF []byte
}

// recvCtx is the receive-side bookkeeping: what was last decoded, plus
// the output assembly cursor into the caller's response buffer.
type recvCtx struct {
	lastKind frameKind

	iValid    bool
	iSeq      byte
	iChaining bool

	rValid bool
	rSeq   byte
	rErr   byte

	sValid bool
	sType  dialect.SType

	rsp           []byte
	bytesReceived int
	capacity      int
}

// Session is the explicit, caller-owned protocol instance spec.md §9
// requires in place of the original's process-wide singleton. It is
// not reentrant: callers in a multi-threaded environment must
// serialize access externally or construct one Session per concurrent
// user (spec.md §5).
type Session struct {
	log          *log.Entry
	tr           transport.Transport
	d            *dialect.Dialect
	cfg          config.Session
	state        HighState
	next         sendCtx
	last         sendCtx
	lastKind     frameKind
	lastGoodKind frameKind // last-sent frame kind excluding R-NACK sends, spec.md §4.4
	lastIframe   iframeCtx // last I-block actually transmitted, kept across later R/S sends
	rx           recvCtx
	stage        *iobuf.Stage
	step         step
	seq          byte // current outbound I-block send-sequence
	ifsc         int

	recoveryCounter   int
	wtxCounter        int
	rnackRetryCounter int
	timeoutCounter    int
}

// Open constructs a Session: it resets all protocol state, opens the
// transport, waits for the secure element to leave its initialization
// state, clears the read buffer, and optionally performs a full
// interface/software reset (spec.md §4.6).
func Open(tr transport.Transport, cfg config.Session) (*Session, []byte, error) {
	var d *dialect.Dialect
	switch cfg.Dialect {
	case "A", "a", "":
		d = dialect.NewDialectA()
	case "B", "b":
		d = dialect.NewDialectB()
	default:
		return nil, nil, fmt.Errorf("%w: unknown dialect %q", ErrUsage, cfg.Dialect)
	}

	s := &Session{
		log:   log.WithField("component", "t1oi2c"),
		tr:    tr,
		d:     d,
		cfg:   cfg,
		state: StateIdle,
		stage: iobuf.New(1024),
		ifsc:  cfg.IFSC,
	}
	s.resetProtocolParams()

	if err := tr.Open(cfg.Device); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	time.Sleep(5 * time.Millisecond) // let the secure element leave its init state
	tr.ClearReadBuffer()

	var out []byte
	if cfg.InterfaceReset {
		buf := make([]byte, 4096)
		var n int
		var err error
		if d.Name == "A" {
			n, err = s.IntfReset(buf)
		} else if err = s.SoftReset(); err == nil {
			n, err = s.GetCip(buf)
		}
		if err != nil {
			return s, nil, err
		}
		out = buf[:n]
	}
	s.log.Debug("session open")
	return s, out, nil
}

// Close transmits the dialect-appropriate end-of-session S-request
// (spec.md §3 lifecycle / §8 scenario 6) and closes the transport.
func (s *Session) Close() error {
	_, err := s.runOneShotS(s.d.CloseType, nil, nil)
	closeErr := s.tr.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// SetIfscSize updates the next I-block's maximum fragment size.
func (s *Session) SetIfscSize(n int) {
	s.ifsc = n
}

// WTXRsp sends exactly one WTX-response S-block (spec.md §4.6, used by
// application-level error-recovery paths).
func (s *Session) WTXRsp(inf []byte) error {
	_, err := s.runOneShotS(dialect.Wtx, inf, nil)
	return err
}

// SendRSync sends exactly one Resync S-request.
func (s *Session) SendRSync() error {
	_, err := s.runOneShotS(dialect.Resync, nil, nil)
	return err
}

// IntfReset sends the Dialect-A Interface-Reset S-request and reads
// the ATR reply into buf, resetting protocol parameters on success.
func (s *Session) IntfReset(buf []byte) (int, error) {
	if s.d.Name != "A" {
		return 0, fmt.Errorf("%w: IntfReset is Dialect-A only", ErrUsage)
	}
	n, err := s.runOneShotS(dialect.IntfReset, nil, buf)
	if err == nil {
		s.resetProtocolParams()
	}
	return n, err
}

// ChipReset sends the Dialect-A Chip-Reset S-request.
func (s *Session) ChipReset(buf []byte) (int, error) {
	if s.d.Name != "A" {
		return 0, fmt.Errorf("%w: ChipReset is Dialect-A only", ErrUsage)
	}
	return s.runOneShotS(dialect.ChipReset, nil, buf)
}

// SoftReset sends the Dialect-B Software-Reset S-request. Per
// spec.md §4.5 there is no inline response; the caller should follow
// up with GetCip.
func (s *Session) SoftReset() error {
	if s.d.Name != "B" {
		return fmt.Errorf("%w: SoftReset is Dialect-B only", ErrUsage)
	}
	_, err := s.runOneShotS(dialect.SoftReset, nil, nil)
	if err == nil {
		s.resetProtocolParams()
	}
	return err
}

// ColdReset sends the Dialect-B Cold-Reset S-request.
func (s *Session) ColdReset(buf []byte) (int, error) {
	if s.d.Name != "B" {
		return 0, fmt.Errorf("%w: ColdReset is Dialect-B only", ErrUsage)
	}
	return s.runOneShotS(dialect.ColdReset, nil, buf)
}

// GetAtr (Dialect-A) / GetCip (Dialect-B) fetch the device's parameter
// block into buf.
func (s *Session) GetAtr(buf []byte) (int, error) {
	if s.d.Name != "A" {
		return 0, fmt.Errorf("%w: GetAtr is Dialect-A only", ErrUsage)
	}
	return s.runOneShotS(s.d.FetchType, nil, buf)
}

func (s *Session) GetCip(buf []byte) (int, error) {
	if s.d.Name != "B" {
		return 0, fmt.Errorf("%w: GetCip is Dialect-B only", ErrUsage)
	}
	return s.runOneShotS(s.d.FetchType, nil, buf)
}

// DeepPowerDown issues the deep-power-down S-request.
func (s *Session) DeepPowerDown() error {
	_, err := s.runOneShotS(dialect.DeepPwrDown, nil, nil)
	return err
}

// Reset resets protocol parameters: sequence numbers so the first
// I-block goes out with S=0 after the XOR, counters zeroed, frame
// types set to Unknown (spec.md §4.6).
func (s *Session) Reset() {
	s.resetProtocolParams()
}

func (s *Session) resetProtocolParams() {
	s.seq = 1 // XORed to 0 before the first send, see nextSeq()
	s.lastKind = frameUnknown
	s.lastGoodKind = frameUnknown
	s.lastIframe = iframeCtx{}
	s.next = sendCtx{}
	s.last = sendCtx{}
	s.rx = recvCtx{}
	s.recoveryCounter = 0
	s.wtxCounter = 0
	s.rnackRetryCounter = 0
	s.timeoutCounter = 0
	s.step = stepIdle
	s.stage.Reset()
}

func (s *Session) nextSeq() byte {
	s.seq ^= 1
	return s.seq
}
