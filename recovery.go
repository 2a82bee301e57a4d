package t1oi2c

import (
	"fmt"

	"github.com/calvin-quilt/t1oi2c/pkg/block"
	"github.com/calvin-quilt/t1oi2c/pkg/dialect"
)

// The three independent retry budgets (spec.md §4.4/§9) all use
// increment-then-compare semantics: the counter is incremented before
// it is checked against its configured limit, and a bump succeeds while
// the counter is still <= the limit. A configured limit of N therefore
// grants N retries, and the bump that would be retry N+1 reports the
// budget exhausted (a limit of 0 grants none). The counter is bumped
// even on that final, escalating call.

func (s *Session) bumpRecoveryCounter() bool {
	s.recoveryCounter++
	return s.recoveryCounter <= s.cfg.RecoveryLimit
}

func (s *Session) bumpRNackCounter() bool {
	s.rnackRetryCounter++
	return s.rnackRetryCounter <= s.cfg.RNackRetryLimit
}

func (s *Session) bumpTimeoutCounter() bool {
	s.timeoutCounter++
	return s.timeoutCounter <= s.cfg.TimeoutLimit
}

func (s *Session) bumpWTXCounter() bool {
	s.wtxCounter++
	return s.wtxCounter > s.cfg.WTXCounterLimit
}

// resetCounters clears all four budgets, invariant 6: any
// well-formed, in-sequence exchange forgives prior retries.
func (s *Session) resetCounters() {
	s.recoveryCounter = 0
	s.rnackRetryCounter = 0
	s.timeoutCounter = 0
	s.wtxCounter = 0
}

// escalateRecovery is reached once a retry budget is exhausted. It
// attempts the dialect's hard-reset recovery path; on success the
// session's protocol parameters are restored to a clean Idle state
// but the in-flight operation still reports cause to its caller, since
// the original exchange did not complete. A failed hard reset
// surfaces ErrRecoveryFailed instead.
func (s *Session) escalateRecovery(cause error) error {
	s.step = stepIdle
	s.log.WithError(cause).Warn("escalating to hard reset recovery")
	if err := s.performHardReset(); err != nil {
		return fmt.Errorf("%w: %v (recovering from %v)", ErrRecoveryFailed, err, cause)
	}
	s.resetProtocolParams()
	return cause
}

// escalateToHardReset is the WTX-exhaustion entry point into the same
// recovery path (spec.md §4.4 "WTX counter exceeded").
func (s *Session) escalateToHardReset(cause error) error {
	return s.escalateRecovery(cause)
}

// performHardReset runs the dialect-appropriate reset handshake
// directly against the transport, bypassing the step/next/last
// machinery entirely since it executes mid-run() recovery rather than
// as a normal caller-initiated exchange.
func (s *Session) performHardReset() error {
	switch s.d.Name {
	case "A":
		return s.sendAndAwaitS(dialect.IntfReset, nil)
	case "B":
		if err := s.sendOnlyS(dialect.SoftReset, nil); err != nil {
			return err
		}
		return s.sendAndAwaitS(s.d.FetchType, nil)
	default:
		return fmt.Errorf("t1oi2c: unknown dialect %q for hard reset", s.d.Name)
	}
}

func (s *Session) sendOnlyS(t dialect.SType, inf []byte) error {
	raw, err := block.Encode(s.d, block.Block{Kind: block.KindS, SType: t, INF: inf})
	if err != nil {
		return err
	}
	return s.transmit(raw)
}

func (s *Session) sendAndAwaitS(t dialect.SType, inf []byte) error {
	if err := s.sendOnlyS(t, inf); err != nil {
		return err
	}
	raw, err := s.receiveFrame()
	if err != nil {
		return err
	}
	rx, err := block.Decode(s.d, raw)
	if err != nil {
		return err
	}
	if rx.Kind != block.KindS || !rx.SResponse {
		return fmt.Errorf("t1oi2c: hard reset recovery did not receive an S-response")
	}
	return nil
}
