package t1oi2c

import (
	"testing"

	"github.com/calvin-quilt/t1oi2c/pkg/block"
	"github.com/calvin-quilt/t1oi2c/pkg/dialect"
	"github.com/calvin-quilt/t1oi2c/pkg/transport/mock"
	"github.com/stretchr/testify/require"
)

func TestTransceiveChainedCommand(t *testing.T) {
	cfg := testConfig()
	cfg.IFSC = 2

	ack := encodeA(t, block.Block{Kind: block.KindR, RSeq: 1, RError: block.RErrNone})
	final := encodeA(t, block.Block{Kind: block.KindI, ISeq: 0, INF: []byte{0x90, 0x00}})
	tr := mock.New(mock.Step{Reply: ack}, mock.Step{Reply: final})

	sess, _, err := Open(tr, cfg)
	require.NoError(t, err)

	rsp := make([]byte, 16)
	n, err := sess.Transceive([]byte{0x01, 0x02, 0x03, 0x04}, rsp)
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x00}, rsp[:n])
	require.Len(t, tr.Writes, 2)

	d := dialect.NewDialectA()
	first, err := block.Decode(d, tr.Writes[0])
	require.NoError(t, err)
	require.Equal(t, byte(0), first.ISeq)
	require.True(t, first.Chaining)
	require.Equal(t, []byte{0x01, 0x02}, first.INF)

	second, err := block.Decode(d, tr.Writes[1])
	require.NoError(t, err)
	require.Equal(t, byte(1), second.ISeq)
	require.False(t, second.Chaining)
	require.Equal(t, []byte{0x03, 0x04}, second.INF)
}

func TestTransceiveHandlesWTXMidExchange(t *testing.T) {
	cfg := testConfig()

	wtxReq := encodeA(t, block.Block{Kind: block.KindS, SType: dialect.Wtx, SResponse: false, INF: []byte{0x01}})
	final := encodeA(t, block.Block{Kind: block.KindI, ISeq: 0, INF: []byte{0x90, 0x00}})
	tr := mock.New(mock.Step{Reply: wtxReq}, mock.Step{Reply: final})

	sess, _, err := Open(tr, cfg)
	require.NoError(t, err)

	rsp := make([]byte, 16)
	n, err := sess.Transceive([]byte{0x00, 0xA4}, rsp)
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x00}, rsp[:n])

	require.Len(t, tr.Writes, 2)
	d := dialect.NewDialectA()
	wtxRsp, err := block.Decode(d, tr.Writes[1])
	require.NoError(t, err)
	require.Equal(t, block.KindS, wtxRsp.Kind)
	require.Equal(t, dialect.Wtx, wtxRsp.SType)
	require.True(t, wtxRsp.SResponse)
	require.Equal(t, 0, sess.wtxCounter) // reset once the final well-formed reply arrives
}

func TestTransceiveRecoversFromCRCFailure(t *testing.T) {
	cfg := testConfig()

	good := encodeA(t, block.Block{Kind: block.KindI, ISeq: 0, INF: []byte{0x90, 0x00}})
	corrupt := make([]byte, len(good))
	copy(corrupt, good)
	corrupt[len(corrupt)-1] ^= 0xFF // flip a CRC byte

	tr := mock.New(mock.Step{Reply: corrupt}, mock.Step{Reply: good})

	sess, _, err := Open(tr, cfg)
	require.NoError(t, err)

	rsp := make([]byte, 16)
	n, err := sess.Transceive([]byte{0x00, 0xA4}, rsp)
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x00}, rsp[:n])

	require.Len(t, tr.Writes, 2) // original I-block, then an R-NACK retry
	d := dialect.NewDialectA()
	nack, err := block.Decode(d, tr.Writes[1])
	require.NoError(t, err)
	require.Equal(t, block.KindR, nack.Kind)
	require.Equal(t, block.RErrParity, nack.RError)
}

// TestDecideRBlockRframeErrorRetransmitsIframe pins the first arm of the
// three-way dispatch in decideRBlock's parity/other-error case: an
// I-frame was sent, then an R-NACK was sent on its behalf, and that same
// R-NACK comes back bearing the I-frame's own sequence number.
func TestDecideRBlockRframeErrorRetransmitsIframe(t *testing.T) {
	tr := mock.New()
	sess, _, err := Open(tr, testConfig())
	require.NoError(t, err)

	iframe := iframeCtx{data: []byte{0xAA, 0xBB}, fragLen: 2, seq: 1}
	sess.lastIframe = iframe
	sess.lastGoodKind = frameI
	sess.last = sendCtx{kind: frameR, rSeq: 1, rErr: block.RErrOther}

	err = sess.decideRBlock(block.Block{Kind: block.KindR, RSeq: 1, RError: block.RErrParity})
	require.NoError(t, err)
	require.Equal(t, stepSendIframe, sess.step)
	require.Equal(t, frameI, sess.next.kind)
	require.Equal(t, iframe, sess.next.i)
}

// TestDecideRBlockRframeErrorSendsRAck pins the second arm: an R-block
// was sent first, then an R-NACK, and it comes back carrying the
// next-expected I-frame sequence number rather than the last I-frame's.
func TestDecideRBlockRframeErrorSendsRAck(t *testing.T) {
	tr := mock.New()
	sess, _, err := Open(tr, testConfig())
	require.NoError(t, err)

	sess.lastIframe = iframeCtx{seq: 1}
	sess.lastGoodKind = frameR
	sess.last = sendCtx{kind: frameR, rSeq: 0, rErr: block.RErrOther}

	err = sess.decideRBlock(block.Block{Kind: block.KindR, RSeq: 0, RError: block.RErrParity})
	require.NoError(t, err)
	require.Equal(t, stepSendRAck, sess.step)
	require.Equal(t, byte(0), sess.next.rSeq)
	require.Equal(t, block.RErrNone, sess.next.rErr)
}

// TestDecideRBlockRframeErrorFallsBackToRNack covers the catch-all arm:
// neither sub-case matches (here, the last non-error send was an
// S-block), so the host re-NACKs with OTHER_ERROR.
func TestDecideRBlockRframeErrorFallsBackToRNack(t *testing.T) {
	tr := mock.New()
	sess, _, err := Open(tr, testConfig())
	require.NoError(t, err)

	sess.lastIframe = iframeCtx{seq: 1}
	sess.lastGoodKind = frameS
	sess.last = sendCtx{kind: frameR, rSeq: 0, rErr: block.RErrOther}

	err = sess.decideRBlock(block.Block{Kind: block.KindR, RSeq: 0, RError: block.RErrParity})
	require.NoError(t, err)
	require.Equal(t, stepSendRNack, sess.step)
	require.Equal(t, block.RErrOther, sess.next.rErr)
}

// TestDecideRBlockAckWhileLastSentWasNotIframe pins the fix where an
// error-free R-block arrives right after the host's last send was an
// R-block or S-block (not an I-block): it must retransmit that same
// non-I frame, not fabricate a zero-length I-block.
func TestDecideRBlockAckWhileLastSentWasNotIframe(t *testing.T) {
	tr := mock.New()
	sess, _, err := Open(tr, testConfig())
	require.NoError(t, err)

	sess.last = sendCtx{kind: frameS, s: dialect.Wtx, sRsp: true, sINF: []byte{0x01}}

	err = sess.decideRBlock(block.Block{Kind: block.KindR, RSeq: 1, RError: block.RErrNone})
	require.NoError(t, err)
	require.Equal(t, stepSendS, sess.step)
	require.Equal(t, sess.last, sess.next)
}

func TestTransceiveEscalatesWhenRecoveryBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.RecoveryLimit = 0 // increment-then-compare: zero means no retries granted at all

	// Peer starts a chained reply (accepted unconditionally, it's the
	// first I-block ever received), the host ACKs it, and the peer then
	// repeats the same sequence number instead of advancing.
	firstFragment := encodeA(t, block.Block{Kind: block.KindI, ISeq: 0, Chaining: true, INF: []byte{0xAA}})
	repeatedSeq := encodeA(t, block.Block{Kind: block.KindI, ISeq: 0, Chaining: true, INF: []byte{0xBB}})
	atrReply := encodeA(t, block.Block{Kind: block.KindS, SType: dialect.Atr, SResponse: true, INF: []byte{0x3B}})
	tr := mock.New(mock.Step{Reply: firstFragment}, mock.Step{Reply: repeatedSeq}, mock.Step{Reply: atrReply})

	sess, _, err := Open(tr, cfg)
	require.NoError(t, err)

	rsp := make([]byte, 16)
	_, err = sess.Transceive([]byte{0x00, 0xA4}, rsp)
	require.ErrorIs(t, err, ErrSequencing)
	require.Equal(t, StateIdle, sess.state)
	require.Equal(t, 0, sess.recoveryCounter) // reset after successful hard reset

	require.Len(t, tr.Writes, 3)
	d := dialect.NewDialectA()
	hardReset, err := block.Decode(d, tr.Writes[2])
	require.NoError(t, err)
	require.Equal(t, dialect.IntfReset, hardReset.SType)
}
