package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectAScenarioBytes(t *testing.T) {
	d := NewDialectA()
	assert.Equal(t, 1, d.LenWidth)
	assert.True(t, d.SwapCRC)

	b, ok := d.ReqByte(IntfReset)
	require.True(t, ok)
	assert.Equal(t, byte(0xC0), b, "interface-reset escalation byte (scenario 5)")

	b, ok = d.ReqByte(PropEndApdu)
	require.True(t, ok)
	assert.Equal(t, byte(0xC2), b, "clean close byte (scenario 6)")

	b, ok = d.RspByte(Wtx)
	require.True(t, ok)
	assert.Equal(t, byte(0xF3), b, "wtx response byte (scenario 3)")

	typ, isResp, ok := d.Lookup(0xE3)
	require.True(t, ok)
	assert.Equal(t, Wtx, typ)
	assert.False(t, isResp)
}

func TestDialectBScenarioBytes(t *testing.T) {
	d := NewDialectB()
	assert.Equal(t, 2, d.LenWidth)
	assert.False(t, d.SwapCRC)

	b, ok := d.ReqByte(Release)
	require.True(t, ok)
	assert.Equal(t, byte(0xEF), b, "clean close byte (scenario 6)")

	assert.False(t, d.ExpectsResponse(SoftReset))
	assert.False(t, d.ExpectsResponse(Release))
	assert.True(t, d.ExpectsResponse(Cip))
}

func TestWTXSharedAcrossDialects(t *testing.T) {
	a := NewDialectA()
	b := NewDialectB()
	reqA, _ := a.ReqByte(Wtx)
	reqB, _ := b.ReqByte(Wtx)
	assert.Equal(t, reqA, reqB)
}
