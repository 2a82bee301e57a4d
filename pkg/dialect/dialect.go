// Package dialect models the two wire profiles the block state machine
// can be opened against: Dialect-A (NXP UM11225-style, 1-byte LEN,
// swapped CRC bytes) and Dialect-B (GlobalPlatform GP1.0-style, 2-byte
// LEN, unswapped CRC bytes). Per the design note in spec.md §9, the
// dialect is a capability set selected at session construction, not a
// compile-time #ifdef.
package dialect

// SType names an S-block subtype, independent of dialect.
type SType string

const (
	Resync      SType = "RESYNC"
	IntfReset   SType = "INTF_RESET" // Dialect-A only
	PropEndApdu SType = "PROP_END_APDU"
	Atr         SType = "ATR" // Dialect-A only
	ChipReset   SType = "CHIP_RESET" // Dialect-A only
	Wtx         SType = "WTX" // shared
	DeepPwrDown SType = "DEEP_PWR_DOWN" // shared
	SoftReset   SType = "SOFT_RESET" // Dialect-B only
	Cip         SType = "CIP" // Dialect-B only
	Release     SType = "RELEASE" // Dialect-B only
	ColdReset   SType = "COLD_RESET" // Dialect-B only
)

type lookup struct {
	Type     SType
	Response bool
}

// Dialect is the full capability set for one wire profile.
type Dialect struct {
	Name   string
	LenWidth int // 1 for Dialect-A, 2 for Dialect-B
	SwapCRC  bool // true: CRC transmitted MSB-first (byte-swapped); false: in-order

	// CloseType is sent by Session.Close.
	CloseType SType
	// HardResetType is the S-request the recovery policy escalates to
	// when recovery_counter is exhausted (§4.5).
	HardResetType SType
	// FetchType is the ATR/CIP parameter-fetch request (GetAtr/GetCip).
	FetchType SType

	reqByte map[SType]byte
	rspByte map[SType]byte
	byByte  map[byte]lookup
	// expectsResponse records which request types the state machine
	// should wait for a reply to; false means fire-and-forget.
	expectsResponse map[SType]bool
}

func newDialect(name string, lenWidth int, swapCRC bool, close_, hardReset, fetch SType) *Dialect {
	return &Dialect{
		Name:            name,
		LenWidth:        lenWidth,
		SwapCRC:         swapCRC,
		CloseType:       close_,
		HardResetType:   hardReset,
		FetchType:       fetch,
		reqByte:         map[SType]byte{},
		rspByte:         map[SType]byte{},
		byByte:          map[byte]lookup{},
		expectsResponse: map[SType]bool{},
	}
}

func (d *Dialect) add(t SType, req byte, hasRsp bool, rsp byte, expectsResponse bool) {
	d.reqByte[t] = req
	d.byByte[req] = lookup{Type: t, Response: false}
	d.expectsResponse[t] = expectsResponse
	if hasRsp {
		d.rspByte[t] = rsp
		d.byByte[rsp] = lookup{Type: t, Response: true}
	}
}

// ReqByte returns the PCB byte for a request S-block of the given type.
func (d *Dialect) ReqByte(t SType) (byte, bool) {
	b, ok := d.reqByte[t]
	return b, ok
}

// RspByte returns the PCB byte for a response S-block of the given type.
func (d *Dialect) RspByte(t SType) (byte, bool) {
	b, ok := d.rspByte[t]
	return b, ok
}

// Lookup resolves a raw S-block PCB byte to its symbolic type and
// request/response direction.
func (d *Dialect) Lookup(pcb byte) (SType, bool, bool) {
	l, ok := d.byByte[pcb]
	return l.Type, l.Response, ok
}

// ExpectsResponse reports whether the state machine should wait for a
// reply after sending a request of type t.
func (d *Dialect) ExpectsResponse(t SType) bool {
	return d.expectsResponse[t]
}

// NewDialectA builds the NXP UM11225-style capability set.
func NewDialectA() *Dialect {
	d := newDialect("A", 1, true, PropEndApdu, IntfReset, Atr)
	d.add(Resync, 0xC1, true, 0xE1, true)
	// Interface-Reset has no dedicated response code of its own: a
	// successful reset answers with an ATR S-response, handled by the
	// state machine rather than a distinct PCB byte.
	d.add(IntfReset, 0xC0, false, 0, true)
	d.add(PropEndApdu, 0xC2, false, 0, false)
	d.add(Atr, 0xC4, true, 0xE4, true)
	d.add(ChipReset, 0xC5, true, 0xE5, true)
	d.add(Wtx, 0xE3, true, 0xF3, false) // request decoded only, response sent only
	d.add(DeepPwrDown, 0xC6, false, 0, false)
	return d
}

// NewDialectB builds the GlobalPlatform GP1.0-style capability set.
func NewDialectB() *Dialect {
	d := newDialect("B", 2, false, Release, SoftReset, Cip)
	d.add(Resync, 0xC1, true, 0xE1, true)
	// Software-Reset has no inline response (spec.md §4.5): the host
	// must follow up with a CIP fetch to rediscover parameters.
	d.add(SoftReset, 0xC7, false, 0, false)
	d.add(Cip, 0xC8, true, 0xE8, true)
	d.add(Release, 0xEF, false, 0, false)
	d.add(ColdReset, 0xC9, true, 0xE9, true)
	d.add(Wtx, 0xE3, true, 0xF3, false)
	d.add(DeepPwrDown, 0xC6, false, 0, false)
	return d
}
