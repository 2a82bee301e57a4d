// Package block implements the T=1-over-I2C frame codec (spec.md C3):
// building and parsing I/R/S blocks, honoring the per-dialect LEN width
// and CRC byte order, and delegating CRC computation to internal/crc.
//
// The codec mirrors the accessor-over-raw-bytes shape the teacher
// codebase uses for decoded protocol replies (a small struct of typed
// fields produced once at decode time, rather than bit-twiddling the
// raw buffer at every call site) but does not interpret S-block TLV
// payloads beyond exposing the INF slice, per spec.md §4.3.
package block

import (
	"errors"
	"fmt"

	"github.com/calvin-quilt/t1oi2c/internal/crc"
	"github.com/calvin-quilt/t1oi2c/pkg/dialect"
)

// NAD is the fixed node-address byte for this profile.
const NAD byte = 0x5A

// Kind discriminates the three block variants on the wire.
type Kind int

const (
	KindI Kind = iota
	KindR
	KindS
)

// R-block error codes (PCB bits 1..0).
const (
	RErrNone      byte = 0x00
	RErrParity    byte = 0x01
	RErrOther     byte = 0x02
	RErrUndefined byte = 0x03 // SOF missed / undefined
)

var (
	// ErrShortFrame means fewer bytes were decoded than the minimum
	// possible block.
	ErrShortFrame = errors.New("block: short frame")
	// ErrLengthMismatch means the decoded LEN field does not match the
	// bytes actually available.
	ErrLengthMismatch = errors.New("block: length field does not match frame size")
	// ErrUnknownPCB means the PCB byte did not classify as I, R, or a
	// known S-block subtype for the active dialect.
	ErrUnknownPCB = errors.New("block: unrecognized PCB byte")
	// ErrCRC means the trailing check sequence did not verify.
	ErrCRC = errors.New("block: CRC mismatch")
)

// Block is the decoded (or to-be-encoded) content of one wire frame.
// It is a tagged union over I/R/S, discriminated by Kind, per the
// design note in spec.md §9 ("never an untagged struct with shared
// fields").
type Block struct {
	Kind Kind

	// I-block fields.
	ISeq     byte // send-sequence S, 0 or 1
	Chaining bool // M bit

	// R-block fields.
	RSeq   byte // N, the expected-next-sequence bit (already XORed by the caller)
	RError byte // one of RErr*

	// S-block fields.
	SType     dialect.SType
	SResponse bool

	INF []byte
}

func pcbFor(d *dialect.Dialect, b Block) (byte, error) {
	switch b.Kind {
	case KindI:
		pcb := byte(0)
		if b.ISeq != 0 {
			pcb |= 1 << 6
		}
		if b.Chaining {
			pcb |= 1 << 5
		}
		return pcb, nil
	case KindR:
		pcb := byte(1 << 7)
		if b.RSeq != 0 {
			pcb |= 1 << 4
		}
		pcb |= b.RError & 0x03
		return pcb, nil
	case KindS:
		if b.SResponse {
			rsp, ok := d.RspByte(b.SType)
			if !ok {
				return 0, fmt.Errorf("block: dialect %s has no response byte for %s", d.Name, b.SType)
			}
			return rsp, nil
		}
		req, ok := d.ReqByte(b.SType)
		if !ok {
			return 0, fmt.Errorf("block: dialect %s has no request byte for %s", d.Name, b.SType)
		}
		return req, nil
	default:
		return 0, fmt.Errorf("block: unknown kind %d", b.Kind)
	}
}

// Encode renders b as a complete wire frame (NAD|PCB|LEN|INF|CRC) for
// the given dialect.
func Encode(d *dialect.Dialect, b Block) ([]byte, error) {
	pcb, err := pcbFor(d, b)
	if err != nil {
		return nil, err
	}

	infLen := len(b.INF)
	header := make([]byte, 0, 2+d.LenWidth+infLen+2)
	header = append(header, NAD, pcb)
	if d.LenWidth == 1 {
		if infLen > 0xFF {
			return nil, fmt.Errorf("block: INF length %d exceeds 1-byte LEN for dialect %s", infLen, d.Name)
		}
		header = append(header, byte(infLen))
	} else {
		if infLen > 0xFFFF {
			return nil, fmt.Errorf("block: INF length %d exceeds 2-byte LEN for dialect %s", infLen, d.Name)
		}
		header = append(header, byte(infLen>>8), byte(infLen))
	}
	header = append(header, b.INF...)

	sum := crc.Compute(header)
	lo, hi := sum.Bytes()
	if d.SwapCRC {
		header = append(header, hi, lo)
	} else {
		header = append(header, lo, hi)
	}
	return header, nil
}

// Decode parses one complete wire frame for the given dialect,
// verifying its CRC.
func Decode(d *dialect.Dialect, raw []byte) (Block, error) {
	minLen := 2 + d.LenWidth + 2
	if len(raw) < minLen {
		return Block{}, ErrShortFrame
	}

	pcb := raw[1]
	var infLen int
	var infStart int
	if d.LenWidth == 1 {
		infLen = int(raw[2])
		infStart = 3
	} else {
		infLen = int(raw[2])<<8 | int(raw[3])
		infStart = 4
	}
	want := infStart + infLen + 2
	if want != len(raw) {
		return Block{}, fmt.Errorf("%w: want %d have %d", ErrLengthMismatch, want, len(raw))
	}

	inf := raw[infStart : infStart+infLen]
	body := raw[:infStart+infLen]
	crcLo, crcHi := raw[len(raw)-2], raw[len(raw)-1]
	if d.SwapCRC {
		crcLo, crcHi = crcHi, crcLo
	}
	if !crc.Verify(body, crcLo, crcHi) {
		return Block{}, ErrCRC
	}

	switch {
	case pcb&0x80 == 0:
		return Block{
			Kind:     KindI,
			ISeq:     (pcb >> 6) & 1,
			Chaining: pcb&(1<<5) != 0,
			INF:      inf,
		}, nil
	case pcb&0xC0 == 0x80:
		return Block{
			Kind:   KindR,
			RSeq:   (pcb >> 4) & 1,
			RError: pcb & 0x03,
			INF:    inf,
		}, nil
	default: // 0xC0 marker: S-block
		typ, isResp, ok := d.Lookup(pcb)
		if !ok {
			return Block{}, fmt.Errorf("%w: 0x%02X", ErrUnknownPCB, pcb)
		}
		return Block{
			Kind:      KindS,
			SType:     typ,
			SResponse: isResp,
			INF:       inf,
		}, nil
	}
}
