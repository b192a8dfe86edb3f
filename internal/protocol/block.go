// Package protocol defines the block format carried over a tunnel stream.
//
// Every block on the wire is an 8-byte header followed by the payload and
// 0 to 7 padding bytes, so that each block occupies a multiple of 8 bytes:
//
//	[typeSeq:u16 BE][length:u16 BE][connID:u32 BE][payload][padding]
//
// The two high bits of typeSeq select the kind (data or control). The low
// 14 bits carry the per-connection sequence number for data blocks and the
// control code for control blocks.
package protocol

import "fmt"

// Kind is the two-bit block kind stored in the high bits of typeSeq.
type Kind uint16

const (
	KindData    Kind = 0x4000 // 01
	KindControl Kind = 0x8000 // 10
)

const (
	kindMask  = 0xC000
	valueMask = 0x3FFF
)

// Control codes carried by control blocks.
const (
	CodeEcho   uint16 = 0x00
	CodeStart  uint16 = 0x01
	CodeResume uint16 = 0x02
	CodeAbort  uint16 = 0xFF
)

const (
	// HeaderSize is the fixed header size: typeSeq(2) + length(2) + connID(4).
	HeaderSize = 8

	// MaxPayload is the largest payload a single block can describe.
	MaxPayload = 0xFFFF

	// DefaultMaxChunk is the size application data is split at on the
	// encode side, keeping per-block latency bounded.
	DefaultMaxChunk = 16 * 1024

	// SequenceSpace is the number of distinct sequence numbers.
	SequenceSpace = 0x4000

	// PaddingByte fills the gap after the payload.
	PaddingByte = 0xFF
)

// Block is one framed unit of the tunnel protocol.
type Block struct {
	TypeSeq uint16
	ConnID  uint32
	Payload []byte
}

// NewData builds a data block for connID tagged with seq.
func NewData(connID uint32, seq uint16, payload []byte) Block {
	return Block{TypeSeq: DataTypeSeq(seq), ConnID: connID, Payload: payload}
}

// NewControl builds a payload-less control block.
func NewControl(connID uint32, code uint16) Block {
	return Block{TypeSeq: ControlTypeSeq(code), ConnID: connID}
}

func (b Block) Kind() Kind       { return KindOf(b.TypeSeq) }
func (b Block) Sequence() uint16 { return SequenceOf(b.TypeSeq) }
func (b Block) Control() uint16  { return ControlOf(b.TypeSeq) }
func (b Block) Len() int         { return len(b.Payload) }
func (b Block) IsData() bool     { return b.Kind() == KindData }
func (b Block) IsControl() bool  { return b.Kind() == KindControl }
func (b Block) WireSize() int    { return HeaderSize + len(b.Payload) + PaddingLength(len(b.Payload)) }

// DataTypeSeq sets the data kind bits and masks seq to 14 bits.
func DataTypeSeq(seq uint16) uint16 {
	return uint16(KindData) | seq&valueMask
}

// ControlTypeSeq sets the control kind bits and masks code to 14 bits.
func ControlTypeSeq(code uint16) uint16 {
	return uint16(KindControl) | code&valueMask
}

// KindOf extracts the block kind from typeSeq.
func KindOf(typeSeq uint16) Kind { return Kind(typeSeq & kindMask) }

// SequenceOf extracts the 14-bit sequence number from typeSeq.
func SequenceOf(typeSeq uint16) uint16 { return typeSeq & valueMask }

// ControlOf extracts the control code from typeSeq.
func ControlOf(typeSeq uint16) uint16 { return typeSeq & valueMask }

// NextSequence advances seq modulo the 14-bit sequence space.
func NextSequence(seq uint16) uint16 {
	return (seq + 1) & valueMask
}

// PaddingLength returns how many filler bytes follow a payload of n bytes.
func PaddingLength(n int) int {
	return (8 - n%8) % 8
}

// CodeName returns a short label for a control code, for logs.
func CodeName(code uint16) string {
	switch code {
	case CodeEcho:
		return "ECHO"
	case CodeStart:
		return "START"
	case CodeResume:
		return "RESUME"
	case CodeAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("code %#x", code)
	}
}
