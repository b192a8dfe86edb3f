package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum block length")
	ErrShortBuffer     = errors.New("buffer too short for block")
)

// header is the decoded form of the fixed 8-byte block header.
type header struct {
	typeSeq uint16
	length  uint16
	connID  uint32
}

func (h header) isSentinel() bool {
	return h.typeSeq == 0 && h.length == 0 && h.connID == 0
}

func decodeHeader(buf []byte) header {
	return header{
		typeSeq: binary.BigEndian.Uint16(buf[0:2]),
		length:  binary.BigEndian.Uint16(buf[2:4]),
		connID:  binary.BigEndian.Uint32(buf[4:8]),
	}
}

// AppendBlock appends the wire encoding of b (header, payload, padding) to dst.
func AppendBlock(dst []byte, b Block) ([]byte, error) {
	if len(b.Payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(b.Payload))
	}

	dst = binary.BigEndian.AppendUint16(dst, b.TypeSeq)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(b.Payload)))
	dst = binary.BigEndian.AppendUint32(dst, b.ConnID)
	dst = append(dst, b.Payload...)
	for range PaddingLength(len(b.Payload)) {
		dst = append(dst, PaddingByte)
	}
	return dst, nil
}

// Encode serializes a Block into a freshly allocated buffer whose length is
// always a multiple of 8.
func Encode(b Block) ([]byte, error) {
	return AppendBlock(make([]byte, 0, b.WireSize()), b)
}

// Decode parses one block from the start of data and reports how many bytes
// it occupied, padding included. The returned payload is a copy.
//
// An all-zero header decodes to a zero Block consuming HeaderSize bytes;
// callers that scan a buffer should skip it.
func Decode(data []byte) (Block, int, error) {
	if len(data) < HeaderSize {
		return Block{}, 0, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortBuffer, len(data), HeaderSize)
	}

	h := decodeHeader(data)
	if h.isSentinel() {
		return Block{}, HeaderSize, nil
	}

	n := int(h.length)
	total := HeaderSize + n + PaddingLength(n)
	if len(data) < total {
		return Block{}, 0, fmt.Errorf("%w: %d bytes (need %d)", ErrShortBuffer, len(data), total)
	}

	b := Block{TypeSeq: h.typeSeq, ConnID: h.connID}
	if n > 0 {
		b.Payload = make([]byte, n)
		copy(b.Payload, data[HeaderSize:HeaderSize+n])
	}
	return b, total, nil
}
