package protocol

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

// collector copies every emitted block, since emitted payloads alias the
// Reader's buffer.
type collector struct {
	blocks []Block
}

func (c *collector) emit(b Block) {
	cp := Block{TypeSeq: b.TypeSeq, ConnID: b.ConnID}
	if b.Payload != nil {
		cp.Payload = append([]byte(nil), b.Payload...)
	}
	c.blocks = append(c.blocks, cp)
}

func encodeAll(t *testing.T, blocks ...Block) []byte {
	t.Helper()
	var buf []byte
	for _, b := range blocks {
		var err error
		buf, err = AppendBlock(buf, b)
		require.NoError(t, err)
	}
	return buf
}

func sampleStream(t *testing.T) ([]Block, []byte) {
	t.Helper()
	blocks := []Block{
		NewControl(7, CodeStart),
		NewData(7, 0, []byte("hello")),
		NewData(7, 1, bytes.Repeat([]byte{0x11}, 8)),
		NewData(8, 0, bytes.Repeat([]byte{0x22}, 3000)),
		NewControl(0, CodeEcho),
		NewData(7, 2, bytes.Repeat([]byte{0x33}, MaxPayload)),
		NewControl(7, CodeAbort),
	}
	return blocks, encodeAll(t, blocks...)
}

func TestReaderWholeVersusByteAtATime(t *testing.T) {
	want, stream := sampleStream(t)

	var whole collector
	NewReader().Feed(stream, whole.emit)

	var single collector
	r := NewReader()
	for i := range stream {
		r.Feed(stream[i:i+1], single.emit)
	}

	require.Equal(t, want, whole.blocks)
	require.Equal(t, want, single.blocks)
	require.False(t, r.Buffered())
}

func TestReaderRandomChunks(t *testing.T) {
	want, stream := sampleStream(t)
	rng := rand.New(rand.NewPCG(1, 2))

	for range 20 {
		var got collector
		r := NewReader()
		rest := stream
		for len(rest) > 0 {
			n := min(1+rng.IntN(4096), len(rest))
			r.Feed(rest[:n], got.emit)
			rest = rest[n:]
		}
		require.Equal(t, want, got.blocks)
	}
}

func TestReaderSkipsSentinel(t *testing.T) {
	stream := append(make([]byte, HeaderSize), encodeAll(t, NewData(3, 0, []byte("x")))...)
	stream = append(stream, make([]byte, HeaderSize)...)

	var got collector
	r := NewReader()
	r.Feed(stream, got.emit)

	require.Len(t, got.blocks, 1)
	require.Equal(t, "x", string(got.blocks[0].Payload))
	require.False(t, r.Buffered())
}

func TestReaderOnlySentinelEmitsNothing(t *testing.T) {
	var got collector
	NewReader().Feed(make([]byte, HeaderSize), got.emit)
	require.Empty(t, got.blocks)
}

func TestReaderDispatchesControlWithoutMoreInput(t *testing.T) {
	var got collector
	r := NewReader()
	r.Feed(encodeAll(t, NewControl(5, CodeStart)), got.emit)
	require.Len(t, got.blocks, 1)
	require.Equal(t, CodeStart, got.blocks[0].Control())
}

func TestReaderWaitsForPadding(t *testing.T) {
	stream := encodeAll(t, NewData(5, 0, []byte("abc")))

	var got collector
	r := NewReader()
	r.Feed(stream[:HeaderSize+3], got.emit)
	require.Empty(t, got.blocks, "block must not be dispatched before its padding")
	require.True(t, r.Buffered())

	r.Feed(stream[HeaderSize+3:], got.emit)
	require.Len(t, got.blocks, 1)
}

func TestReaderEmptyFeed(t *testing.T) {
	var got collector
	r := NewReader()
	r.Feed(nil, got.emit)
	r.Feed([]byte{}, got.emit)
	require.Empty(t, got.blocks)
	require.False(t, r.Buffered())
}
