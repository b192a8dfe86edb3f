package tunnel

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emessiha/tunner/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type control struct {
	connID uint32
	code   uint16
}

// fakeHandler records what tunnels hand up to their manager.
type fakeHandler struct {
	mu            sync.Mutex
	controls      []control
	closed        []*Conn
	tunnelsClosed int
}

func (h *fakeHandler) HandleControl(t Tunnel, connID uint32, code uint16, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controls = append(h.controls, control{connID, code})
}

func (h *fakeHandler) CloseConnection(c *Conn) {
	h.mu.Lock()
	h.closed = append(h.closed, c)
	h.mu.Unlock()
	c.Shutdown()
}

func (h *fakeHandler) TunnelClosed(t Tunnel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tunnelsClosed++
}

func (h *fakeHandler) snapshot() ([]control, []*Conn, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]control(nil), h.controls...), append([]*Conn(nil), h.closed...), h.tunnelsClosed
}

// bufferRWC collects everything written to it. Reads block until Close.
type bufferRWC struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newBufferRWC() *bufferRWC {
	return &bufferRWC{closed: make(chan struct{})}
}

func (b *bufferRWC) Write(p []byte) (int, error) {
	select {
	case <-b.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bufferRWC) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.EOF
}

func (b *bufferRWC) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// blocks decodes everything written so far.
func (b *bufferRWC) blocks() []protocol.Block {
	b.mu.Lock()
	data := append([]byte(nil), b.buf.Bytes()...)
	b.mu.Unlock()
	return decodeStream(data)
}

func decodeStream(data []byte) []protocol.Block {
	var out []protocol.Block
	protocol.NewReader().Feed(data, func(b protocol.Block) {
		cp := protocol.Block{TypeSeq: b.TypeSeq, ConnID: b.ConnID}
		if b.Payload != nil {
			cp.Payload = append([]byte(nil), b.Payload...)
		}
		out = append(out, cp)
	})
	return out
}

func hasControl(blocks []protocol.Block, connID uint32, code uint16) bool {
	for _, b := range blocks {
		if b.IsControl() && b.ConnID == connID && b.Control() == code {
			return true
		}
	}
	return false
}

// pipeDialer opens tunnels over net.Pipe. When serve is set it receives
// the far end; otherwise the far end is drained and discarded.
type pipeDialer struct {
	serve func(io.ReadWriteCloser)
	dials atomic.Int32

	mu    sync.Mutex
	peers []net.Conn
}

func (d *pipeDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	d.dials.Add(1)
	local, remote := net.Pipe()

	d.mu.Lock()
	d.peers = append(d.peers, remote)
	d.mu.Unlock()

	if d.serve != nil {
		go d.serve(remote)
	} else {
		go io.Copy(io.Discard, remote)
	}
	return local, nil
}

func (d *pipeDialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		p.Close()
	}
}

// encodeBlocks frames blocks back to back.
func encodeBlocks(t *testing.T, blocks ...protocol.Block) []byte {
	t.Helper()
	var out []byte
	for _, b := range blocks {
		var err error
		out, err = protocol.AppendBlock(out, b)
		require.NoError(t, err)
	}
	return out
}

// ---------------------------------------------------------------------------
// Network helpers
// ---------------------------------------------------------------------------

// startEchoServer starts a TCP echo server that copies everything it receives
// back to the sender. Returns the address (host:port) it is listening on.
func startEchoServer(t *testing.T, ctx context.Context) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return l.Addr().String()
}

// makeTestData generates deterministic test data of the given size.
// Each byte is derived from its index XOR-ed with the seed, ensuring that
// different connections produce distinguishable payloads.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}
