package tunnel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emessiha/tunner/internal/protocol"
	"github.com/emessiha/tunner/internal/util"
)

// DefaultMaxPending bounds how many inbound data blocks a connection holds
// that have not been written to its real socket yet.
const DefaultMaxPending = 256

// Conn is one end-user TCP connection carried by a tunnel: the client-side
// accepted socket or the server-side socket dialed to the forward target.
//
// Inbound blocks pass AcceptInbound (sequence check) and EnqueueOrSend,
// which only queues them; a per-connection writer drains the queue into the
// socket once it is connected, so a slow socket never stalls the tunnel.
// Outbound bytes are read from the socket by pump and framed with
// NextSequence.
type Conn struct {
	// Identity
	id uint32

	// Lifecycle
	closeOnce sync.Once
	closed    chan struct{}

	// Tunnel currently carrying this connection.
	bindMu sync.Mutex
	tunnel Tunnel

	// Real socket, written only by writeLoop.
	sockMu sync.Mutex
	sock   net.Conn

	// Inbound side. pending[0] is the block being written, if any.
	mu         sync.Mutex
	recvSeq    uint16
	connected  bool
	draining   bool
	pending    [][]byte
	maxPending int
	wake       chan struct{}

	// Outbound side
	seqMu   sync.Mutex
	sendSeq uint16

	lastRead  atomic.Int64 // unix nanos of the last read from sock
	lastWrite atomic.Int64 // unix nanos of the last write to sock
}

// NewConn creates a connection. A nil sock leaves it unconnected, with
// inbound data buffered until Connect.
func NewConn(id uint32, sock net.Conn, maxPending int) *Conn {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	c := &Conn{
		id:         id,
		closed:     make(chan struct{}),
		sock:       sock,
		connected:  sock != nil,
		maxPending: maxPending,
		wake:       make(chan struct{}, 1),
	}
	now := time.Now().UnixNano()
	c.lastRead.Store(now)
	c.lastWrite.Store(now)
	if sock != nil {
		go c.writeLoop(sock)
	}
	return c
}

func (c *Conn) ID() uint32 { return c.id }

func (c *Conn) String() string { return fmt.Sprintf("%08x", c.id) }

// Tunnel returns the tunnel this connection is multiplexed on, or nil.
func (c *Conn) Tunnel() Tunnel {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	return c.tunnel
}

func (c *Conn) bind(t Tunnel) {
	c.bindMu.Lock()
	c.tunnel = t
	c.bindMu.Unlock()
}

// unbind clears the tunnel reference if it still points at t.
func (c *Conn) unbind(t Tunnel) {
	c.bindMu.Lock()
	if c.tunnel == t {
		c.tunnel = nil
	}
	c.bindMu.Unlock()
}

// Done is closed once Shutdown has run.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Connected reports whether the real socket is attached.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Pending returns the number of blocks queued and not yet fully written.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Conn) socket() net.Conn {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	return c.sock
}

// ---------------------------------------------------------------------------
// Sequencing
// ---------------------------------------------------------------------------

// NextSequence returns the sequence number for the next block this side
// originates and advances the counter within the 14-bit space.
func (c *Conn) NextSequence() uint16 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	seq := c.sendSeq
	c.sendSeq = protocol.NextSequence(seq)
	return seq
}

// AcceptInbound checks that b carries the expected sequence number, advances
// it, and hands the payload to EnqueueOrSend. A mismatch returns a
// *SequenceError and leaves the expected sequence untouched; the caller
// must tear the connection down.
func (c *Conn) AcceptInbound(b protocol.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return ErrConnClosed
	}
	if seq := b.Sequence(); seq != c.recvSeq {
		return &SequenceError{ConnID: c.id, Expected: c.recvSeq, Received: seq}
	}
	c.recvSeq = protocol.NextSequence(c.recvSeq)

	return c.enqueueOrSendLocked(b.Payload)
}

// EnqueueOrSend queues a copy of payload for the socket writer. The queue
// holds at most maxPending blocks whether or not the socket is connected;
// past that ErrBacklogFull is returned and nothing is queued.
func (c *Conn) EnqueueOrSend(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return ErrConnClosed
	}
	return c.enqueueOrSendLocked(payload)
}

func (c *Conn) enqueueOrSendLocked(payload []byte) error {
	if len(c.pending) >= c.maxPending {
		return fmt.Errorf("%w: %d blocks queued", ErrBacklogFull, len(c.pending))
	}
	c.pending = append(c.pending, bytes.Clone(payload))
	c.signal()
	return nil
}

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Connect attaches the dialed socket and starts writing the queue to it in
// order. If the connection was shut down in the meantime, sock is closed
// and ErrConnClosed returned.
func (c *Conn) Connect(sock net.Conn) error {
	c.sockMu.Lock()
	if c.isClosed() {
		c.sockMu.Unlock()
		_ = sock.Close()
		return ErrConnClosed
	}
	c.sock = sock
	c.sockMu.Unlock()

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	go c.writeLoop(sock)
	return nil
}

// writeLoop writes queued blocks to sock until the connection closes. A
// failed write shuts the connection down, which ends pump and with it the
// connection. Once draining and the queue is empty, it shuts down too.
func (c *Conn) writeLoop(sock net.Conn) {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			draining := c.draining
			c.mu.Unlock()
			if draining {
				c.Shutdown()
				return
			}
			select {
			case <-c.wake:
				continue
			case <-c.closed:
				return
			}
		}
		p := c.pending[0]
		c.mu.Unlock()

		if _, err := sock.Write(p); err != nil {
			if !c.isClosed() {
				util.LogDebug("[%s] socket write: %v", c, err)
			}
			c.Shutdown()
			return
		}
		c.lastWrite.Store(time.Now().UnixNano())

		c.mu.Lock()
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.mu.Unlock()
	}
}

// Finish closes the connection once everything queued has been written,
// or after timeout if the socket does not take it. An unconnected
// connection is shut down at once.
func (c *Conn) Finish(timeout time.Duration) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		c.Shutdown()
		return
	}
	c.draining = true
	c.mu.Unlock()

	c.signal()
	time.AfterFunc(timeout, c.Shutdown)
}

// ---------------------------------------------------------------------------
// Socket -> tunnel
// ---------------------------------------------------------------------------

// pump reads from the real socket and sends every chunk as a data block.
// Chunks are at most chunk bytes. It returns nil on a clean EOF.
func (c *Conn) pump(chunk int, send func(protocol.Block) error) error {
	sock := c.socket()
	if sock == nil {
		return ErrConnClosed
	}

	buf := make([]byte, chunk)
	for {
		n, err := sock.Read(buf)

		if n > 0 {
			c.lastRead.Store(time.Now().UnixNano())
			b := protocol.NewData(c.id, c.NextSequence(), bytes.Clone(buf[:n]))
			if sendErr := send(b); sendErr != nil {
				return sendErr
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) || c.isClosed() {
				return nil
			}
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Idle tracking and teardown
// ---------------------------------------------------------------------------

// Expired reports whether both directions have been idle for longer than idle.
func (c *Conn) Expired(now time.Time, idle time.Duration) bool {
	lastRead := time.Unix(0, c.lastRead.Load())
	lastWrite := time.Unix(0, c.lastWrite.Load())
	return now.Sub(lastRead) > idle && now.Sub(lastWrite) > idle
}

// Shutdown closes the real socket. It is idempotent and ignores close errors.
func (c *Conn) Shutdown() {
	c.closeOnce.Do(func() {
		c.sockMu.Lock()
		close(c.closed)
		sock := c.sock
		c.sockMu.Unlock()

		if sock != nil {
			_ = sock.Close()
		}
	})
}
