// Package tunnel multiplexes many TCP connections over one framed byte
// stream.
//
// A Tunnel owns one transport stream and the connections it carries. Two
// implementations exist: QueuedTunnel, driven by its own reader and writer
// goroutines over a blocking transport (client side), and DirectTunnel,
// which writes synchronously and is fed inbound bytes by whatever runtime
// reads the transport (server side). Both parse with protocol.Reader.
//
// The Manager decides which tunnel a new connection goes to and handles
// control blocks.
package tunnel

import (
	"sync"
	"time"

	"github.com/emessiha/tunner/internal/protocol"
	"github.com/emessiha/tunner/internal/util"
)

// Tuning constants.
const (
	DefaultCapacity  = 10                     // connections per tunnel before it counts as overloaded
	DefaultQueueSize = 64                     // outgoing block channel capacity (QueuedTunnel)
	DefaultKeepalive = 15 * time.Second       // idle time before the writer emits ECHO
	pollInterval     = 500 * time.Millisecond // writer wake-up for keepalive checks
	readBufferSize   = 72 * 1024              // fits a maximum block, padding included
)

// Tunnel is one transport stream carrying many connections.
type Tunnel interface {
	ID() uint32

	// Send frames b onto the transport. Blocks are written in the order
	// Send is called.
	Send(b protocol.Block) error

	// Multiplex adds c to the tunnel and binds c to it. Adding a connection
	// twice is logged and ignored.
	Multiplex(c *Conn)

	// Remove drops the connection with the given id and unbinds it.
	Remove(id uint32)

	Lookup(id uint32) (*Conn, bool)
	Len() int

	// Overloaded reports whether more connections are multiplexed than the
	// tunnel's capacity.
	Overloaded() bool

	// Shutdown closes every multiplexed connection and the transport.
	Shutdown()

	Done() <-chan struct{}
}

// Handler receives what a tunnel cannot resolve on its own. *Manager
// implements it.
type Handler interface {
	HandleControl(t Tunnel, connID uint32, code uint16, payload []byte)
	CloseConnection(c *Conn)
	TunnelClosed(t Tunnel)
}

// Options tune a tunnel.
type Options struct {
	Capacity  int
	QueueSize int
	Keepalive time.Duration // QueuedTunnel only; 0 disables keepalive
	Metrics   Metrics
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Metrics == nil {
		o.Metrics = NopMetrics{}
	}
	return o
}

// ---------------------------------------------------------------------------
// Shared connection table and dispatch
// ---------------------------------------------------------------------------

// table holds the state both tunnel implementations share: identity, the
// connection table, lifecycle and inbound dispatch.
type table struct {
	id      uint32
	self    Tunnel
	handler Handler
	opts    Options

	mu    sync.Mutex
	conns map[uint32]*Conn

	closeOnce sync.Once
	done      chan struct{}
}

func (t *table) init(id uint32, self Tunnel, h Handler, opts Options) {
	t.id = id
	t.self = self
	t.handler = h
	t.opts = opts.withDefaults()
	t.conns = make(map[uint32]*Conn)
	t.done = make(chan struct{})
}

func (t *table) ID() uint32 { return t.id }

func (t *table) Done() <-chan struct{} { return t.done }

func (t *table) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *table) Multiplex(c *Conn) {
	t.mu.Lock()
	if _, ok := t.conns[c.id]; ok {
		t.mu.Unlock()
		util.LogWarning("[%s] already multiplexed on tunnel %d", c, t.id)
		return
	}
	t.conns[c.id] = c
	t.mu.Unlock()

	c.bind(t.self)
}

func (t *table) Remove(id uint32) {
	t.mu.Lock()
	c, ok := t.conns[id]
	delete(t.conns, id)
	t.mu.Unlock()

	if ok {
		c.unbind(t.self)
	}
}

func (t *table) Lookup(id uint32) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	return c, ok
}

func (t *table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *table) Overloaded() bool {
	return t.Len() > t.opts.Capacity
}

// shutdown runs once: it closes every connection, then the transport, then
// tells the handler. Connections keep their tunnel binding so the handler
// can find them.
func (t *table) shutdown(closeTransport func() error) {
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		conns := t.conns
		t.conns = make(map[uint32]*Conn)
		t.mu.Unlock()

		for _, c := range conns {
			c.Shutdown()
		}
		if err := closeTransport(); err != nil {
			util.LogDebug("tunnel %d: close transport: %v", t.id, err)
		}

		t.handler.TunnelClosed(t.self)
	})
}

// dispatch routes one block decoded from the transport. The block's payload
// is only valid for the duration of the call.
func (t *table) dispatch(b protocol.Block) {
	switch b.Kind() {
	case protocol.KindData:
		c, ok := t.Lookup(b.ConnID)
		if !ok {
			util.LogDebug("[%08x] data for unknown connection on tunnel %d, replying ABORT", b.ConnID, t.id)
			if err := t.self.Send(protocol.NewControl(b.ConnID, protocol.CodeAbort)); err != nil {
				util.LogDebug("tunnel %d: send ABORT: %v", t.id, err)
			}
			return
		}

		t.opts.Metrics.AddRecv(b.Len())
		if err := c.AcceptInbound(b); err != nil {
			util.LogWarning("[%s] %v", c, err)
			t.handler.CloseConnection(c)
		}

	case protocol.KindControl:
		t.handler.HandleControl(t.self, b.ConnID, b.Control(), b.Payload)

	default:
		util.LogWarning("tunnel %d: dropping block with unknown type %#04x", t.id, b.TypeSeq)
	}
}

// encode frames b into buf, reusing its storage.
func encode(buf []byte, b protocol.Block) ([]byte, error) {
	return protocol.AppendBlock(buf[:0], b)
}
