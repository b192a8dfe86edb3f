package tunnel

import (
	"context"
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

// Defaults for the manager's timers.
const (
	DefaultIdleTimeout   = 30 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultDialTimeout   = 10 * time.Second

	// drainTimeout bounds how long a connection aborted by the peer keeps
	// writing what it already received before its socket is closed.
	drainTimeout = 5 * time.Second
)

// Side tells the manager which end of the tunnel it runs on.
type Side uint8

const (
	// Client accepts end-user connections and opens tunnels for them.
	Client Side = iota
	// Server accepts tunnels and dials the forward target on START.
	Server
)

func (s Side) String() string {
	if s == Server {
		return "server"
	}
	return "client"
}

// Dialer opens a new tunnel transport.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// DialFunc dials the forward target for a connection started by the peer.
type DialFunc func(ctx context.Context) (net.Conn, error)

// ManagerOptions configure a Manager. Zero values fall back to defaults.
type ManagerOptions struct {
	Side Side

	Dialer     Dialer   // Client: opens tunnel transports
	DialTarget DialFunc // Server: dials the forward target

	Capacity      int
	QueueSize     int
	MaxPending    int
	MaxChunk      int
	Keepalive     time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	DialTimeout   time.Duration

	Metrics Metrics
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.MaxChunk <= 0 || o.MaxChunk > protocol.MaxPayload {
		o.MaxChunk = protocol.DefaultMaxChunk
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Metrics == nil {
		o.Metrics = NopMetrics{}
	}
	return o
}

// Manager is the control plane: it owns the tunnel list and the connection
// table, assigns connections to tunnels, answers control blocks and closes
// idle connections.
type Manager struct {
	opts    ManagerOptions
	metrics Metrics
	ids     *util.IDGenerator
	now     func() time.Time

	tunnelSeq atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc

	// openMu serializes tunnel selection so concurrent accepts agree on
	// which tunnel still has room.
	openMu sync.Mutex

	mu      sync.Mutex
	conns   map[uint32]*Conn
	tunnels []Tunnel
}

// NewManager creates a manager. Call Run to start the idle sweep and Close
// to tear everything down.
func NewManager(opts ManagerOptions) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		metrics: opts.Metrics,
		ids:     util.NewIDGenerator(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[uint32]*Conn),
	}
}

func (m *Manager) tunnelOptions() Options {
	return Options{
		Capacity:  m.opts.Capacity,
		QueueSize: m.opts.QueueSize,
		Keepalive: m.opts.Keepalive,
		Metrics:   m.metrics,
	}
}

func (m *Manager) nextTunnelID() uint32 {
	return m.tunnelSeq.Add(1)
}

// ConnCount returns the number of registered connections.
func (m *Manager) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Tunnels returns a snapshot of the live tunnels.
func (m *Manager) Tunnels() []Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Tunnel(nil), m.tunnels...)
}

// Conn returns the registered connection with the given id.
func (m *Manager) Conn(id uint32) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

// ---------------------------------------------------------------------------
// Client side
// ---------------------------------------------------------------------------

// AcceptNewConnection takes ownership of an accepted end-user socket. It
// places the connection on a tunnel with room, opening a new tunnel when
// none has any, sends START and starts forwarding the socket's bytes.
// If no tunnel can be found or opened the error wraps ErrNoTunnel and the
// caller still owns sock.
func (m *Manager) AcceptNewConnection(ctx context.Context, sock net.Conn) (*Conn, error) {
	if m.opts.Dialer == nil {
		return nil, fmt.Errorf("%w: %s manager cannot open tunnels", ErrNoTunnel, m.opts.Side)
	}

	m.openMu.Lock()
	t, err := m.pickTunnel(ctx)
	if err != nil {
		m.openMu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrNoTunnel, err)
	}

	m.mu.Lock()
	id, err := m.newConnIDLocked()
	if err != nil {
		m.mu.Unlock()
		m.openMu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrNoTunnel, err)
	}
	c := NewConn(id, sock, m.opts.MaxPending)
	m.conns[c.id] = c
	m.mu.Unlock()
	t.Multiplex(c)
	m.openMu.Unlock()

	m.metrics.AddConn()
	util.LogInfo("[%s] new connection from %s on tunnel %d", c, sock.RemoteAddr(), t.ID())

	if err := t.Send(protocol.NewControl(c.id, protocol.CodeStart)); err != nil {
		m.CloseConnection(c)
		return nil, fmt.Errorf("send START: %w", err)
	}

	go m.forward(c)
	return c, nil
}

// pickTunnel returns the first live tunnel with room for one more
// connection, or opens a new one. Callers hold openMu.
func (m *Manager) pickTunnel(ctx context.Context) (Tunnel, error) {
	m.mu.Lock()
	for _, t := range m.tunnels {
		select {
		case <-t.Done():
			continue
		default:
		}
		if t.Len() < m.opts.Capacity {
			m.mu.Unlock()
			return t, nil
		}
	}
	m.mu.Unlock()

	rwc, err := m.opts.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	t := NewQueuedTunnel(m.nextTunnelID(), rwc, m, m.tunnelOptions())
	m.AcceptNewTunnel(t)
	t.Start()
	return t, nil
}

// newConnIDLocked returns an id not currently registered. It gives up after
// one full cycle of the generator's counter. Callers hold mu.
func (m *Manager) newConnIDLocked() (uint32, error) {
	for range util.IDsPerSecond {
		id := m.ids.Next()
		if _, taken := m.conns[id]; !taken {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %d live connections", ErrIDsExhausted, len(m.conns))
}

// ---------------------------------------------------------------------------
// Server side
// ---------------------------------------------------------------------------

// AcceptNewTunnel registers a tunnel. It carries no connections yet.
func (m *Manager) AcceptNewTunnel(t Tunnel) {
	m.mu.Lock()
	m.tunnels = append(m.tunnels, t)
	m.mu.Unlock()

	m.metrics.AddTunnel()
	util.LogInfo("tunnel %d up (%s)", t.ID(), m.opts.Side)
}

// ServeTunnel drives an inbound transport: it registers a DirectTunnel for
// rwc and pushes every chunk read from rwc into it until the transport
// fails or closes. It returns once the tunnel is shut down.
func (m *Manager) ServeTunnel(rwc io.ReadWriteCloser) {
	t := NewDirectTunnel(m.nextTunnelID(), rwc, m, m.tunnelOptions())
	m.AcceptNewTunnel(t)
	defer t.Shutdown()

	buf := make([]byte, readBufferSize)
	for {
		n, err := rwc.Read(buf)
		if n > 0 {
			t.Feed(buf[:n])
		}
		if err != nil {
			if !t.closed() && !errors.Is(err, io.EOF) {
				util.LogWarning("tunnel %d: read failed: %v", t.ID(), err)
			}
			if t.reader.Buffered() {
				util.LogWarning("tunnel %d: transport ended inside a block", t.ID())
			}
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Control plane
// ---------------------------------------------------------------------------

// HandleControl answers a control block received on t.
func (m *Manager) HandleControl(t Tunnel, connID uint32, code uint16, payload []byte) {
	switch code {
	case protocol.CodeStart:
		m.handleStart(t, connID)
	case protocol.CodeAbort:
		m.handleAbort(connID)
	case protocol.CodeEcho:
		m.handleEcho(t, connID)
	case protocol.CodeResume:
		m.resume(t, connID)
	default:
		util.LogWarning("[%08x] %s on tunnel %d, ignored", connID, protocol.CodeName(code), t.ID())
	}
}

func (m *Manager) handleStart(t Tunnel, connID uint32) {
	const code = protocol.CodeStart
	if m.opts.Side != Server || m.opts.DialTarget == nil || connID == 0 {
		util.LogWarning("[%08x] unexpected %s on tunnel %d, replying ABORT", connID, protocol.CodeName(code), t.ID())
		m.sendAbort(t, connID)
		return
	}

	m.mu.Lock()
	if live, ok := m.conns[connID]; ok {
		m.mu.Unlock()
		util.LogError("[%08x] START for a live connection, closing it", connID)
		m.CloseConnection(live)
		return
	}
	c := NewConn(connID, nil, m.opts.MaxPending)
	m.conns[connID] = c
	m.mu.Unlock()

	m.metrics.AddConn()
	t.Multiplex(c)
	util.LogInfo("[%s] %s on tunnel %d", c, protocol.CodeName(code), t.ID())

	go m.dialTarget(c)
}

// dialTarget connects c to the forward target. Blocks arriving meanwhile
// are queued on c and written once Connect attaches the socket.
func (m *Manager) dialTarget(c *Conn) {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
	defer cancel()

	sock, err := m.opts.DialTarget(ctx)
	if err != nil {
		util.LogWarning("[%s] dial target: %v", c, err)
		m.CloseConnection(c)
		return
	}

	if err := c.Connect(sock); err != nil {
		if !errors.Is(err, ErrConnClosed) {
			util.LogWarning("[%s] attach socket: %v", c, err)
		}
		m.CloseConnection(c)
		return
	}

	util.LogDebug("[%s] connected to %s", c, sock.RemoteAddr())
	m.forward(c)
}

func (m *Manager) handleAbort(connID uint32) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
	}
	m.mu.Unlock()

	if !ok {
		util.LogDebug("[%08x] ABORT for unknown connection, ignored", connID)
		return
	}

	if t := c.Tunnel(); t != nil {
		t.Remove(connID)
	}
	c.Finish(drainTimeout)
	m.metrics.RemoveConn()
	util.LogInfo("[%s] aborted by peer", c)
}

// handleEcho answers keepalives. Only the side that accepted the tunnel
// replies; the opening side sent the keepalive, so an ECHO reaching it is the
// answer.
func (m *Manager) handleEcho(t Tunnel, connID uint32) {
	if m.opts.Side != Server {
		util.LogDebug("tunnel %d: keepalive answered", t.ID())
		return
	}
	if err := t.Send(protocol.NewControl(connID, protocol.CodeEcho)); err != nil {
		util.LogDebug("tunnel %d: send ECHO: %v", t.ID(), err)
	}
}

// resume would re-attach connection connID to t after the tunnel it was on
// went down. Connections are not migrated between tunnels, so the peer is
// told to abort it.
func (m *Manager) resume(t Tunnel, connID uint32) {
	util.LogDebug("[%08x] RESUME not supported, replying ABORT", connID)
	m.sendAbort(t, connID)
}

func (m *Manager) sendAbort(t Tunnel, connID uint32) {
	if err := t.Send(protocol.NewControl(connID, protocol.CodeAbort)); err != nil {
		util.LogDebug("[%08x] send ABORT: %v", connID, err)
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// forward copies c's socket into its tunnel until either side ends, then
// closes c.
func (m *Manager) forward(c *Conn) {
	err := c.pump(m.opts.MaxChunk, func(b protocol.Block) error {
		t := c.Tunnel()
		if t == nil {
			return ErrTunnelClosed
		}
		return t.Send(b)
	})
	if err != nil && !errors.Is(err, ErrTunnelClosed) {
		util.LogWarning("[%s] socket read: %v", c, err)
	}
	m.CloseConnection(c)
}

// CloseConnection deregisters c, sends ABORT to the peer, removes c from
// its tunnel and closes its socket. Closing an already closed connection
// does nothing.
func (m *Manager) CloseConnection(c *Conn) {
	m.mu.Lock()
	registered := m.conns[c.id] == c
	if registered {
		delete(m.conns, c.id)
	}
	m.mu.Unlock()

	if !registered {
		c.Shutdown()
		return
	}

	if t := c.Tunnel(); t != nil {
		m.sendAbort(t, c.id)
		t.Remove(c.id)
	}
	c.Shutdown()
	m.metrics.RemoveConn()
	util.LogInfo("[%s] closed", c)
}

// TunnelClosed forgets t and every connection it carried.
func (m *Manager) TunnelClosed(t Tunnel) {
	m.mu.Lock()
	found := false
	for i, cur := range m.tunnels {
		if cur == t {
			m.tunnels = append(m.tunnels[:i], m.tunnels[i+1:]...)
			found = true
			break
		}
	}
	var dropped []*Conn
	for id, c := range m.conns {
		if c.Tunnel() == t {
			delete(m.conns, id)
			dropped = append(dropped, c)
		}
	}
	m.mu.Unlock()

	for _, c := range dropped {
		c.Shutdown()
		m.metrics.RemoveConn()
	}
	if found {
		m.metrics.RemoveTunnel()
		util.LogWarning("tunnel %d down, %d connections dropped", t.ID(), len(dropped))
	}
}

// ---------------------------------------------------------------------------
// Idle sweep
// ---------------------------------------------------------------------------

// Run sweeps idle connections every SweepInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(m.now())
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// sweep closes every connection idle in both directions for longer than
// IdleTimeout and returns how many it closed.
func (m *Manager) sweep(now time.Time) int {
	m.mu.Lock()
	var idle []*Conn
	for _, c := range m.conns {
		if c.Expired(now, m.opts.IdleTimeout) {
			idle = append(idle, c)
		}
	}
	m.mu.Unlock()

	for _, c := range idle {
		util.LogInfo("[%s] idle for more than %v, closing", c, m.opts.IdleTimeout)
		m.CloseConnection(c)
	}
	return len(idle)
}

// Close shuts down every tunnel, and with them every connection, and stops
// pending dials.
func (m *Manager) Close() {
	m.cancel()
	for _, t := range m.Tunnels() {
		t.Shutdown()
	}
}
