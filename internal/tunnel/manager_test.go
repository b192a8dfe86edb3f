package tunnel

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emessiha/tunner/internal/protocol"
	"github.com/emessiha/tunner/internal/util"
)

// blockingTarget never connects; it waits for the dial context to end.
func blockingTarget(ctx context.Context) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// newServerManager returns a server-side manager with one registered
// DirectTunnel whose writes are captured.
func newServerManager(t *testing.T, opts ManagerOptions) (*Manager, *DirectTunnel, *bufferRWC) {
	t.Helper()
	opts.Side = Server
	if opts.DialTarget == nil {
		opts.DialTarget = blockingTarget
	}
	m := NewManager(opts)
	t.Cleanup(m.Close)

	rwc := newBufferRWC()
	tun := NewDirectTunnel(m.nextTunnelID(), rwc, m, m.tunnelOptions())
	m.AcceptNewTunnel(tun)
	return m, tun, rwc
}

func TestManagerRoutesEleventhConnectionToNewTunnel(t *testing.T) {
	d := &pipeDialer{}
	m := NewManager(ManagerOptions{Side: Client, Dialer: d})
	defer d.close()
	defer m.Close()

	ctx := context.Background()
	var apps []net.Conn
	defer func() {
		for _, a := range apps {
			a.Close()
		}
	}()

	accept := func() *Conn {
		app, sock := net.Pipe()
		apps = append(apps, app)
		c, err := m.AcceptNewConnection(ctx, sock)
		require.NoError(t, err)
		return c
	}

	for range 10 {
		accept()
	}
	tunnels := m.Tunnels()
	require.Len(t, tunnels, 1)
	first := tunnels[0]
	require.Equal(t, 10, first.Len())
	require.False(t, first.Overloaded())

	eleventh := accept()
	tunnels = m.Tunnels()
	require.Len(t, tunnels, 2)
	require.Equal(t, int32(2), d.dials.Load())
	require.NotEqual(t, first.ID(), eleventh.Tunnel().ID())
	require.Equal(t, 10, first.Len())
	require.Equal(t, 1, eleventh.Tunnel().Len())
	require.Equal(t, 11, m.ConnCount())

	first.Multiplex(NewConn(0xFFFF, nil, 4))
	require.True(t, first.Overloaded())
}

func TestManagerAcceptFailsWithoutTunnel(t *testing.T) {
	m := NewManager(ManagerOptions{Side: Client, Dialer: failingDialer{}})
	defer m.Close()

	app, sock := net.Pipe()
	defer app.Close()
	defer sock.Close()

	_, err := m.AcceptNewConnection(context.Background(), sock)
	require.ErrorIs(t, err, ErrNoTunnel)
	require.Zero(t, m.ConnCount())
}

type failingDialer struct{}

func (failingDialer) Dial(context.Context) (io.ReadWriteCloser, error) {
	return nil, io.ErrUnexpectedEOF
}

func TestManagerStartRegistersConnection(t *testing.T) {
	m, tun, _ := newServerManager(t, ManagerOptions{})

	m.HandleControl(tun, 5, protocol.CodeStart, nil)

	c, ok := m.Conn(5)
	require.True(t, ok)
	require.False(t, c.Connected())
	require.Same(t, tun, c.Tunnel())
	require.Equal(t, 1, tun.Len())
}

func TestManagerDuplicateStartIsProtocolViolation(t *testing.T) {
	m, tun, rwc := newServerManager(t, ManagerOptions{})

	m.HandleControl(tun, 5, protocol.CodeStart, nil)
	first, _ := m.Conn(5)

	m.HandleControl(tun, 5, protocol.CodeStart, nil)

	_, ok := m.Conn(5)
	require.False(t, ok)
	<-first.Done()
	require.True(t, hasControl(rwc.blocks(), 5, protocol.CodeAbort))
	require.Zero(t, tun.Len())
}

func TestManagerStartOnClientIsRejected(t *testing.T) {
	m := NewManager(ManagerOptions{Side: Client, Dialer: &pipeDialer{}})
	defer m.Close()
	rwc := newBufferRWC()
	tun := NewDirectTunnel(1, rwc, m, Options{})

	m.HandleControl(tun, 9, protocol.CodeStart, nil)

	require.Zero(t, m.ConnCount())
	require.True(t, hasControl(rwc.blocks(), 9, protocol.CodeAbort))
}

func TestManagerAbortUnknownIsIgnored(t *testing.T) {
	m, tun, rwc := newServerManager(t, ManagerOptions{})

	m.HandleControl(tun, 77, protocol.CodeAbort, nil)

	require.Empty(t, rwc.blocks())
	require.Zero(t, m.ConnCount())
}

func TestManagerAbortClosesConnection(t *testing.T) {
	m, tun, rwc := newServerManager(t, ManagerOptions{})
	m.HandleControl(tun, 5, protocol.CodeStart, nil)
	c, _ := m.Conn(5)

	m.HandleControl(tun, 5, protocol.CodeAbort, nil)

	<-c.Done()
	require.Zero(t, m.ConnCount())
	require.Zero(t, tun.Len())
	require.False(t, hasControl(rwc.blocks(), 5, protocol.CodeAbort), "an ABORT is not answered")
}

func TestManagerEchoLoopsBackOnServer(t *testing.T) {
	m, tun, rwc := newServerManager(t, ManagerOptions{})

	m.HandleControl(tun, 0, protocol.CodeEcho, nil)

	require.True(t, hasControl(rwc.blocks(), 0, protocol.CodeEcho))
}

func TestManagerEchoNotAnsweredOnClient(t *testing.T) {
	m := NewManager(ManagerOptions{Side: Client, Dialer: &pipeDialer{}})
	defer m.Close()
	rwc := newBufferRWC()
	tun := NewDirectTunnel(1, rwc, m, Options{})

	m.HandleControl(tun, 0, protocol.CodeEcho, nil)

	require.Empty(t, rwc.blocks())
}

func TestManagerResumeRepliesAbort(t *testing.T) {
	m, tun, rwc := newServerManager(t, ManagerOptions{})

	m.HandleControl(tun, 12, protocol.CodeResume, nil)

	require.True(t, hasControl(rwc.blocks(), 12, protocol.CodeAbort))
	require.Zero(t, m.ConnCount())
}

func TestManagerUnknownControlIgnored(t *testing.T) {
	var logs lockedBuffer
	util.SetLogOutput(&logs)
	t.Cleanup(func() { util.SetLogOutput(nil) })
	m, tun, rwc := newServerManager(t, ManagerOptions{})

	m.HandleControl(tun, 12, 0x42, nil)

	require.Empty(t, rwc.blocks())
	require.Contains(t, logs.String(), "code 0x42")
}

func TestManagerQueuesUntilDialCompletes(t *testing.T) {
	release := make(chan struct{})
	targetLocal, targetRemote := net.Pipe()
	defer targetRemote.Close()

	m, tun, _ := newServerManager(t, ManagerOptions{
		DialTarget: func(ctx context.Context) (net.Conn, error) {
			select {
			case <-release:
				return targetLocal, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	tun.Feed(encodeBlocks(t,
		protocol.NewControl(5, protocol.CodeStart),
		protocol.NewData(5, 0, []byte("first,")),
		protocol.NewData(5, 1, []byte("second")),
	))

	c, ok := m.Conn(5)
	require.True(t, ok)
	require.Equal(t, 2, c.Pending())

	close(release)

	buf := make([]byte, len("first,second"))
	targetRemote.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(targetRemote, buf)
	require.NoError(t, err)
	require.Equal(t, "first,second", string(buf))
	require.Eventually(t, c.Connected, time.Second, 10*time.Millisecond)
}

func TestManagerBacklogOverflowAborts(t *testing.T) {
	m, tun, rwc := newServerManager(t, ManagerOptions{MaxPending: 1})

	tun.Feed(encodeBlocks(t,
		protocol.NewControl(5, protocol.CodeStart),
		protocol.NewData(5, 0, []byte("fits")),
		protocol.NewData(5, 1, []byte("overflows")),
	))

	_, ok := m.Conn(5)
	require.False(t, ok)
	require.True(t, hasControl(rwc.blocks(), 5, protocol.CodeAbort))
}

func TestManagerDialFailureAborts(t *testing.T) {
	m, tun, rwc := newServerManager(t, ManagerOptions{
		DialTarget: func(context.Context) (net.Conn, error) {
			return nil, io.ErrUnexpectedEOF
		},
	})

	m.HandleControl(tun, 5, protocol.CodeStart, nil)

	require.Eventually(t, func() bool {
		return m.ConnCount() == 0 && hasControl(rwc.blocks(), 5, protocol.CodeAbort)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerIdleSweep(t *testing.T) {
	m, tun, rwc := newServerManager(t, ManagerOptions{IdleTimeout: 30 * time.Second})
	m.HandleControl(tun, 1, protocol.CodeStart, nil)
	m.HandleControl(tun, 2, protocol.CodeStart, nil)

	now := time.Now()
	stale, _ := m.Conn(1)
	stale.lastRead.Store(now.Add(-31 * time.Second).UnixNano())
	stale.lastWrite.Store(now.Add(-31 * time.Second).UnixNano())

	recent, _ := m.Conn(2)
	recent.lastRead.Store(now.Add(-10 * time.Second).UnixNano())
	recent.lastWrite.Store(now.Add(-10 * time.Second).UnixNano())

	require.Equal(t, 1, m.sweep(now))

	<-stale.Done()
	_, ok := m.Conn(1)
	require.False(t, ok)
	_, ok = m.Conn(2)
	require.True(t, ok)
	require.True(t, hasControl(rwc.blocks(), 1, protocol.CodeAbort))
	require.False(t, hasControl(rwc.blocks(), 2, protocol.CodeAbort))
}

func TestManagerTunnelClosedDropsConnections(t *testing.T) {
	m, tun, _ := newServerManager(t, ManagerOptions{})
	m.HandleControl(tun, 1, protocol.CodeStart, nil)
	m.HandleControl(tun, 2, protocol.CodeStart, nil)
	c1, _ := m.Conn(1)

	tun.Shutdown()

	<-c1.Done()
	require.Zero(t, m.ConnCount())
	require.Empty(t, m.Tunnels())
}

func TestManagerCloseConnectionIsIdempotent(t *testing.T) {
	m, tun, rwc := newServerManager(t, ManagerOptions{})
	m.HandleControl(tun, 3, protocol.CodeStart, nil)
	c, _ := m.Conn(3)

	m.CloseConnection(c)
	m.CloseConnection(c)

	aborts := 0
	for _, b := range rwc.blocks() {
		if b.IsControl() && b.Control() == protocol.CodeAbort {
			aborts++
		}
	}
	require.Equal(t, 1, aborts)
}

func TestManagerStalledTargetDoesNotBlockTunnel(t *testing.T) {
	m, tun, rwc := newServerManager(t, ManagerOptions{MaxPending: 8})

	stalledLocal, stalledRemote := net.Pipe()
	defer stalledRemote.Close()
	liveLocal, liveRemote := net.Pipe()
	defer liveRemote.Close()

	stalled := NewConn(1, stalledLocal, 8)
	live := NewConn(2, liveLocal, 8)
	m.mu.Lock()
	m.conns[1] = stalled
	m.conns[2] = live
	m.mu.Unlock()
	tun.Multiplex(stalled)
	tun.Multiplex(live)

	var stream []protocol.Block
	for seq := range uint16(8) {
		stream = append(stream, protocol.NewData(1, seq, makeTestData(60000, byte(seq))))
	}
	stream = append(stream, protocol.NewData(2, 0, []byte("hello")))

	encoded := encodeBlocks(t, stream...)
	fed := make(chan struct{})
	go func() {
		tun.Feed(encoded)
		close(fed)
	}()

	buf := make([]byte, len("hello"))
	liveRemote.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(liveRemote, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	select {
	case <-fed:
	case <-time.After(2 * time.Second):
		t.Fatal("Feed blocked behind a target that does not read")
	}
	require.False(t, hasControl(rwc.blocks(), 1, protocol.CodeAbort))

	// One more block overflows the stalled connection's queue.
	tun.Feed(encodeBlocks(t, protocol.NewData(1, 8, []byte("overflow"))))

	<-stalled.Done()
	require.True(t, hasControl(rwc.blocks(), 1, protocol.CodeAbort))
	require.False(t, hasControl(rwc.blocks(), 2, protocol.CodeAbort))
	_, ok := m.Conn(2)
	require.True(t, ok)
	require.Equal(t, 1, tun.Len())
}

func TestManagerAbortWritesQueuedDataFirst(t *testing.T) {
	m, tun, _ := newServerManager(t, ManagerOptions{})

	local, remote := net.Pipe()
	defer remote.Close()
	c := NewConn(5, local, 8)
	m.mu.Lock()
	m.conns[5] = c
	m.mu.Unlock()
	tun.Multiplex(c)

	tun.Feed(encodeBlocks(t,
		protocol.NewData(5, 0, []byte("reply ")),
		protocol.NewData(5, 1, []byte("then bye")),
		protocol.NewControl(5, protocol.CodeAbort),
	))

	got, err := io.ReadAll(remote)
	require.NoError(t, err)
	require.Equal(t, "reply then bye", string(got))
	<-c.Done()
	require.Zero(t, m.ConnCount())
}

func TestManagerConnectionIDsExhausted(t *testing.T) {
	d := &pipeDialer{}
	defer d.close()
	m := NewManager(ManagerOptions{Side: Client, Dialer: d})
	defer m.Close()

	frozen := time.Unix(1_700_000_000, 0)
	m.ids = util.NewIDGeneratorWithClock(func() time.Time { return frozen })

	m.mu.Lock()
	for i := range uint32(util.IDsPerSecond) {
		id := uint32(frozen.Unix())*util.IDsPerSecond + i
		m.conns[id] = NewConn(id, nil, 1)
	}
	m.mu.Unlock()

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	done := make(chan error, 1)
	go func() {
		_, err := m.AcceptNewConnection(context.Background(), local)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNoTunnel)
		require.ErrorIs(t, err, ErrIDsExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptNewConnection spun looking for a free id")
	}
	require.Equal(t, util.IDsPerSecond, m.ConnCount())
}

// lockedBuffer collects log output written from any goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// replayRWC reads from a fixed stream and discards writes.
type replayRWC struct {
	io.Reader
}

func (replayRWC) Write(p []byte) (int, error) { return len(p), nil }
func (replayRWC) Close() error                { return nil }

func TestManagerServeTunnelReportsTruncatedBlock(t *testing.T) {
	var logs lockedBuffer
	util.SetLogOutput(&logs)
	t.Cleanup(func() { util.SetLogOutput(nil) })

	m := NewManager(ManagerOptions{Side: Server, DialTarget: blockingTarget})
	defer m.Close()

	stream := encodeBlocks(t, protocol.NewData(9, 0, []byte("cut short")))
	m.ServeTunnel(replayRWC{bytes.NewReader(stream[:12])})

	require.Contains(t, logs.String(), "transport ended inside a block")
	require.Empty(t, m.Tunnels())
}
