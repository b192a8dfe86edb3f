package tunnel

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/emessiha/tunner/internal/protocol"
	"github.com/emessiha/tunner/internal/util"
)

// QueuedTunnel runs over a blocking transport such as an SSH channel. A
// writer goroutine is the only one touching the transport's write side: it
// drains a bounded queue, so Send blocks once the queue is full, and emits
// an ECHO on connection 0 whenever the link has been quiet for the
// keepalive interval. A reader goroutine feeds blocking reads into the
// block reader.
type QueuedTunnel struct {
	table

	rwc       io.ReadWriteCloser
	queue     chan protocol.Block
	lastWrite atomic.Int64
}

// NewQueuedTunnel wraps rwc. Call Start to launch the reader and writer.
func NewQueuedTunnel(id uint32, rwc io.ReadWriteCloser, h Handler, opts Options) *QueuedTunnel {
	t := &QueuedTunnel{rwc: rwc}
	t.init(id, t, h, opts)
	t.queue = make(chan protocol.Block, t.opts.QueueSize)
	t.lastWrite.Store(time.Now().UnixNano())
	return t
}

// Start launches the writer and reader goroutines.
func (t *QueuedTunnel) Start() {
	go t.writeLoop()
	go t.readLoop()
}

// Send enqueues b. Once enqueued, the writer goroutine owns b.
func (t *QueuedTunnel) Send(b protocol.Block) error {
	if t.closed() {
		return ErrTunnelClosed
	}
	select {
	case t.queue <- b:
		return nil
	case <-t.done:
		return ErrTunnelClosed
	}
}

// Shutdown closes every connection and the transport. Safe to call from
// any goroutine, any number of times.
func (t *QueuedTunnel) Shutdown() {
	t.shutdown(t.rwc.Close)
}

// writeLoop is the single writer. A write error is fatal to the tunnel.
func (t *QueuedTunnel) writeLoop() {
	var tick <-chan time.Time
	if t.opts.Keepalive > 0 {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var buf []byte
	for {
		var b protocol.Block
		select {
		case b = <-t.queue:
		case <-tick:
			idle := time.Since(time.Unix(0, t.lastWrite.Load()))
			if idle < t.opts.Keepalive {
				continue
			}
			b = protocol.NewControl(0, protocol.CodeEcho)
		case <-t.done:
			return
		}

		var err error
		if buf, err = encode(buf, b); err != nil {
			util.LogError("tunnel %d: encode block for [%08x]: %v", t.id, b.ConnID, err)
			continue
		}
		if _, err := t.rwc.Write(buf); err != nil {
			if !t.closed() {
				util.LogError("tunnel %d: write failed: %v", t.id, err)
			}
			t.Shutdown()
			return
		}

		t.lastWrite.Store(time.Now().UnixNano())
		if b.IsData() {
			t.opts.Metrics.AddSent(b.Len())
		}
	}
}

// readLoop performs blocking reads and pushes every chunk through the block
// reader. A read error or EOF is fatal to the tunnel.
func (t *QueuedTunnel) readLoop() {
	r := protocol.NewReader()
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.rwc.Read(buf)
		if n > 0 {
			r.Feed(buf[:n], t.dispatch)
		}
		if err != nil {
			if !t.closed() && !errors.Is(err, io.EOF) {
				util.LogWarning("tunnel %d: read failed: %v", t.id, err)
			}
			if r.Buffered() {
				util.LogWarning("tunnel %d: transport ended inside a block", t.id)
			}
			t.Shutdown()
			return
		}
	}
}
