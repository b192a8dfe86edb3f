package tunnel

import (
	"errors"
	"io"
	"sync"

	"github.com/emessiha/tunner/internal/protocol"
	"github.com/emessiha/tunner/internal/util"
)

// DirectTunnel is driven from outside: the runtime that reads the transport
// pushes every chunk through Feed, and Send writes synchronously from the
// calling goroutine under a per-tunnel lock.
type DirectTunnel struct {
	table

	rwc io.ReadWriteCloser

	wmu  sync.Mutex
	wbuf []byte

	reader *protocol.Reader // used only by the goroutine calling Feed
}

// NewDirectTunnel wraps rwc.
func NewDirectTunnel(id uint32, rwc io.ReadWriteCloser, h Handler, opts Options) *DirectTunnel {
	t := &DirectTunnel{rwc: rwc, reader: protocol.NewReader()}
	t.init(id, t, h, opts)
	return t
}

// Send encodes and writes b before returning. A transport write error shuts
// the tunnel down.
func (t *DirectTunnel) Send(b protocol.Block) error {
	t.wmu.Lock()
	if t.closed() {
		t.wmu.Unlock()
		return ErrTunnelClosed
	}

	var err error
	if t.wbuf, err = encode(t.wbuf, b); err != nil {
		t.wmu.Unlock()
		return err
	}
	_, err = t.rwc.Write(t.wbuf)
	t.wmu.Unlock()

	if err != nil {
		if !t.closed() {
			util.LogError("tunnel %d: write failed: %v", t.id, err)
		}
		t.Shutdown()
		return errors.Join(ErrTunnelClosed, err)
	}

	if b.IsData() {
		t.opts.Metrics.AddSent(b.Len())
	}
	return nil
}

// Feed consumes one chunk read from the transport, dispatching every block
// it completes. Chunks may be of any size; partial blocks carry over to the
// next call. Feed must not be called concurrently.
func (t *DirectTunnel) Feed(chunk []byte) {
	t.reader.Feed(chunk, t.dispatch)
}

// Shutdown closes every connection and the transport.
func (t *DirectTunnel) Shutdown() {
	t.shutdown(t.rwc.Close)
}
