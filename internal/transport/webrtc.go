package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/emessiha/tunner/internal/signaling"
	"github.com/emessiha/tunner/internal/util"
)

const (
	maxMessageSize = 16 * 1024  // largest DataChannel message written
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	inboxSize      = 64         // inbound messages buffered before OnMessage blocks
)

// DefaultSTUNServers are used for ICE candidate gathering when none are
// configured. There is no TURN relay.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// webrtcAPI builds every PeerConnection.
var webrtcAPI = webrtc.NewAPI()

func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	if len(iceServers) == 0 {
		iceServers = DefaultSTUNServers
	}
	var cfg webrtc.Configuration
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return webrtcAPI.NewPeerConnection(cfg)
}

// newDataChannel creates the pre-negotiated DataChannel (ID 0) on pc. Both
// sides create it, so neither waits for OnDataChannel. It is ordered: block
// sequence numbers are checked strictly and a reordered block kills its
// connection.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("tunnel", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// dcConn presents a DataChannel as a byte stream. Writes are split into
// messages of at most maxMessageSize and paused under backpressure.
type dcConn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	ready chan struct{}
	inbox chan []byte
	drain chan struct{}

	rmu sync.Mutex
	cur []byte

	wmu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// newDCConn creates the PeerConnection and its DataChannel. ready closes
// when the channel opens.
func newDCConn(iceServers []string) (*dcConn, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}
	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create DataChannel: %w", err)
	}

	c := &dcConn{
		pc:    pc,
		dc:    dc,
		ready: make(chan struct{}),
		inbox: make(chan []byte, inboxSize),
		drain: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(c.ready) })
	})
	dc.OnClose(func() {
		util.LogDebug("webrtc: DataChannel closed")
		c.Close()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.inbox <- msg.Data:
		case <-c.done:
		}
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drain <- struct{}{}:
		default:
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("webrtc: PeerConnection state: %s", state)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			c.Close()
		}
	})

	return c, nil
}

func (c *dcConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.cur) == 0 {
		select {
		case msg := <-c.inbox:
			c.cur = msg
			continue
		default:
		}
		select {
		case msg := <-c.inbox:
			c.cur = msg
		case <-c.done:
			return 0, io.EOF
		}
	}

	n := copy(p, c.cur)
	c.cur = c.cur[n:]
	return n, nil
}

func (c *dcConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	written := 0
	for len(p) > 0 {
		if c.dc.BufferedAmount() > uint64(highWaterMark) {
			select {
			case <-c.drain:
			case <-c.done:
				return written, io.ErrClosedPipe
			}
		}

		n := min(len(p), maxMessageSize)
		if err := c.dc.Send(p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (c *dcConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = errors.Join(c.dc.Close(), c.pc.Close())
	})
	return err
}

// WebRTCDialer opens tunnels as WebRTC DataChannels, negotiated through the
// signaling WebSocket at SignalURL.
type WebRTCDialer struct {
	SignalURL  string
	Token      string
	ICEServers []string
}

func (d *WebRTCDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	c, err := newDCConn(d.ICEServers)
	if err != nil {
		return nil, err
	}

	ws, err := signaling.Connect(ctx, d.SignalURL, d.Token)
	if err != nil {
		c.Close()
		return nil, err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	if err := signaling.Offer(ws, c.pc, c.ready); err != nil {
		ws.Close()
		c.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	util.LogSuccess("webrtc: DataChannel open")
	return c, nil
}

// WebRTCHandler answers offers arriving on the signaling WebSocket and
// serves each resulting DataChannel as a tunnel.
func WebRTCHandler(token string, iceServers []string, serve ServeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := signaling.Upgrade(w, r, token)
		if ws == nil {
			util.LogWarning("webrtc: rejected signaling from %s", r.RemoteAddr)
			return
		}

		c, err := newDCConn(iceServers)
		if err != nil {
			util.LogError("webrtc: %v", err)
			ws.Close()
			return
		}

		// The DataChannel may close before it ever opens.
		go func() {
			select {
			case <-c.done:
				ws.Close()
			case <-c.ready:
			}
		}()

		if err := signaling.Answer(ws, c.pc, c.ready); err != nil {
			util.LogWarning("webrtc: signaling with %s failed: %v", r.RemoteAddr, err)
			ws.Close()
			c.Close()
			return
		}

		util.LogDebug("webrtc: tunnel from %s", r.RemoteAddr)
		serve(c)
	})
}
