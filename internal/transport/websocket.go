package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emessiha/tunner/internal/signaling"
	"github.com/emessiha/tunner/internal/util"
)

const wsCloseTimeout = time.Second

// WSConn presents a WebSocket as a byte stream. Every Write is sent as one
// binary message; Read concatenates binary messages and skips text ones.
type WSConn struct {
	ws *websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu sync.Mutex

	closeOnce sync.Once
}

func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

func (c *WSConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.r == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}

		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *WSConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the underlying connection.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
		err = c.ws.Close()
	})
	return err
}

// WSDialer opens tunnels as WebSocket connections to URL.
type WSDialer struct {
	URL   string
	Token string
}

func (d *WSDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	ws, err := signaling.Connect(ctx, d.URL, d.Token)
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws), nil
}

// WSHandler upgrades requests carrying the right token and serves each
// WebSocket as a tunnel.
func WSHandler(token string, serve ServeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := signaling.Upgrade(w, r, token)
		if ws == nil {
			util.LogWarning("websocket: rejected tunnel from %s", r.RemoteAddr)
			return
		}
		util.LogDebug("websocket: tunnel from %s", r.RemoteAddr)
		serve(NewWSConn(ws))
	})
}
