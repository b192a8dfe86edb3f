package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emessiha/tunner/internal/util"
)

// TCPDialer opens tunnels as plain TCP connections to Addr.
type TCPDialer struct {
	Addr    string
	Timeout time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial tunnel %s: %w", d.Addr, err)
	}
	return conn, nil
}

// ServeTCP accepts tunnel connections on ln until ctx is cancelled or ln
// fails, running serve for each on its own goroutine.
func ServeTCP(ctx context.Context, ln net.Listener, serve ServeFunc) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept tunnel: %w", err)
		}
		util.LogDebug("tunnel connection from %s", conn.RemoteAddr())
		go serve(conn)
	}
}
