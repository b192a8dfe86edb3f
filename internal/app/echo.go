package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/emessiha/tunner/internal/util"
)

// RunEcho runs a TCP echo server on addr until ctx is cancelled.
func RunEcho(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("echo: listen %s: %w", addr, err)
	}
	util.LogInfo("echo server listening on %s", ln.Addr())
	return ServeEcho(ctx, ln)
}

// ServeEcho writes back everything each connection on ln sends.
func ServeEcho(ctx context.Context, ln net.Listener) error {
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
			return fmt.Errorf("echo: accept: %w", err)
		}

		go func() {
			defer conn.Close()
			n, err := io.Copy(conn, conn)
			if err != nil && !errors.Is(err, net.ErrClosed) {
				util.LogDebug("echo: %s: %v", conn.RemoteAddr(), err)
			}
			util.LogDebug("echo: %s done after %d bytes", conn.RemoteAddr(), n)
		}()
	}
}
