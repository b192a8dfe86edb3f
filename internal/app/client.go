package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/emessiha/tunner/internal/config"
	"github.com/emessiha/tunner/internal/tunnel"
	"github.com/emessiha/tunner/internal/util"
)

// RunClient listens for end-user connections and carries them to the
// server over tunnels until ctx is cancelled.
func RunClient(ctx context.Context, cfg config.Config) error {
	dialer, err := NewDialer(cfg)
	if err != nil {
		return err
	}
	if c, ok := dialer.(io.Closer); ok {
		defer c.Close()
	}

	ln, err := net.Listen("tcp", cfg.Listen.String())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	util.LogSuccess("listening on %s, tunnels over %s", ln.Addr(), cfg.Remote.Transport)

	return ServeClient(ctx, cfg, dialer, ln)
}

// ServeClient runs the client on an existing listener with the given
// dialer. It returns when ctx is cancelled or ln fails.
func ServeClient(ctx context.Context, cfg config.Config, dialer tunnel.Dialer, ln net.Listener) error {
	stats := util.NewStats()
	opts := cfg.ManagerOptions()
	opts.Dialer = dialer
	opts.Metrics = stats

	m := tunnel.NewManager(opts)
	defer m.Close()

	go m.Run(ctx)
	if interval := cfg.Tunnel.StatsInterval.Duration(); interval > 0 {
		go stats.Report(ctx, interval)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		sock, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		go func() {
			if _, err := m.AcceptNewConnection(ctx, sock); err != nil {
				util.LogError("connection from %s dropped: %v", sock.RemoteAddr(), err)
				sock.Close()
			}
		}()
	}
}
