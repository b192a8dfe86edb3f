package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/emessiha/tunner/internal/config"
	"github.com/emessiha/tunner/internal/sshd"
	"github.com/emessiha/tunner/internal/transport"
	"github.com/emessiha/tunner/internal/tunnel"
	"github.com/emessiha/tunner/internal/util"
)

// HTTP paths served on the WebSocket listener.
const (
	TunnelPath = "/tunnel"
	SignalPath = "/signal"
)

const shutdownTimeout = 5 * time.Second

// RunServer accepts tunnels on every configured endpoint and forwards
// their connections to the target until ctx is cancelled or an endpoint
// fails.
func RunServer(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stats := util.NewStats()
	opts := cfg.ManagerOptions()
	opts.Metrics = stats
	opts.DialTarget = func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", cfg.Target.String())
	}

	m := tunnel.NewManager(opts)
	defer m.Close()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Mode == config.ModeTest {
		ln, err := net.Listen("tcp", cfg.Target.String())
		if err != nil {
			return fmt.Errorf("test mode: %w", err)
		}
		util.LogInfo("test mode: echo server on %s", ln.Addr())
		g.Go(func() error { return ServeEcho(gctx, ln) })
	}

	ln, err := net.Listen("tcp", cfg.Listen.String())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	util.LogSuccess("accepting tunnels on %s, forwarding to %s", ln.Addr(), cfg.Target)
	g.Go(func() error { return transport.ServeTCP(gctx, ln, m.ServeTunnel) })

	if cfg.WebSocket.Listen != "" {
		if err := serveHTTP(gctx, g, cfg, m); err != nil {
			return err
		}
	}

	if cfg.SSHD.Listen != "" {
		srv, err := newSSHD(cfg, m)
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.SSHD.Listen) })
	}

	g.Go(func() error {
		m.Run(gctx)
		return nil
	})
	if interval := cfg.Tunnel.StatsInterval.Duration(); interval > 0 {
		g.Go(func() error {
			stats.Report(gctx, interval)
			return nil
		})
	}

	return g.Wait()
}

// serveHTTP starts the WebSocket endpoint: raw tunnels on TunnelPath and
// WebRTC signaling on SignalPath.
func serveHTTP(ctx context.Context, g *errgroup.Group, cfg config.Config, m *tunnel.Manager) error {
	mux := http.NewServeMux()
	mux.Handle(TunnelPath, transport.WSHandler(cfg.WebSocket.Token, m.ServeTunnel))
	mux.Handle(SignalPath, transport.WebRTCHandler(cfg.WebSocket.Token, cfg.WebSocket.ICEServers, m.ServeTunnel))

	ln, err := net.Listen("tcp", cfg.WebSocket.Listen)
	if err != nil {
		return fmt.Errorf("websocket: listen %s: %w", cfg.WebSocket.Listen, err)
	}
	util.LogInfo("websocket: serving %s and %s on %s", TunnelPath, SignalPath, ln.Addr())

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

func newSSHD(cfg config.Config, m *tunnel.Manager) (*sshd.Server, error) {
	hostKey, err := sshd.LoadOrGenerateHostKey(cfg.SSHD.HostKeyFile)
	if err != nil {
		return nil, err
	}
	util.LogInfo("sshd: host key %s", sshd.Fingerprint(hostKey.PublicKey()))

	var keys []ssh.PublicKey
	if cfg.SSHD.AuthorizedKeysFile != "" {
		if keys, err = sshd.LoadAuthorizedKeys(cfg.SSHD.AuthorizedKeysFile); err != nil {
			return nil, err
		}
	}

	return sshd.New(sshd.Options{
		HostKey:        hostKey,
		Users:          cfg.SSHD.Users,
		AuthorizedKeys: keys,
	}, m.ServeTunnel)
}
