package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/emessiha/tunner/internal/protocol"
)

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Validate checks the configuration for the command's role and returns
// every problem found.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validPort(c.Listen.Port) {
		add("listen port %d out of range 1~65535", c.Listen.Port)
	}

	t := c.Tunnel
	if t.Capacity < 1 {
		add("tunnel capacity must be positive")
	}
	if t.MaxPending < 1 {
		add("tunnel max_pending must be positive")
	}
	if t.MaxChunk < 1 || t.MaxChunk > protocol.MaxPayload {
		add("tunnel max_chunk must be within 1~%d", protocol.MaxPayload)
	}
	if t.IdleTimeout <= 0 || t.SweepInterval <= 0 || t.DialTimeout <= 0 {
		add("tunnel idle_timeout, sweep_interval and dial_timeout must be positive")
	}
	if t.Keepalive < 0 {
		add("tunnel keepalive must not be negative")
	}

	switch c.Role {
	case RoleClient:
		errs = append(errs, c.validateClient()...)
	case RoleServer:
		errs = append(errs, c.validateServer()...)
	default:
		add("unknown role %q", c.Role)
	}

	return errors.Join(errs...)
}

func (c Config) validateClient() []error {
	var errs []error
	r := c.Remote

	switch r.Transport {
	case TransportSSH:
		if r.Host == "" {
			errs = append(errs, errors.New("ssh transport needs a server host"))
		}
		if r.User == "" {
			errs = append(errs, errors.New("ssh transport needs a user"))
		}
		if !validPort(r.Port) || !validPort(r.ForwardPort) {
			errs = append(errs, fmt.Errorf("ssh port %d or forward port %d out of range", r.Port, r.ForwardPort))
		}
	case TransportTCP:
		if r.Host == "" || !validPort(r.Port) {
			errs = append(errs, errors.New("tcp transport needs a server host and port"))
		}
	case TransportWebSocket, TransportWebRTC:
		u, err := url.Parse(r.URL)
		if err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("%s transport needs a ws:// or wss:// url, got %q", r.Transport, r.URL))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", r.Transport))
	}
	return errs
}

func (c Config) validateServer() []error {
	var errs []error

	if c.Mode != ModeProd && c.Mode != ModeTest {
		errs = append(errs, fmt.Errorf("mode must be prod or test, got %q", c.Mode))
	}
	if c.Target.Host == "" || !validPort(c.Target.Port) {
		errs = append(errs, fmt.Errorf("invalid forward target %s", c.Target))
	}
	if c.WebSocket.Listen != "" {
		if _, _, err := net.SplitHostPort(c.WebSocket.Listen); err != nil {
			errs = append(errs, fmt.Errorf("websocket listen: %w", err))
		}
	}
	if c.SSHD.Listen != "" {
		if _, _, err := net.SplitHostPort(c.SSHD.Listen); err != nil {
			errs = append(errs, fmt.Errorf("sshd listen: %w", err))
		}
		if len(c.SSHD.Users) == 0 && c.SSHD.AuthorizedKeysFile == "" {
			errs = append(errs, errors.New("sshd needs users or an authorized_keys file"))
		}
	}
	return errs
}
