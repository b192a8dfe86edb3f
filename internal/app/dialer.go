// Package app wires configuration, transports and the tunnel manager into
// the runnable client, server and echo processes.
package app

import (
	"fmt"
	"net"
	"strconv"

	"github.com/emessiha/tunner/internal/config"
	"github.com/emessiha/tunner/internal/transport"
	"github.com/emessiha/tunner/internal/tunnel"
)

// NewDialer builds the tunnel dialer for the client's remote transport.
// The SSH dialer also implements io.Closer.
func NewDialer(cfg config.Config) (tunnel.Dialer, error) {
	r := cfg.Remote
	timeout := cfg.Tunnel.DialTimeout.Duration()

	switch r.Transport {
	case config.TransportTCP:
		return &transport.TCPDialer{
			Addr:    net.JoinHostPort(r.Host, strconv.Itoa(r.Port)),
			Timeout: timeout,
		}, nil

	case config.TransportWebSocket:
		return &transport.WSDialer{URL: r.URL, Token: r.Token}, nil

	case config.TransportWebRTC:
		return &transport.WebRTCDialer{
			SignalURL:  r.URL,
			Token:      r.Token,
			ICEServers: r.ICEServers,
		}, nil

	case config.TransportSSH:
		opts := transport.SSHOptions{
			Addr:        net.JoinHostPort(r.Host, strconv.Itoa(r.Port)),
			ForwardAddr: net.JoinHostPort("127.0.0.1", strconv.Itoa(r.ForwardPort)),
			User:        r.User,
			Password:    r.Password,
			Keepalive:   cfg.Tunnel.Keepalive.Duration(),
			Timeout:     timeout,
		}
		if r.KeyFile != "" {
			signer, err := transport.LoadPrivateKey(r.KeyFile, []byte(r.Passphrase))
			if err != nil {
				return nil, err
			}
			opts.Signer = signer
		}
		if r.HostKey != "" {
			key, err := transport.ParseHostKey(r.HostKey)
			if err != nil {
				return nil, err
			}
			opts.HostKeys = append(opts.HostKeys, key)
		}
		d, err := transport.NewSSHDialer(opts)
		if err != nil {
			return nil, err
		}
		return d, nil
	}

	return nil, fmt.Errorf("unknown transport %q", r.Transport)
}
