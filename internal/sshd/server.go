// Package sshd is an embedded SSH endpoint for the server side. Clients
// authenticate with a bcrypt-hashed password or an authorized key and open
// direct-tcpip channels; each channel is a tunnel, whatever destination it
// names.
package sshd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/emessiha/tunner/internal/util"
)

const serverVersion = "SSH-2.0-tunner_1.0"

// Options configure a Server.
type Options struct {
	HostKey        ssh.Signer
	Users          map[string]string // user -> bcrypt hash
	AuthorizedKeys []ssh.PublicKey
}

// Server accepts SSH connections and hands every direct-tcpip channel to
// serve.
type Server struct {
	config *ssh.ServerConfig
	serve  func(io.ReadWriteCloser)
}

// New builds a server. At least one user or authorized key is required.
func New(opts Options, serve func(io.ReadWriteCloser)) (*Server, error) {
	if opts.HostKey == nil {
		return nil, errors.New("sshd: host key is required")
	}
	if len(opts.Users) == 0 && len(opts.AuthorizedKeys) == 0 {
		return nil, errors.New("sshd: no users or authorized keys configured")
	}

	config := &ssh.ServerConfig{ServerVersion: serverVersion}
	if len(opts.Users) > 0 {
		config.PasswordCallback = passwordAuth(opts.Users).callback
	}
	if len(opts.AuthorizedKeys) > 0 {
		config.PublicKeyCallback = keyAuth(opts.AuthorizedKeys).callback
	}
	config.AddHostKey(opts.HostKey)

	return &Server{config: config, serve: serve}, nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sshd: listen %s: %w", addr, err)
	}
	util.LogInfo("sshd: listening on %s", ln.Addr())
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
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
			return fmt.Errorf("sshd: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		util.LogDebug("sshd: handshake with %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	util.LogInfo("sshd: %s logged in from %s", sshConn.User(), sshConn.RemoteAddr())

	stop := context.AfterFunc(ctx, func() { sshConn.Close() })
	defer stop()

	// keepalive@openssh.com and friends want a reply; DiscardRequests
	// answers false, which is enough to keep the client alive.
	go ssh.DiscardRequests(reqs)
	s.handleChannels(chans)
	sshConn.Close()
	util.LogInfo("sshd: %s from %s disconnected", sshConn.User(), sshConn.RemoteAddr())
}

func (s *Server) handleChannels(chans <-chan ssh.NewChannel) {
	for newChannel := range chans {
		if newChannel.ChannelType() != "direct-tcpip" {
			util.LogWarning("sshd: unknown channel type: %s", newChannel.ChannelType())
			newChannel.Reject(ssh.UnknownChannelType, "only port forwarding allowed")
			continue
		}

		host, port, err := parseDirectTCPIPExtra(newChannel.ExtraData())
		if err != nil {
			util.LogWarning("sshd: %v", err)
			newChannel.Reject(ssh.Prohibited, err.Error())
			continue
		}

		ch, reqs, err := newChannel.Accept()
		if err != nil {
			util.LogWarning("sshd: accept channel: %v", err)
			continue
		}
		go ssh.DiscardRequests(reqs)

		util.LogDebug("sshd: tunnel channel (requested %s)", net.JoinHostPort(host, fmt.Sprint(port)))
		go s.serve(ch)
	}
}

// parseDirectTCPIPExtra extracts the requested host and port from a
// direct-tcpip channel request.
func parseDirectTCPIPExtra(extra []byte) (string, uint32, error) {
	if len(extra) < 4 {
		return "", 0, errors.New("invalid direct-tcpip request: insufficient data for host length")
	}
	l := int(binary.BigEndian.Uint32(extra[:4]))
	if len(extra) < 4+l+4 {
		return "", 0, errors.New("invalid direct-tcpip request: insufficient data for host and port")
	}
	host := string(extra[4 : 4+l])
	port := binary.BigEndian.Uint32(extra[4+l : 4+l+4])
	return host, port, nil
}
