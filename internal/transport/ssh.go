package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/emessiha/tunner/internal/util"
)

// ErrPassphraseRequired is returned by LoadPrivateKey for an encrypted key
// when no passphrase was given.
var ErrPassphraseRequired = errors.New("private key is encrypted")

// SSHOptions configure an SSHDialer.
type SSHOptions struct {
	Addr        string // SSH server, host:port
	ForwardAddr string // where each channel is opened to, as seen by the server
	User        string
	Password    string
	Signer      ssh.Signer

	// HostKeys pins the server's key. Empty accepts any key.
	HostKeys []ssh.PublicKey

	Keepalive time.Duration
	Timeout   time.Duration
}

// SSHDialer opens every tunnel as a direct-tcpip channel on one shared SSH
// connection, reconnecting when that connection dies.
type SSHDialer struct {
	opts   SSHOptions
	config *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHDialer validates opts and builds the client configuration. It does
// not connect.
func NewSSHDialer(opts SSHOptions) (*SSHDialer, error) {
	if opts.User == "" {
		return nil, errors.New("ssh: user is required")
	}

	var auth []ssh.AuthMethod
	if opts.Signer != nil {
		auth = append(auth, ssh.PublicKeys(opts.Signer))
	}
	if opts.Password != "" {
		auth = append(auth, ssh.Password(opts.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh: no password or private key")
	}

	d := &SSHDialer{opts: opts}
	d.config = &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		Timeout:         opts.Timeout,
		HostKeyCallback: d.checkHostKey,
	}
	return d, nil
}

func (d *SSHDialer) checkHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if len(d.opts.HostKeys) == 0 {
		util.LogDebug("ssh: accepting %s host key of %s without pinning", key.Type(), hostname)
		return nil
	}
	serverKey := key.Marshal()
	for _, hostKey := range d.opts.HostKeys {
		if bytes.Equal(serverKey, hostKey.Marshal()) {
			return nil
		}
	}
	return fmt.Errorf("host key mismatch, server sent %s %s", key.Type(), base64.StdEncoding.EncodeToString(serverKey))
}

// connect returns the shared client, dialing it first if needed.
func (d *SSHDialer) connect(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return d.client, nil
	}

	dialer := net.Dialer{Timeout: d.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh server %s: %w", d.opts.Addr, err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, d.opts.Addr, d.config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to ssh server: %w", err)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	d.client = client
	util.LogSuccess("ssh: connected to %s as %s", d.opts.Addr, d.opts.User)

	done := make(chan struct{})
	go func() {
		err := client.Wait()
		close(done)
		conn.Close()
		d.mu.Lock()
		if d.client == client {
			d.client = nil
		}
		d.mu.Unlock()
		util.LogWarning("ssh: connection to %s closed: %v", d.opts.Addr, err)
	}()
	if d.opts.Keepalive > 0 {
		go keepalive(client, d.opts.Keepalive, done)
	}

	return client, nil
}

// keepalive sends keepalive@openssh.com requests until done closes or a
// request fails, which closes the client.
func keepalive(client *ssh.Client, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				util.LogDebug("ssh: keepalive failed: %v", err)
				client.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// Dial opens a new direct-tcpip channel to ForwardAddr.
func (d *SSHDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := client.DialContext(ctx, "tcp", d.opts.ForwardAddr)
	if err != nil {
		return nil, fmt.Errorf("open channel to %s: %w", d.opts.ForwardAddr, err)
	}
	return conn, nil
}

// Close closes the shared SSH connection and every channel on it.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

// LoadPrivateKey reads and parses a private key file. An encrypted key
// needs passphrase; without one ErrPassphraseRequired is returned.
func LoadPrivateKey(path string, passphrase []byte) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	if len(passphrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(data, passphrase)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrPassphraseRequired
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// ParseHostKey parses a pinned host key in authorized_keys format, e.g.
// "ssh-ed25519 AAAAC3Nz...".
func ParseHostKey(line string) (ssh.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	return key, nil
}
