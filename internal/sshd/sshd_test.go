package sshd

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/emessiha/tunner/internal/transport"
)

func echoServe(rwc io.ReadWriteCloser) {
	defer rwc.Close()
	io.Copy(rwc, rwc)
}

// startServer runs a Server on a free loopback port and returns its address
// and host key.
func startServer(t *testing.T, opts Options) (string, ssh.Signer) {
	t.Helper()

	if opts.HostKey == nil {
		signer, _, err := NewHostKey()
		require.NoError(t, err)
		opts.HostKey = signer
	}
	srv, err := New(opts, echoServe)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)

	return ln.Addr().String(), opts.HostKey
}

func dialAndEcho(t *testing.T, opts transport.SSHOptions) error {
	t.Helper()

	d, err := transport.NewSSHDialer(opts)
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rwc, err := d.Dial(ctx)
	if err != nil {
		return err
	}
	defer rwc.Close()

	msg := []byte("hello through ssh")
	_, err = rwc.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(rwc, got)
	require.NoError(t, err)
	require.Equal(t, msg, got)
	return nil
}

func TestPasswordLogin(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)

	addr, hostKey := startServer(t, Options{Users: map[string]string{"alice": hash}})

	err = dialAndEcho(t, transport.SSHOptions{
		Addr:        addr,
		ForwardAddr: "127.0.0.1:8080",
		User:        "alice",
		Password:    "secret",
		HostKeys:    []ssh.PublicKey{hostKey.PublicKey()},
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
}

func TestWrongPasswordRejected(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)

	addr, _ := startServer(t, Options{Users: map[string]string{"alice": hash}})

	err = dialAndEcho(t, transport.SSHOptions{
		Addr:        addr,
		ForwardAddr: "127.0.0.1:8080",
		User:        "alice",
		Password:    "wrong",
		Timeout:     5 * time.Second,
	})
	require.Error(t, err)
}

func TestPublicKeyLogin(t *testing.T) {
	clientKey, _, err := NewHostKey()
	require.NoError(t, err)

	addr, _ := startServer(t, Options{AuthorizedKeys: []ssh.PublicKey{clientKey.PublicKey()}})

	err = dialAndEcho(t, transport.SSHOptions{
		Addr:        addr,
		ForwardAddr: "127.0.0.1:8080",
		User:        "bob",
		Signer:      clientKey,
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
}

func TestHostKeyMismatch(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	other, _, err := NewHostKey()
	require.NoError(t, err)

	addr, _ := startServer(t, Options{Users: map[string]string{"alice": hash}})

	err = dialAndEcho(t, transport.SSHOptions{
		Addr:        addr,
		ForwardAddr: "127.0.0.1:8080",
		User:        "alice",
		Password:    "secret",
		HostKeys:    []ssh.PublicKey{other.PublicKey()},
		Timeout:     5 * time.Second,
	})
	require.ErrorContains(t, err, "host key mismatch")
}

func TestNewRequiresCredentials(t *testing.T) {
	signer, _, err := NewHostKey()
	require.NoError(t, err)

	_, err = New(Options{HostKey: signer}, echoServe)
	require.Error(t, err)

	_, err = New(Options{Users: map[string]string{"a": "b"}}, echoServe)
	require.Error(t, err)
}

func TestLoadOrGenerateHostKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")

	first, err := LoadOrGenerateHostKey(path)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	second, err := LoadOrGenerateHostKey(path)
	require.NoError(t, err)
	require.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal())
}

func TestParseAuthorizedKeys(t *testing.T) {
	a, _, err := NewHostKey()
	require.NoError(t, err)
	b, _, err := NewHostKey()
	require.NoError(t, err)

	data := "# deploy keys\n\n" +
		string(ssh.MarshalAuthorizedKey(a.PublicKey())) +
		"   \n" +
		string(ssh.MarshalAuthorizedKey(b.PublicKey())) +
		"# trailing comment\n"

	keys, err := ParseAuthorizedKeys([]byte(data))
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, a.PublicKey().Marshal(), keys[0].Marshal())
	require.Equal(t, b.PublicKey().Marshal(), keys[1].Marshal())

	_, err = ParseAuthorizedKeys([]byte("not a key\n"))
	require.Error(t, err)
}

func TestParseDirectTCPIPExtra(t *testing.T) {
	host := "127.0.0.1"
	extra := binary.BigEndian.AppendUint32(nil, uint32(len(host)))
	extra = append(extra, host...)
	extra = binary.BigEndian.AppendUint32(extra, 8080)

	gotHost, gotPort, err := parseDirectTCPIPExtra(extra)
	require.NoError(t, err)
	require.Equal(t, host, gotHost)
	require.Equal(t, uint32(8080), gotPort)

	_, _, err = parseDirectTCPIPExtra(extra[:3])
	require.Error(t, err)
	_, _, err = parseDirectTCPIPExtra(extra[:8])
	require.Error(t, err)
}
