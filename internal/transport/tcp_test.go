package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTCPDialAndServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- ServeTCP(ctx, ln, echoServe) }()

	d := &TCPDialer{Addr: ln.Addr().String(), Timeout: time.Second}
	rwc, err := d.Dial(ctx)
	require.NoError(t, err)

	_, err = rwc.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(rwc, got)
	require.NoError(t, err)
	require.Equal(t, "ping", string(got))
	rwc.Close()

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeTCP did not return after cancel")
	}
}

func TestTCPDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = (&TCPDialer{Addr: addr, Timeout: time.Second}).Dial(context.Background())
	require.Error(t, err)
}
