// Package transport opens and accepts the byte streams tunnels run over:
// plain TCP, SSH direct-tcpip channels, WebSocket binary messages and WebRTC
// DataChannels. Client-side dialers implement tunnel.Dialer; server-side
// handlers hand every accepted stream to a serve callback, normally
// (*tunnel.Manager).ServeTunnel.
package transport

import (
	"io"

	"github.com/emessiha/tunner/internal/tunnel"
)

// ServeFunc takes ownership of an accepted tunnel stream and returns when
// the stream is finished.
type ServeFunc func(rwc io.ReadWriteCloser)

var (
	_ tunnel.Dialer = (*TCPDialer)(nil)
	_ tunnel.Dialer = (*SSHDialer)(nil)
	_ tunnel.Dialer = (*WSDialer)(nil)
	_ tunnel.Dialer = (*WebRTCDialer)(nil)
)
