package signaling

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
)

// TokenParam is the query parameter carrying the shared token.
const TokenParam = "token"

// Connect dials the given WebSocket URL, adding token as a query parameter
// when set, e.g.:
//
//	wss://example.com/tunnel?token=s3cret
func Connect(ctx context.Context, rawURL, token string) (*websocket.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid WebSocket URL %q: %w", rawURL, err)
	}
	if token != "" {
		q := u.Query()
		q.Set(TokenParam, token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}
