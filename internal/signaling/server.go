package signaling

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade checks the request's token and upgrades it to a WebSocket. On
// failure the HTTP response has already been written and nil is returned.
func Upgrade(w http.ResponseWriter, r *http.Request, token string) *websocket.Conn {
	if token != "" {
		got := r.URL.Query().Get(TokenParam)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return nil
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil
	}
	return conn
}
