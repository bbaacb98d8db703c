package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Ping/pong tuning mirrors the teacher's websocket.Server constants:
// a keepalive cadence comfortably inside the read deadline so a single
// missed tick never drops a healthy connection.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // read limit for inbound client messages; outbound frames are not bound by it
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS policy enforced at the edge, not here
}

func upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// writePump drains outbound off a channel to the socket, sending
// periodic pings so either side notices a dead peer inside pongWait
// rather than blocking forever on a half-open TCP connection. Runs
// until outbound is closed or a write fails.
func writePump(conn *websocket.Conn, outbound <-chan wireMessage, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case msg, ok := <-outbound:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(msg.kind, msg.payload); err != nil {
				logger.Debug("ws write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wireMessage pairs a gorilla/websocket frame kind (TextMessage or
// BinaryMessage) with its payload so one outbound channel can carry
// both JSON control frames and binary simulation frames.
type wireMessage struct {
	kind    int
	payload []byte
}

func textMessage(payload []byte) wireMessage   { return wireMessage{kind: websocket.TextMessage, payload: payload} }
func binaryMessage(payload []byte) wireMessage { return wireMessage{kind: websocket.BinaryMessage, payload: payload} }

func configureReadLimits(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}
