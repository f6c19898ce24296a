package notify

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 1024

	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// clientFrame is the only inbound protocol: subscribe or unsubscribe by topic.
type clientFrame struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Handler upgrades HTTP connections to WebSocket and binds each one to a hub
// subscription. Transport failures tear the connection down and discard its
// subscription; nothing is retried, matching the best-effort contract.
type Handler struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	sub := h.hub.Register(connID)
	done := make(chan struct{})

	go h.writePump(conn, sub, done)
	h.readPump(conn, sub)

	close(done)
	h.hub.Unregister(connID)
	_ = conn.Close()
}

// readPump consumes subscribe/unsubscribe frames until the connection drops.
func (h *Handler) readPump(conn *websocket.Conn, sub *Subscription) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Action {
		case actionSubscribe:
			sub.Subscribe(frame.Topics...)
		case actionUnsubscribe:
			sub.Unsubscribe(frame.Topics...)
		default:
			// Unknown actions are ignored rather than fatal; the client
			// may be newer than the server.
		}
	}
}

// writePump drains the subscription buffer onto the wire and keeps the
// connection alive with pings. Any write error ends the connection.
func (h *Handler) writePump(conn *websocket.Conn, sub *Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case n := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(n); err != nil {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
