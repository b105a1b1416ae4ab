// SPDX-License-Identifier: MIT

package notify

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skald-media/skald/internal/log"
	"github.com/skald-media/skald/internal/metrics"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients authenticate before the upgrade; origin policy is
	// enforced by the reverse proxy in front of the daemon.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and streams the owner's events until
// the client disconnects. Reconnecting clients pass ?after=<last id>
// to replay missed events from the buffer.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, ownerID int64) {
	logger := log.WithComponentFromContext(r.Context(), "notify")

	var afterID uint64
	if v := r.URL.Query().Get("after"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			afterID = parsed
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	events, cancel := h.Subscribe(ownerID, afterID)
	defer cancel()

	metrics.WSClients.Inc()
	defer metrics.WSClients.Dec()
	logger.Debug().Int64(log.FieldUserID, ownerID).Msg("client connected")

	done := make(chan struct{})
	go readPump(conn, done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() { _ = conn.Close() }()

	for {
		select {
		case <-done:
			logger.Debug().Int64(log.FieldUserID, ownerID).Msg("client disconnected")
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pong handlers run, and signals when
// the connection dies.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetReadLimit(1 << 10)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
