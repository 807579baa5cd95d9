package progress

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/filingsage/filingsage/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSHandler upgrades HTTP connections and streams a conversation's progress
// events until the client disconnects.
type WSHandler struct {
	bus      Bus
	logger   *observability.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a websocket streamer over the given bus.
func NewWSHandler(bus Bus, logger *observability.Logger) *WSHandler {
	if logger == nil {
		logger = observability.Nop()
	}
	return &WSHandler{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Serve subscribes to the conversation and forwards events as JSON frames.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request, conversationID uuid.UUID) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe, err := h.bus.Subscribe(conversationID)
	if err != nil {
		h.logger.Error().Err(err).Msg("progress subscribe failed")
		return
	}
	defer unsubscribe()

	// Reader goroutine only services control frames; clients do not send.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
