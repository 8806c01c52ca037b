package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const eventWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventsHandler streams supervisor events to websocket clients.
type EventsHandler struct {
	pool Pool
	log  *slog.Logger
}

func NewEventsHandler(pool Pool, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{pool: pool, log: logger}
}

func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer c.Close()

	events, cancel := h.pool.Subscribe()
	defer cancel()

	// Clients only receive; the read loop notices when they go away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "supervisor shut down"),
					time.Now().Add(eventWriteWait))
				return
			}
			c.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := c.WriteJSON(ev); err != nil {
				h.log.Debug("event stream closed", "error", err)
				return
			}
		}
	}
}
