// Package ws upgrades participant connections and pumps their events into
// the hub.
package ws

import (
	"log"
	nethttp "net/http"

	"github.com/gorilla/websocket"

	server "tandem/server"
	"tandem/server/internal/proto"
)

type HandlerConfig struct {
	Logger *log.Logger
}

type Handler struct {
	hub      *server.Hub
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *server.Hub, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		hub:      hub,
		logger:   logger,
		upgrader: upgrader,
	}
}

// Handle upgrades the request and runs the connection's read loop until the
// participant goes away. All writes happen through the hub.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	participantID, err := h.hub.Register(conn)
	if err != nil {
		h.logger.Printf("handshake failed: %v", err)
		return
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			h.hub.Unregister(participantID, "read_failure")
			return
		}

		ev, err := proto.DecodeClientEvent(payload)
		if err != nil {
			h.logger.Printf("discarding malformed message from %s: %v", participantID, err)
			continue
		}

		h.hub.HandleEvent(participantID, ev)
	}
}
