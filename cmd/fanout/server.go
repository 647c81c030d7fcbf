package main

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lyzr/buildqueue/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checks belong to the gateway in front of this service.
		return true
	},
}

// Server upgrades watcher connections and hands them to the hub
type Server struct {
	hub *Hub
	log *logger.Logger
}

// NewServer creates a new Server instance
func NewServer(hub *Hub, log *logger.Logger) *Server {
	return &Server{
		hub: hub,
		log: log,
	}
}

// HandleWebSocket handles WebSocket upgrade and registration
// URL: /ws?bucket=ci
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	bucket := r.URL.Query().Get("bucket")
	if bucket == "" {
		http.Error(w, "bucket query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, bucket)
	s.hub.register <- client

	s.log.Info("new watcher", "bucket", bucket, "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump()
}
