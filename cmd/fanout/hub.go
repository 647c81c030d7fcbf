package main

import (
	"sync"

	"github.com/lyzr/buildqueue/common/logger"
)

// Hub maintains active WebSocket connections keyed by bucket and broadcasts
// completion events to every watcher of that bucket.
type Hub struct {
	// Map: bucket -> []*Client
	connections map[string][]*Client
	mutex       sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Event

	log *logger.Logger
}

// Event is a completion event bound for one bucket's watchers.
type Event struct {
	Bucket string
	Data   []byte
}

// NewHub creates a new Hub instance
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		connections: make(map[string][]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Event, 256),
		log:         log,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.log.Info("hub started")

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastToBucket(event)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.connections[client.bucket] = append(h.connections[client.bucket], client)
	h.log.Info("watcher connected", "bucket", client.bucket, "watchers", len(h.connections[client.bucket]))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	clients := h.connections[client.bucket]
	for i, c := range clients {
		if c == client {
			h.connections[client.bucket] = append(clients[:i], clients[i+1:]...)
			close(client.send)
			break
		}
	}
	if len(h.connections[client.bucket]) == 0 {
		delete(h.connections, client.bucket)
	}
	h.log.Info("watcher disconnected", "bucket", client.bucket)
}

// broadcastToBucket delivers an event to every watcher of its bucket. Slow
// watchers with a full send buffer are skipped rather than blocking the hub.
func (h *Hub) broadcastToBucket(event *Event) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, client := range h.connections[event.Bucket] {
		select {
		case client.send <- event.Data:
		default:
			h.log.Warn("watcher send buffer full, dropping event", "bucket", event.Bucket)
		}
	}
}
