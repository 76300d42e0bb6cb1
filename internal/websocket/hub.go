package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one message pushed to dashboard clients
type Event struct {
	Type      string      `json:"type"`
	ChurchID  string      `json:"churchId,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub maintains the set of active clients and broadcasts transfer events
type Hub struct {
	// Registered clients map: client ID -> Client
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan Event
	stop       chan struct{}

	log *zap.SugaredLogger
	mu  sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 64),
		stop:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub's main loop. It returns after Close.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.Infow("📡 dashboard connected", "client_id", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				client.shutdown()
				h.log.Infow("📴 dashboard disconnected", "client_id", client.ID)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.deliver(ev)

		case <-h.stop:
			h.mu.Lock()
			for id, client := range h.clients {
				client.shutdown()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close stops Run and disconnects every client
func (h *Hub) Close() {
	close(h.stop)
}

// Broadcast queues an event for every interested client. It never blocks;
// events are dropped while the queue is full.
func (h *Hub) Broadcast(eventType string, payload interface{}) {
	h.Publish(Event{Type: eventType, Data: payload})
}

// Publish queues a fully built event
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warnw("event queue full, dropping event", "type", ev.Type)
	}
}

// ClientCount reports connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Errorw("Error marshaling event", "type", ev.Type, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.wants(ev.ChurchID) {
			continue
		}
		client.enqueue(msg)
	}
}
