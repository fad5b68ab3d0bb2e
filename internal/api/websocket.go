package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub relays bus notifications to websocket clients: state changes, trades,
// alerts and provider-health deltas.
type Hub struct {
	logger *zap.Logger
	bus    *events.Bus

	mu      sync.Mutex
	clients map[*client]bool
	max     int
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates the push hub.
func NewHub(logger *zap.Logger, bus *events.Bus, maxConnections int) *Hub {
	if maxConnections <= 0 {
		maxConnections = 100
	}
	return &Hub{
		logger:  logger,
		bus:     bus,
		clients: make(map[*client]bool),
		max:     maxConnections,
	}
}

// Run subscribes to the bus and fans messages out until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	cancel := h.bus.Subscribe(func(n events.Notification) {
		payload, err := json.Marshal(n)
		if err != nil {
			h.logger.Warn("notification marshal failed", zap.Error(err))
			return
		}
		h.broadcast(payload)
	})
	defer cancel()
	<-ctx.Done()
	h.closeAll()
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Slow client: drop it rather than buffer unboundedly.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// ServeWS upgrades one connection and attaches it to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if len(h.clients) >= h.max {
		h.mu.Unlock()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// readPump discards inbound frames; the stream is server-push only. It exists
// to notice disconnects.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
