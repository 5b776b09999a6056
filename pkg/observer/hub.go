package observer

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/synod-labs/synod/pkg/contracts"
)

// Hub fans sealed events out to websocket subscribers. Publish matches
// the ledger's append hook signature and never blocks the append path:
// when the backlog is full, frames are dropped and counted. The log is
// the record; the stream is a courtesy.
type Hub struct {
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	broadcast chan contracts.Event
	dropped   atomic.Int64

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

// NewHub returns a hub; Run must be started for frames to flow.
func NewHub() *Hub {
	return &Hub{
		logger: slog.Default().With("component", "observer-stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		broadcast: make(chan contracts.Event, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

// Publish enqueues one sealed event for fan-out. Wire it with the
// ledger's OnAppend hook.
func (h *Hub) Publish(ev contracts.Event) {
	select {
	case h.broadcast <- ev:
	default:
		if n := h.dropped.Add(1); n == 1 || n%64 == 0 {
			h.logger.Warn("stream backlog full, dropping frames", "dropped", n)
		}
	}
}

// Run pumps broadcasts until ctx ends, then closes every subscriber.
// Only this loop writes to connections, so each has a single writer.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) fanOut(ev contracts.Event) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.WriteJSON(ev); err != nil {
			h.logger.Warn("stream write failed, dropping subscriber", "error", err)
			h.drop(c)
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	return len(h.clients)
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if h.clients[conn] {
		delete(h.clients, conn)
		_ = conn.Close()
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// Subscribers reports the current connection count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handle upgrades an HTTP request into a stream subscription and holds
// it open until the peer goes away.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream upgrade failed", "error", err)
		return
	}
	n := h.add(conn)
	h.logger.Info("stream subscriber connected", "subscribers", n)

	// Read pump: subscribers send nothing, but the read unblocks on
	// close and tears the registration down.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
