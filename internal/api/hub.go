// internal/api/hub.go

package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

// Upgrader for WebSocket connections
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub maintains active realtime websocket connections
type Hub struct {
	clients    map[*Client]bool
	clientsMux sync.RWMutex

	register   chan *Client
	unregister chan *Client

	realtime store.Realtime
	policy   *Policy
	limit    rate.Limit
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(realtime store.Realtime, policy *Policy, limit rate.Limit, log *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		realtime:   realtime,
		policy:     policy,
		limit:      limit,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go h.Run()
	return h
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clientsMux.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.clientsMux.Unlock()
			realtimeConnections.Inc()
			h.log.Debug("realtime client connected", "user_id", client.userID, "clients", total)

		case client := <-h.unregister:
			h.clientsMux.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				realtimeConnections.Dec()
			}
			total := len(h.clients)
			h.clientsMux.Unlock()
			h.log.Debug("realtime client disconnected", "user_id", client.userID, "clients", total)

		case <-h.ctx.Done():
			h.clientsMux.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
				realtimeConnections.Dec()
			}
			h.clientsMux.Unlock()
			return
		}
	}
}

// ServeWS upgrades the request and serves the connection until it closes
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := store.CallerFrom(r.Context())
	if !ok {
		writeError(w, h.log, store.ErrUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h, conn, userID, rate.NewLimiter(h.limit, int(h.limit)+1))
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	client.readPump(r.Context())
}

// Connections returns the number of connected clients
func (h *Hub) Connections() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients)
}

func (h *Hub) Close() {
	h.cancel()
	<-h.done
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}
