// Package websocket is the client-facing gateway: it upgrades connections,
// tracks them, and routes incoming frames to the session engine.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/askuser"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/session"
)

// Hub tracks all connected clients.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	engine *session.Engine
	ask    *askuser.Bridge

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub routing frames to the engine and ask bridge.
func NewHub(engine *session.Engine, ask *askuser.Bridge, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		engine:     engine,
		ask:        ask,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes client registration until ctx is cancelled, then closes all
// clients with a going-away close frame.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// closeAllClients closes every send channel; the write pumps emit the 1001
// close frame on the way out.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.markClosed()
		close(client.send)
		delete(h.clients, client)
	}
}

// removeClient drops a disconnected client and detaches it everywhere.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.markClosed()
		close(client.send)
	}
	h.mu.Unlock()

	h.engine.ClientGone(client)
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
