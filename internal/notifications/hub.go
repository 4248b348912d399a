// Package notifications delivers live feed and profile snapshots over websockets.
package notifications

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"socialfeed/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Max connections per user
	maxConnsPerUser = 12
	// Max total connections
	maxTotalConns = 10000
)

var (
	// ErrServerFull is returned by Register when the hub is at capacity.
	ErrServerFull = errors.New("server connection limit reached")
	// ErrUserLimit is returned by Register when a user has too many tabs open.
	ErrUserLimit = errors.New("user connection limit reached")
	// ErrHubClosed is returned by Register after Shutdown.
	ErrHubClosed = errors.New("hub is shutting down")
)

// Hub tracks the websocket clients of one view kind, keyed by identity.
type Hub struct {
	name string

	mu         sync.RWMutex
	conns      map[string]map[*Client]struct{}
	totalConns int
	closed     bool
}

// NewHub creates a hub. The name labels its metrics and logs.
func NewHub(name string) *Hub {
	return &Hub{
		name:  name,
		conns: make(map[string]map[*Client]struct{}),
	}
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return h.name }

// Register adds a connection for identity. Limits are enforced per user and per hub.
func (h *Hub) Register(identity string, conn *websocket.Conn) (*Client, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if h.totalConns >= maxTotalConns {
		return nil, ErrServerFull
	}

	m, ok := h.conns[identity]
	if !ok {
		m = make(map[*Client]struct{})
		h.conns[identity] = m
	}
	if len(m) >= maxConnsPerUser {
		return nil, ErrUserLimit
	}

	client := NewClient(h, conn, identity)
	m[client] = struct{}{}
	h.totalConns++
	observability.ActiveWebSockets.Inc()

	return client, nil
}

// UnregisterClient removes the client. Calling it twice is harmless.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.conns[client.Identity]
	if !ok {
		return
	}
	if _, exists := m[client]; exists {
		delete(m, client)
		h.totalConns--
		observability.ActiveWebSockets.Dec()
	}
	if len(m) == 0 {
		delete(h.conns, client.Identity)
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalConns
}

// CountFor returns the number of clients registered for identity.
func (h *Hub) CountFor(identity string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[strings.ToLower(identity)])
}

// DisconnectUser closes every connection of identity and returns how many
// there were. The clients unregister themselves as their pumps exit.
func (h *Hub) DisconnectUser(identity, reason string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := h.conns[strings.ToLower(identity)]
	for c := range clients {
		c.CloseWith(websocket.ClosePolicyViolation, reason)
	}
	return len(clients)
}

// Shutdown closes every connection with a going-away frame and refuses new ones.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	for _, userConns := range h.conns {
		for client := range userConns {
			observability.ActiveWebSockets.Dec()
			// WritePump owns the connection and sends the close frame.
			client.CloseWith(websocket.CloseGoingAway, "Server shutting down")
		}
	}
	slog.Info("hub shut down", slog.String("hub", h.name))
	h.conns = make(map[string]map[*Client]struct{})
	h.totalConns = 0
	return nil
}
