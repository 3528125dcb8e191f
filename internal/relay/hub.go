// Package relay moves opaque payloads between named identities. The
// hub binds each online identity to the single writer that owns its
// socket; clients drive the per-connection protocol state machine.
package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hushnet-labs/chat-relay-node/internal/registry"
	"github.com/hushnet-labs/chat-relay-node/internal/utils"
)

var (
	// ErrNotBound is returned when no delivery channel exists for a name.
	ErrNotBound = errors.New("no delivery channel bound")

	// ErrHandleBound is returned when a bind would displace a live
	// channel. A stale steal would strand the previous writer, so the
	// bind is refused instead.
	ErrHandleBound = errors.New("delivery channel already bound")

	// ErrSendFailed is returned when an enqueue fails because the
	// channel's connection is gone or its buffer is exhausted. The
	// caller should treat the identity as disconnected.
	ErrSendFailed = errors.New("delivery channel send failed")
)

// Hub is the delivery channel table: one outbound conduit per online
// identity, keyed by display name. Enqueues come from many goroutines;
// each conduit is drained by exactly one writer.
type Hub struct {
	clients  map[string]*Client
	mu       sync.RWMutex
	registry *registry.Registry
	logger   *utils.LogsManager
}

func NewHub(reg *registry.Registry, logger *utils.LogsManager) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		registry: reg,
		logger:   logger,
	}
}

// Bind associates a delivery channel with a display name. At most one
// channel per identity: a second bind is a conflict, never a replace.
func (h *Hub) Bind(username string, client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.clients[username]; exists {
		return ErrHandleBound
	}

	h.clients[username] = client
	h.logger.Debug(fmt.Sprintf("Delivery channel bound for %s (%d online)", username, len(h.clients)), "hub")
	return nil
}

// Unbind removes the association; safe to call for an absent name.
func (h *Hub) Unbind(username string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.clients[username]; exists {
		delete(h.clients, username)
		h.logger.Debug(fmt.Sprintf("Delivery channel unbound for %s (%d online)", username, len(h.clients)), "hub")
	}
}

// IsBound reports whether a live delivery channel exists for a name.
func (h *Hub) IsBound(username string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, exists := h.clients[username]
	return exists
}

// Send enqueues a pre-marshaled frame for one recipient. The lock is
// held only for the map lookup; the enqueue itself never blocks.
func (h *Hub) Send(username string, data []byte) error {
	h.mu.RLock()
	client, exists := h.clients[username]
	h.mu.RUnlock()

	if !exists {
		return ErrNotBound
	}

	if !client.enqueue(data) {
		h.logger.Warn(fmt.Sprintf("Send buffer gone for %s, treating as disconnected", username), "hub")
		return ErrSendFailed
	}

	return nil
}

// Broadcast enqueues the same frame to every bound channel. A failing
// recipient is logged and skipped; the fan-out never aborts.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for username, client := range h.clients {
		if !client.enqueue(data) {
			h.logger.Warn(fmt.Sprintf("Broadcast skipped %s: send buffer gone", username), "hub")
		}
	}
}

// BoundCount returns the number of live delivery channels.
func (h *Hub) BoundCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishPresence snapshots the registry, serializes the presence
// frame once, and fans it out to every live connection. Called after
// every registration and disconnect cleanup, never on a timer.
func (h *Hub) PublishPresence() {
	users := h.registry.ListNames()

	data, err := marshalFrame(newOnlineUsers(users))
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to marshal presence snapshot: %v", err), "hub")
		return
	}

	h.Broadcast(data)
}
