// Package ws broadcasts ledger events to connected admin dashboards.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/purchase"
)

// Event is a real-time ledger notification broadcast to all clients.
type Event struct {
	Type          string         `json:"type"`
	Source        model.Source   `json:"source,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	PurchaseType  purchase.Type  `json:"purchase_type,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// PaymentReceived is emitted when a webhook lands a new ledger row.
func PaymentReceived(source model.Source, transactionID string, purchaseType purchase.Type, amount *string) Event {
	extra := map[string]any{}
	if amount != nil {
		extra["amount"] = *amount
	}
	return Event{
		Type:          "payment_received",
		Source:        source,
		TransactionID: transactionID,
		PurchaseType:  purchaseType,
		Extra:         extra,
	}
}

// PaymentClaimed is emitted when a buyer binds a payment to their account.
func PaymentClaimed(source model.Source, transactionID string, purchaseType purchase.Type, userID string) Event {
	return Event{
		Type:          "payment_claimed",
		Source:        source,
		TransactionID: transactionID,
		PurchaseType:  purchaseType,
		Extra:         map[string]any{"user_id": userID},
	}
}

// FollowupSent is emitted when a follow-up workflow completes with a send.
func FollowupSent(source model.Source, transactionID string, purchaseType purchase.Type, result string) Event {
	return Event{
		Type:          "followup_sent",
		Source:        source,
		TransactionID: transactionID,
		PurchaseType:  purchaseType,
		Extra:         map[string]any{"result": result},
	}
}

// Hub maintains the set of active WebSocket clients and broadcasts events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends an event to all connected clients.
func (h *Hub) Broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, drop rather than block the ledger path
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
