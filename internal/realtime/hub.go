package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	// EventPaymentStatus is the only event pushed to payment status listeners.
	EventPaymentStatus = "payment_status"
)

// StatusEvent is the payload of a payment_status message.
type StatusEvent struct {
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
	At          int64  `json:"at"`
}

// Bus carries status events between server instances.
type Bus interface {
	PublishStatus(ctx context.Context, ev StatusEvent) error
	SubscribeReference(referenceID string, handler func(StatusEvent)) (cancel func(), err error)
}

// Hub maintains reference_id -> set of connections waiting on that payment.
// With a Bus, publishes go through Redis so every instance delivers them once.
type Hub struct {
	// referenceID -> map[clientID]*Client
	refs   map[string]map[string]*Client
	subs   map[string]func() // cancel Redis subscription per reference
	mu     sync.RWMutex
	logger *zap.Logger
	bus    Bus
}

// NewHub creates a new WebSocket hub. bus may be nil for a single instance.
func NewHub(logger *zap.Logger, bus Bus) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		refs:   make(map[string]map[string]*Client),
		subs:   make(map[string]func()),
		logger: logger,
		bus:    bus,
	}
}

// Register adds a client to a reference room. Starts the Redis subscription for the reference if first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.refs[c.ReferenceID] == nil {
		h.refs[c.ReferenceID] = make(map[string]*Client)
		if h.bus != nil {
			ref := c.ReferenceID
			cancel, err := h.bus.SubscribeReference(ref, func(ev StatusEvent) {
				h.Broadcast(ev)
			})
			if err != nil {
				h.logger.Warn("status subscription failed", zap.Error(err), zap.String("reference_id", ref))
			} else {
				h.subs[ref] = cancel
			}
		}
	}
	h.refs[c.ReferenceID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("status listener joined", zap.String("client_id", c.ID), zap.String("reference_id", c.ReferenceID))
}

// Unregister removes a client. Cancels the Redis subscription when the last listener leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.refs[c.ReferenceID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.refs, c.ReferenceID)
			if cancel, ok := h.subs[c.ReferenceID]; ok {
				cancel()
				delete(h.subs, c.ReferenceID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("status listener left", zap.String("client_id", c.ID), zap.String("reference_id", c.ReferenceID))
}

// Broadcast sends ev to local listeners of its reference.
func (h *Hub) Broadcast(ev StatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := WSMessage{Event: EventPaymentStatus, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.refs[ev.ReferenceID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// PublishPaymentStatus fans a ledger transition out to every listener of referenceID.
func (h *Hub) PublishPaymentStatus(ctx context.Context, referenceID, status string) error {
	ev := StatusEvent{ReferenceID: referenceID, Status: status, At: time.Now().Unix()}
	if h.bus != nil {
		return h.bus.PublishStatus(ctx, ev)
	}
	h.Broadcast(ev)
	return nil
}

// Listeners returns the number of connected clients for a reference.
func (h *Hub) Listeners(referenceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.refs[referenceID])
}
