// Package eventbus fans stock events out to the live connections of one
// tenant. Group membership lives here, apart from any socket library, so the
// transport only has to drain a Subscription's queue.
package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/retail-pos/internal/core/domain"
	"github.com/rl1809/retail-pos/internal/metrics"
	"github.com/rl1809/retail-pos/internal/port"
)

const defaultQueueSize = 32

var ErrHubClosed = errors.New("realtime hub closed")

// Event is one outbound frame.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

type Subscription struct {
	ID       string
	TenantID string
	ActorID  string
	Role     domain.Role

	events chan Event
	closed bool // guarded by the owning group's mutex, or the hub's for tenantless subscriptions
}

// Events is closed when the subscription is disconnected.
func (s *Subscription) Events() <-chan Event { return s.events }

type group struct {
	mu      sync.Mutex
	members map[string]*Subscription
}

type Hub struct {
	verifier  port.CredentialVerifier
	queueSize int
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	groups map[string]*group
	// tenantless holds platform-scope connections; they receive nothing but still need closing.
	tenantless map[string]*Subscription
}

func NewHub(verifier port.CredentialVerifier, queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Hub{
		verifier:   verifier,
		queueSize:  queueSize,
		logger:     logger,
		groups:     make(map[string]*group),
		tenantless: make(map[string]*Subscription),
	}
}

// Connect verifies the credential and registers the connection under the
// credential's tenant. Nothing is registered when verification fails.
func (h *Hub) Connect(ctx context.Context, credential string) (*Subscription, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, domain.ErrMissingCredential
	}
	claims, err := h.verifier.Verify(ctx, credential)
	if err != nil {
		return nil, domain.ErrInvalidCredential
	}
	sub, ok := h.join(claims)
	if !ok {
		return nil, ErrHubClosed
	}
	return sub, nil
}

// Join registers already-verified claims. After Close it returns a
// subscription whose queue is already closed.
func (h *Hub) Join(claims domain.Claims) *Subscription {
	sub, _ := h.join(claims)
	return sub
}

func (h *Hub) join(claims domain.Claims) (*Subscription, bool) {
	sub := &Subscription{
		ID:       uuid.NewString(),
		TenantID: claims.TenantID,
		ActorID:  claims.UserID,
		Role:     claims.Role,
		events:   make(chan Event, h.queueSize),
	}

	// Held across the insert so Close cannot swap the maps underneath it.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.closed = true
		close(sub.events)
		return sub, false
	}
	if sub.TenantID == "" {
		h.tenantless[sub.ID] = sub
	} else {
		g, ok := h.groups[sub.TenantID]
		if !ok {
			g = &group{members: make(map[string]*Subscription)}
			h.groups[sub.TenantID] = g
		}
		g.mu.Lock()
		g.members[sub.ID] = sub
		g.mu.Unlock()
	}
	h.mu.Unlock()

	metrics.RealtimeConnections.Inc()
	h.logger.Debug("realtime: joined",
		zap.String("subscription_id", sub.ID),
		zap.String("tenant_id", sub.TenantID),
		zap.String("actor_id", sub.ActorID))
	return sub, true
}

// Publish queues the update for every current member of the tenant's group
// and returns how many members it reached. Publishes to one tenant are
// serialized, so all members see the same order.
func (h *Hub) Publish(tenantID string, update domain.StockUpdate) int {
	if tenantID == "" {
		return 0
	}
	h.mu.RLock()
	g, ok := h.groups[tenantID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	ev := Event{Name: domain.EventStockUpdate, Data: update}

	g.mu.Lock()
	defer g.mu.Unlock()

	delivered := 0
	for _, sub := range g.members {
		select {
		case sub.events <- ev:
			delivered++
		default:
			metrics.RealtimeDropped.Inc()
			h.logger.Warn("realtime: subscriber queue full, event dropped",
				zap.String("subscription_id", sub.ID),
				zap.String("tenant_id", tenantID))
		}
	}
	metrics.RealtimeDelivered.Add(float64(delivered))
	return delivered
}

// Disconnect removes the subscription and closes its queue. Safe to call more than once.
func (h *Hub) Disconnect(sub *Subscription) {
	if sub == nil {
		return
	}

	if sub.TenantID == "" {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub.closed {
			return
		}
		delete(h.tenantless, sub.ID)
		h.close(sub)
		return
	}

	h.mu.RLock()
	g, ok := h.groups[sub.TenantID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if sub.closed {
		return
	}
	delete(g.members, sub.ID)
	h.close(sub)
}

func (h *Hub) close(sub *Subscription) {
	sub.closed = true
	close(sub.events)
	metrics.RealtimeConnections.Dec()
	h.logger.Debug("realtime: left",
		zap.String("subscription_id", sub.ID),
		zap.String("tenant_id", sub.TenantID))
}

// NotifyStockUpdate lets the settlement engine publish through the hub.
func (h *Hub) NotifyStockUpdate(_ context.Context, tenantID string, update domain.StockUpdate) error {
	h.Publish(tenantID, update)
	return nil
}

// ConnectionCount reports members of one tenant, or all connections when tenantID is empty.
func (h *Hub) ConnectionCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if tenantID != "" {
		g, ok := h.groups[tenantID]
		if !ok {
			return 0
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.members)
	}

	total := len(h.tenantless)
	for _, g := range h.groups {
		g.mu.Lock()
		total += len(g.members)
		g.mu.Unlock()
	}
	return total
}

// Close disconnects every subscription and refuses new ones; used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	groups := h.groups
	tenantless := h.tenantless
	h.groups = make(map[string]*group)
	h.tenantless = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range tenantless {
		h.mu.Lock()
		if !sub.closed {
			h.close(sub)
		}
		h.mu.Unlock()
	}
	for _, g := range groups {
		g.mu.Lock()
		for id, sub := range g.members {
			delete(g.members, id)
			if !sub.closed {
				h.close(sub)
			}
		}
		g.mu.Unlock()
	}
}
