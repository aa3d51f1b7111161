package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"exposehub/reservation-service/internal/metrics"
	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/reservation"
	"exposehub/reservation-service/internal/store"

	"go.uber.org/zap"
)

// Subscription narrows what a client receives. TenantID always equals the
// client's own tenant; an empty PropertyID means every property.
type Subscription struct {
	TenantID   string
	PropertyID string
}

type Client struct {
	ID           string
	Actor        models.Actor
	Send         chan []byte
	Subscription Subscription
}

// Meta identifies the reservation an event belongs to.
type Meta struct {
	TenantID   string
	PropertyID string
	OwnerID    string
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	gate    reservation.PermissionResolver
	logger  *zap.Logger
}

type SubscribeMessage struct {
	Action     string `json:"action"`
	PropertyID string `json:"property_id"`
}

type envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func New(gate reservation.PermissionResolver, logger *zap.Logger) *Hub {
	if gate == nil {
		gate = reservation.Gate{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), gate: gate, logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.Subscription.TenantID == "" {
		client.Subscription.TenantID = client.Actor.TenantID
	}
	h.clients[client.ID] = client
	metrics.RealtimeClients.Inc()
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	metrics.RealtimeClients.Dec()
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub.TenantID = client.Actor.TenantID
	client.Subscription = sub
}

func (h *Hub) Broadcast(payload []byte, meta Meta) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !h.match(client, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("drop message for realtime client", zap.String("client_id", client.ID))
		}
	}
}

func (h *Hub) match(client *Client, meta Meta) bool {
	sub := client.Subscription
	if meta.TenantID == "" || sub.TenantID != meta.TenantID {
		return false
	}
	if sub.PropertyID != "" && sub.PropertyID != meta.PropertyID {
		return false
	}
	if meta.OwnerID != "" && !reservation.CanView(h.gate, client.Actor, meta.TenantID, meta.OwnerID) {
		return false
	}
	return true
}

func (h *Hub) Name() string {
	return "realtime"
}

// Publish fans an outbox event out to the subscribed clients of its tenant.
func (h *Hub) Publish(_ context.Context, event store.OutboxEvent) error {
	payload, err := json.Marshal(envelope{Type: event.Type, Payload: event.Payload, CreatedAt: event.CreatedAt})
	if err != nil {
		return err
	}
	h.Broadcast(payload, Meta{
		TenantID:   event.TenantID,
		PropertyID: event.PropertyID,
		OwnerID:    ownerFromPayload(event.Payload),
	})
	return nil
}

func ownerFromPayload(payload []byte) string {
	var data struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return ""
	}
	return data.UserID
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
