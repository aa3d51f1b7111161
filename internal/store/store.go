package store

import (
	"context"
	"encoding/json"
	"time"

	"exposehub/reservation-service/internal/models"
)

// PropertyTx is the atomic unit for one property. Everything written through
// it commits or rolls back together, and no other PropertyTx for the same
// property runs concurrently.
type PropertyTx interface {
	Property() models.Property
	GetReservation(ctx context.Context, reservationID string) (models.Reservation, error)
	ActiveReservation(ctx context.Context) (models.Reservation, bool, error)
	// Waitlist returns the waitlisted reservations ordered by position.
	Waitlist(ctx context.Context) ([]models.Reservation, error)
	InsertReservation(ctx context.Context, reservation models.Reservation) error
	UpdateReservation(ctx context.Context, reservation models.Reservation) error
	SetPropertyStatus(ctx context.Context, status models.Status, at time.Time) error
	LastHistoryEntry(ctx context.Context, reservationID string) (models.HistoryEntry, bool, error)
	AppendHistory(ctx context.Context, entry models.HistoryEntry) error
	InsertOutboxEvent(ctx context.Context, event OutboxEvent) error
}

type ListFilter struct {
	TenantID   string
	PropertyID string
	Status     *models.Status
	IsActive   *bool
	// UserIDs restricts results to reservations created by these users. Nil
	// means no restriction.
	UserIDs []string
	Offset  int
	Limit   int
}

type ReservationStore interface {
	WithinProperty(ctx context.Context, tenantID, propertyID string, fn func(ctx context.Context, tx PropertyTx) error) error
	FindPropertyID(ctx context.Context, tenantID, reservationID string) (string, error)
	GetProperty(ctx context.Context, tenantID, propertyID string) (models.Property, error)
	GetReservation(ctx context.Context, tenantID, reservationID string) (models.Reservation, error)
	GetActiveReservation(ctx context.Context, tenantID, propertyID string) (models.Reservation, bool, error)
	ListWaitlist(ctx context.Context, tenantID, propertyID string) ([]models.Reservation, error)
	ListReservations(ctx context.Context, filter ListFilter) ([]models.Reservation, int, error)
	ListHistory(ctx context.Context, tenantID, reservationID string) ([]models.HistoryEntry, error)
}

// OutboxDelivery publishes a claimed batch and returns the ids that reached
// every publisher, with the time they did.
type OutboxDelivery func(ctx context.Context, events []OutboxEvent) (delivered []string, publishedAt time.Time)

type OutboxStore interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error)
	// ClaimOutbox holds up to limit pending events in creation order while
	// deliver runs, then marks the delivered ids published. Events held by
	// another relay are skipped.
	ClaimOutbox(ctx context.Context, limit int, deliver OutboxDelivery) (int, error)
}

type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListTeamMembers(ctx context.Context, tenantID, managerID string) ([]string, error)
}

type Session struct {
	SessionID string
	UserID    string
	TenantID  string
	Role      models.Role
	ExpiresAt time.Time
}

type OutboxEvent struct {
	EventID     string          `json:"event_id"`
	TenantID    string          `json:"tenant_id"`
	PropertyID  string          `json:"property_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

const (
	EventReservationCreated       = "reservation.created"
	EventReservationUpdated       = "reservation.updated"
	EventReservationStatusChanged = "reservation.status_changed"
	EventReservationCancelled     = "reservation.cancelled"
	EventReservationPromoted      = "reservation.promoted"
	EventReservationDemoted       = "reservation.demoted"
	EventWaitlistReordered        = "waitlist.reordered"
)
