package reservation

import (
	"context"
	"encoding/json"
	"time"

	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/store"

	"github.com/google/uuid"
)

// AuditEvent describes one recorded change. When To is nil only the domain
// event is emitted and no status history entry is written.
type AuditEvent struct {
	Type        string
	TenantID    string
	PropertyID  string
	Reservation *models.Reservation
	From        *models.Status
	To          *models.Status
	ActorID     string
	At          time.Time
	Notes       string
	Extra       map[string]interface{}
}

type AuditSink interface {
	Record(ctx context.Context, tx store.PropertyTx, event AuditEvent) error
}

// Recorder appends hash-chained status history and writes the matching outbox
// event inside the caller's property transaction.
type Recorder struct{}

func (Recorder) Record(ctx context.Context, tx store.PropertyTx, event AuditEvent) error {
	if event.To != nil && event.Reservation != nil {
		last, found, err := tx.LastHistoryEntry(ctx, event.Reservation.ReservationID)
		if err != nil {
			return err
		}
		entry := store.ChainHistoryEntry(last, found, models.HistoryEntry{
			EntryID:       uuid.NewString(),
			ReservationID: event.Reservation.ReservationID,
			TenantID:      event.Reservation.TenantID,
			FromStatus:    event.From,
			ToStatus:      *event.To,
			ChangedBy:     event.ActorID,
			ChangedAt:     event.At,
			Notes:         event.Notes,
		})
		if err := tx.AppendHistory(ctx, entry); err != nil {
			return err
		}
	}
	if event.Type == "" {
		return nil
	}

	payload := eventPayload(event)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return tx.InsertOutboxEvent(ctx, store.OutboxEvent{
		EventID:    uuid.NewString(),
		TenantID:   event.TenantID,
		PropertyID: event.PropertyID,
		Type:       event.Type,
		Payload:    payloadJSON,
		CreatedAt:  event.At,
	})
}

func eventPayload(event AuditEvent) map[string]interface{} {
	payload := map[string]interface{}{
		"tenant_id":   event.TenantID,
		"property_id": event.PropertyID,
		"actor_id":    event.ActorID,
		"occurred_at": event.At,
	}
	if r := event.Reservation; r != nil {
		payload["reservation_id"] = r.ReservationID
		payload["user_id"] = r.UserID
		payload["customer_name"] = r.CustomerName
		payload["status"] = r.Status
		payload["is_active"] = r.IsActive
		payload["waitlist_position"] = r.WaitlistPosition
		payload["reservation_fee_paid"] = r.ReservationFeePaid
	}
	if event.From != nil {
		payload["from_status"] = *event.From
	}
	if event.To != nil {
		payload["to_status"] = *event.To
	}
	if event.Notes != "" {
		payload["notes"] = event.Notes
	}
	for key, value := range event.Extra {
		payload[key] = value
	}
	return payload
}
