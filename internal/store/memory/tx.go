package memory

import (
	"context"
	"fmt"
	"time"

	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/store"
)

type propertyTx struct {
	store           *Store
	property        models.Property
	propertyChanged bool
	staged          map[string]models.Reservation
	inserted        []string
	history         []models.HistoryEntry
	outbox          []store.OutboxEvent
}

func (tx *propertyTx) Property() models.Property {
	return tx.property
}

// mergedLocked returns the property's reservations with staged writes applied.
// The caller holds tx.store.mu.
func (tx *propertyTx) mergedLocked() []models.Reservation {
	var out []models.Reservation
	seen := make(map[string]bool)
	for _, id := range tx.store.order {
		r, ok := tx.staged[id]
		if !ok {
			r = tx.store.reservations[id]
		}
		if r.PropertyID != tx.property.PropertyID {
			continue
		}
		seen[id] = true
		out = append(out, r)
	}
	for _, id := range tx.inserted {
		if !seen[id] {
			out = append(out, tx.staged[id])
		}
	}
	return out
}

func (tx *propertyTx) merged() []models.Reservation {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.mergedLocked()
}

func (tx *propertyTx) GetReservation(ctx context.Context, reservationID string) (models.Reservation, error) {
	for _, r := range tx.merged() {
		if r.ReservationID == reservationID && r.TenantID == tx.property.TenantID {
			return cloneReservation(r), nil
		}
	}
	return models.Reservation{}, store.ErrReservationNotFound
}

func (tx *propertyTx) ActiveReservation(ctx context.Context) (models.Reservation, bool, error) {
	for _, r := range tx.merged() {
		if r.IsActive {
			return cloneReservation(r), true, nil
		}
	}
	return models.Reservation{}, false, nil
}

func (tx *propertyTx) Waitlist(ctx context.Context) ([]models.Reservation, error) {
	var waitlist []models.Reservation
	for _, r := range tx.merged() {
		if r.Waitlisted() {
			waitlist = append(waitlist, cloneReservation(r))
		}
	}
	sortByPosition(waitlist)
	return waitlist, nil
}

func (tx *propertyTx) InsertReservation(ctx context.Context, reservation models.Reservation) error {
	if reservation.PropertyID != tx.property.PropertyID {
		return fmt.Errorf("reservation %s belongs to property %s", reservation.ReservationID, reservation.PropertyID)
	}
	if _, exists := tx.staged[reservation.ReservationID]; exists {
		return fmt.Errorf("%w: duplicate reservation id", store.ErrConcurrentModification)
	}
	tx.store.mu.RLock()
	_, exists := tx.store.reservations[reservation.ReservationID]
	tx.store.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: duplicate reservation id", store.ErrConcurrentModification)
	}
	tx.staged[reservation.ReservationID] = cloneReservation(reservation)
	tx.inserted = append(tx.inserted, reservation.ReservationID)
	return nil
}

func (tx *propertyTx) UpdateReservation(ctx context.Context, reservation models.Reservation) error {
	if _, err := tx.GetReservation(ctx, reservation.ReservationID); err != nil {
		return err
	}
	tx.staged[reservation.ReservationID] = cloneReservation(reservation)
	return nil
}

func (tx *propertyTx) SetPropertyStatus(ctx context.Context, status models.Status, at time.Time) error {
	tx.property.Status = status
	tx.property.UpdatedAt = at
	tx.propertyChanged = true
	return nil
}

func (tx *propertyTx) LastHistoryEntry(ctx context.Context, reservationID string) (models.HistoryEntry, bool, error) {
	for i := len(tx.history) - 1; i >= 0; i-- {
		if tx.history[i].ReservationID == reservationID {
			return tx.history[i], true, nil
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	entries := tx.store.history[reservationID]
	if len(entries) == 0 {
		return models.HistoryEntry{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

func (tx *propertyTx) AppendHistory(ctx context.Context, entry models.HistoryEntry) error {
	tx.history = append(tx.history, entry)
	return nil
}

func (tx *propertyTx) InsertOutboxEvent(ctx context.Context, event store.OutboxEvent) error {
	tx.outbox = append(tx.outbox, event)
	return nil
}
