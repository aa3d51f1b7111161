package reservation

import (
	"context"
	"fmt"
	"time"

	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/store"
)

const soldCancellationReason = "property sold"

func nextPosition(waitlist []models.Reservation) int {
	max := 0
	for _, r := range waitlist {
		if r.Position() > max {
			max = r.Position()
		}
	}
	return max + 1
}

func withoutReservation(list []models.Reservation, reservationID string) []models.Reservation {
	out := make([]models.Reservation, 0, len(list))
	for _, r := range list {
		if r.ReservationID != reservationID {
			out = append(out, r)
		}
	}
	return out
}

// orderByIDs arranges waitlist in the order of ids, which must name every
// member exactly once.
func orderByIDs(waitlist []models.Reservation, ids []string) ([]models.Reservation, error) {
	if len(ids) != len(waitlist) {
		return nil, fmt.Errorf("%w: expected %d reservation ids, got %d", store.ErrInvalidWaitlistOrder, len(waitlist), len(ids))
	}
	byID := make(map[string]models.Reservation, len(waitlist))
	for _, r := range waitlist {
		byID[r.ReservationID] = r
	}
	ordered := make([]models.Reservation, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not on the waitlist", store.ErrInvalidWaitlistOrder, id)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: %s listed twice", store.ErrInvalidWaitlistOrder, id)
		}
		seen[id] = true
		ordered = append(ordered, r)
	}
	return ordered, nil
}

// DensePositions reports whether the waitlist positions are exactly 1..N.
func DensePositions(waitlist []models.Reservation) bool {
	seen := make(map[int]bool, len(waitlist))
	for _, r := range waitlist {
		pos := r.Position()
		if pos < 1 || pos > len(waitlist) || seen[pos] {
			return false
		}
		seen[pos] = true
	}
	return true
}

// renumber persists positions 1..N in list order, writing only rows whose
// position or active flag changed.
func renumber(ctx context.Context, tx store.PropertyTx, list []models.Reservation, actorID string, at time.Time) ([]models.Reservation, error) {
	for i := range list {
		want := i + 1
		if list[i].Position() == want && !list[i].IsActive {
			continue
		}
		list[i].IsActive = false
		list[i].WaitlistPosition = &want
		list[i].UpdatedAt = at
		list[i].UpdatedBy = actorID
		if err := tx.UpdateReservation(ctx, list[i]); err != nil {
			return nil, err
		}
	}
	return list, nil
}

type waitlistManager struct {
	audit AuditSink
	props PropertyMutator
}

// cancel makes target terminal and rebalances the property: cancelling the
// active reservation promotes waitlist position 1, cancelling a waitlisted one
// closes the gap it leaves.
func (m waitlistManager) cancel(ctx context.Context, tx store.PropertyTx, target models.Reservation, reason, actorID string, at time.Time) (models.Reservation, error) {
	wasActive := target.IsActive
	from := target.Status

	target.Status = models.StatusAvailable
	target.IsActive = false
	target.WaitlistPosition = nil
	target.CancellationReason = reason
	target.CancelledAt = &at
	target.UpdatedAt = at
	target.UpdatedBy = actorID
	if err := tx.UpdateReservation(ctx, target); err != nil {
		return models.Reservation{}, err
	}
	if err := m.audit.Record(ctx, tx, AuditEvent{
		Type:        store.EventReservationCancelled,
		TenantID:    target.TenantID,
		PropertyID:  target.PropertyID,
		Reservation: &target,
		From:        &from,
		To:          models.StatusPtr(models.StatusAvailable),
		ActorID:     actorID,
		At:          at,
		Notes:       reason,
	}); err != nil {
		return models.Reservation{}, err
	}

	waitlist, err := tx.Waitlist(ctx)
	if err != nil {
		return models.Reservation{}, err
	}
	if !wasActive {
		if _, err := renumber(ctx, tx, waitlist, actorID, at); err != nil {
			return models.Reservation{}, err
		}
		return target, nil
	}
	if len(waitlist) == 0 {
		if err := m.props.SetStatus(ctx, tx, target.PropertyID, models.StatusAvailable); err != nil {
			return models.Reservation{}, err
		}
		return target, nil
	}

	head := waitlist[0]
	if _, err := renumber(ctx, tx, waitlist[1:], actorID, at); err != nil {
		return models.Reservation{}, err
	}
	if err := m.activate(ctx, tx, head, actorID, at, "promoted from waitlist position 1 after cancellation"); err != nil {
		return models.Reservation{}, err
	}
	return target, nil
}

// promote makes target the active reservation. The previous active one moves
// to position 1 and the rest of the waitlist shifts behind it. Statuses are
// preserved on both sides.
func (m waitlistManager) promote(ctx context.Context, tx store.PropertyTx, target models.Reservation, actorID, notes string, at time.Time) (models.Reservation, error) {
	if target.IsActive {
		return models.Reservation{}, store.Precondition("reservation", "is already active")
	}
	if !target.Waitlisted() {
		return models.Reservation{}, store.Precondition("reservation", "is not on the waitlist")
	}

	active, found, err := tx.ActiveReservation(ctx)
	if err != nil {
		return models.Reservation{}, err
	}
	if found && active.Status == models.StatusSold {
		return models.Reservation{}, store.Precondition("property", "is sold")
	}
	waitlist, err := tx.Waitlist(ctx)
	if err != nil {
		return models.Reservation{}, err
	}
	queue := withoutReservation(waitlist, target.ReservationID)
	if found {
		active.IsActive = false
		queue = append([]models.Reservation{active}, queue...)
	}
	if _, err := renumber(ctx, tx, queue, actorID, at); err != nil {
		return models.Reservation{}, err
	}
	if found {
		demoted := queue[0]
		if err := m.audit.Record(ctx, tx, AuditEvent{
			Type:        store.EventReservationDemoted,
			TenantID:    demoted.TenantID,
			PropertyID:  demoted.PropertyID,
			Reservation: &demoted,
			From:        models.StatusPtr(demoted.Status),
			To:          models.StatusPtr(demoted.Status),
			ActorID:     actorID,
			At:          at,
			Notes:       "demoted to waitlist position 1",
		}); err != nil {
			return models.Reservation{}, err
		}
	}

	note := "promoted from waitlist"
	if notes != "" {
		note += ": " + notes
	}
	if err := m.activate(ctx, tx, target, actorID, at, note); err != nil {
		return models.Reservation{}, err
	}
	target.IsActive = true
	target.WaitlistPosition = nil
	target.UpdatedAt = at
	target.UpdatedBy = actorID
	return target, nil
}

func (m waitlistManager) activate(ctx context.Context, tx store.PropertyTx, r models.Reservation, actorID string, at time.Time, notes string) error {
	r.IsActive = true
	r.WaitlistPosition = nil
	r.UpdatedAt = at
	r.UpdatedBy = actorID
	if err := tx.UpdateReservation(ctx, r); err != nil {
		return err
	}
	if err := m.audit.Record(ctx, tx, AuditEvent{
		Type:        store.EventReservationPromoted,
		TenantID:    r.TenantID,
		PropertyID:  r.PropertyID,
		Reservation: &r,
		From:        models.StatusPtr(r.Status),
		To:          models.StatusPtr(r.Status),
		ActorID:     actorID,
		At:          at,
		Notes:       notes,
	}); err != nil {
		return err
	}
	return m.props.SetStatus(ctx, tx, r.PropertyID, r.Status)
}

func (m waitlistManager) reorder(ctx context.Context, tx store.PropertyTx, ids []string, actorID string, at time.Time) ([]models.Reservation, error) {
	waitlist, err := tx.Waitlist(ctx)
	if err != nil {
		return nil, err
	}
	ordered, err := orderByIDs(waitlist, ids)
	if err != nil {
		return nil, err
	}
	ordered, err = renumber(ctx, tx, ordered, actorID, at)
	if err != nil {
		return nil, err
	}
	property := tx.Property()
	if err := m.audit.Record(ctx, tx, AuditEvent{
		Type:       store.EventWaitlistReordered,
		TenantID:   property.TenantID,
		PropertyID: property.PropertyID,
		ActorID:    actorID,
		At:         at,
		Extra:      map[string]interface{}{"reservation_ids": ids},
	}); err != nil {
		return nil, err
	}
	return ordered, nil
}

// closeWaitlist cancels every waitlisted reservation once the property is sold.
func (m waitlistManager) closeWaitlist(ctx context.Context, tx store.PropertyTx, actorID string, at time.Time) error {
	waitlist, err := tx.Waitlist(ctx)
	if err != nil {
		return err
	}
	for _, r := range waitlist {
		if _, err := m.cancel(ctx, tx, r, soldCancellationReason, actorID, at); err != nil {
			return err
		}
	}
	return nil
}
