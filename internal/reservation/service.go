// Package reservation implements the reservation state machine, the waitlist
// manager and the permission checks that guard them. Every mutation runs inside
// one per-property transaction of the underlying store.
package reservation

import (
	"context"
	"errors"
	"strings"
	"time"

	"exposehub/reservation-service/internal/metrics"
	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultMaxRetries = 3

type Options struct {
	Gate       PermissionResolver
	Audit      AuditSink
	Properties PropertyMutator
	Clock      func() time.Time
	// MaxRetries bounds retries after a concurrent modification. Zero selects
	// the default, a negative value disables retries.
	MaxRetries int
	Logger     *zap.Logger
}

type Service struct {
	store      store.ReservationStore
	gate       PermissionResolver
	waitlist   waitlistManager
	audit      AuditSink
	props      PropertyMutator
	clock      func() time.Time
	maxRetries int
	logger     *zap.Logger
	tracer     trace.Tracer
}

func NewService(st store.ReservationStore, options Options) *Service {
	s := &Service{
		store:      st,
		gate:       options.Gate,
		audit:      options.Audit,
		props:      options.Properties,
		clock:      options.Clock,
		maxRetries: options.MaxRetries,
		logger:     options.Logger,
		tracer:     otel.Tracer("exposehub/reservation-service/reservation"),
	}
	if s.gate == nil {
		s.gate = Gate{}
	}
	if s.audit == nil {
		s.audit = Recorder{}
	}
	if s.clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	}
	if s.props == nil {
		s.props = Synchronizer{Clock: s.clock}
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	} else if options.MaxRetries == 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.waitlist = waitlistManager{audit: s.audit, props: s.props}
	return s
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) CreateReservation(ctx context.Context, actor models.Actor, propertyID string, input CreateInput) (models.Reservation, error) {
	const op = "create"
	ctx, span := s.start(ctx, op, actor, attribute.String("property_id", propertyID))
	defer span.End()

	var created models.Reservation
	err := s.inProperty(ctx, op, actor.TenantID, propertyID, func(ctx context.Context, tx store.PropertyTx) error {
		property := tx.Property()
		if !s.gate.HasCapability(actor, CapCreateReservation, Resource{TenantID: property.TenantID, PropertyStatus: &property.Status}) {
			return s.denied(ctx, op, actor, CapCreateReservation)
		}
		if property.Status == models.StatusSold {
			return store.Precondition("property", "is sold")
		}

		now := s.now()
		r := models.Reservation{
			ReservationID: uuid.NewString(),
			TenantID:      property.TenantID,
			PropertyID:    property.PropertyID,
			UserID:        actor.UserID,
			Status:        models.StatusRequested,
			CreatedAt:     now,
			UpdatedAt:     now,
			CreatedBy:     actor.UserID,
		}
		if err := input.apply(&r); err != nil {
			return err
		}

		_, hasActive, err := tx.ActiveReservation(ctx)
		if err != nil {
			return err
		}
		if hasActive {
			if !input.AcceptWaitlist {
				return store.Precondition("property", "already has an active reservation")
			}
			waitlist, err := tx.Waitlist(ctx)
			if err != nil {
				return err
			}
			position := nextPosition(waitlist)
			r.WaitlistPosition = &position
		} else {
			r.IsActive = true
		}

		if err := tx.InsertReservation(ctx, r); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, tx, AuditEvent{
			Type:        store.EventReservationCreated,
			TenantID:    r.TenantID,
			PropertyID:  r.PropertyID,
			Reservation: &r,
			To:          models.StatusPtr(r.Status),
			ActorID:     actor.UserID,
			At:          now,
			Notes:       r.Notes,
		}); err != nil {
			return err
		}
		if r.IsActive {
			if err := s.props.SetStatus(ctx, tx, r.PropertyID, r.Status); err != nil {
				return err
			}
		}
		created = r
		return nil
	})
	if err != nil {
		return models.Reservation{}, s.fail(span, op, err)
	}
	s.applied(op, created.Status)
	return created, nil
}

func (s *Service) GetReservation(ctx context.Context, actor models.Actor, reservationID string) (models.Reservation, error) {
	const op = "get"
	ctx, span := s.start(ctx, op, actor, attribute.String("reservation_id", reservationID))
	defer span.End()

	r, err := s.store.GetReservation(ctx, actor.TenantID, reservationID)
	if err != nil {
		return models.Reservation{}, s.fail(span, op, err)
	}
	if !CanView(s.gate, actor, r.TenantID, r.UserID) {
		return models.Reservation{}, s.fail(span, op, store.ErrReservationNotFound)
	}
	return r, nil
}

func (s *Service) UpdateReservation(ctx context.Context, actor models.Actor, reservationID string, input UpdateInput) (models.Reservation, error) {
	const op = "update"
	ctx, span := s.start(ctx, op, actor, attribute.String("reservation_id", reservationID))
	defer span.End()

	propertyID, err := s.store.FindPropertyID(ctx, actor.TenantID, reservationID)
	if err != nil {
		return models.Reservation{}, s.fail(span, op, err)
	}

	var updated models.Reservation
	err = s.inProperty(ctx, op, actor.TenantID, propertyID, func(ctx context.Context, tx store.PropertyTx) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		canManage := s.gate.HasCapability(actor, CapManageStatus, Resource{TenantID: r.TenantID})
		if !canManage && !s.ownsReservation(actor, r, tx.Property()) {
			if !CanView(s.gate, actor, r.TenantID, r.UserID) {
				return store.ErrReservationNotFound
			}
			return s.denied(ctx, op, actor, CapManageStatus)
		}
		if input.ReservationFeePaid != nil && !canManage {
			return s.denied(ctx, op, actor, CapManageStatus)
		}
		if r.Status.Terminal() {
			return store.Precondition("reservation", "is closed")
		}

		now := s.now()
		changed, err := input.apply(&r)
		if err != nil {
			return err
		}
		if input.ReservationFeePaid != nil && *input.ReservationFeePaid != r.ReservationFeePaid {
			if *input.ReservationFeePaid {
				markFeePaid(&r, now)
			} else {
				if r.Status != models.StatusRequested {
					return store.Precondition("reservation_fee_paid", "cannot be cleared once reserved")
				}
				r.ReservationFeePaid = false
				r.ReservationFeePaidDate = nil
			}
			changed = append(changed, "reservation_fee_paid")
		}

		if len(changed) == 0 {
			updated = r
			return nil
		}
		r.UpdatedAt = now
		r.UpdatedBy = actor.UserID
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, tx, AuditEvent{
			Type:        store.EventReservationUpdated,
			TenantID:    r.TenantID,
			PropertyID:  r.PropertyID,
			Reservation: &r,
			ActorID:     actor.UserID,
			At:          now,
			Extra:       map[string]interface{}{"fields": changed},
		}); err != nil {
			return err
		}
		updated = r
		return nil
	})
	if err != nil {
		return models.Reservation{}, s.fail(span, op, err)
	}
	return updated, nil
}

// ChangeStatus applies one forward transition. A target of Available is a
// cancellation and goes through CancelReservation.
func (s *Service) ChangeStatus(ctx context.Context, actor models.Actor, reservationID string, change StatusChange) (models.Reservation, error) {
	if change.To == models.StatusAvailable {
		reason := change.CancellationReason
		if reason == "" {
			reason = change.Notes
		}
		return s.CancelReservation(ctx, actor, reservationID, reason)
	}

	const op = "change_status"
	ctx, span := s.start(ctx, op, actor,
		attribute.String("reservation_id", reservationID),
		attribute.Int("to_status", int(change.To)),
	)
	defer span.End()

	propertyID, err := s.store.FindPropertyID(ctx, actor.TenantID, reservationID)
	if err != nil {
		return models.Reservation{}, s.fail(span, op, err)
	}

	var changed models.Reservation
	err = s.inProperty(ctx, op, actor.TenantID, propertyID, func(ctx context.Context, tx store.PropertyTx) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		from := r.Status
		if !s.gate.HasCapability(actor, RequiredCapability(&from), Resource{TenantID: r.TenantID}) {
			return s.denied(ctx, op, actor, RequiredCapability(&from))
		}
		if !ValidTransition(&from, change.To) {
			return &store.InvalidTransitionError{From: &from, To: change.To}
		}
		if requiresActive(change.To) && !r.IsActive {
			return store.Precondition("reservation", "must be the active reservation")
		}

		now := s.now()
		switch change.To {
		case models.StatusReserved:
			if err := applyFeePayment(&r, change, now); err != nil {
				return err
			}
		case models.StatusNotaryAppointment:
			if err := applyNotaryAppointment(&r, change, now); err != nil {
				return err
			}
		}

		r.Status = change.To
		r.UpdatedAt = now
		r.UpdatedBy = actor.UserID
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, tx, AuditEvent{
			Type:        store.EventReservationStatusChanged,
			TenantID:    r.TenantID,
			PropertyID:  r.PropertyID,
			Reservation: &r,
			From:        &from,
			To:          models.StatusPtr(change.To),
			ActorID:     actor.UserID,
			At:          now,
			Notes:       change.Notes,
		}); err != nil {
			return err
		}
		if r.IsActive {
			if err := s.props.SetStatus(ctx, tx, r.PropertyID, r.Status); err != nil {
				return err
			}
		}
		if change.To == models.StatusSold {
			if err := s.waitlist.closeWaitlist(ctx, tx, actor.UserID, now); err != nil {
				return err
			}
		}
		changed = r
		return nil
	})
	if err != nil {
		return models.Reservation{}, s.fail(span, op, err)
	}
	s.applied(op, changed.Status)
	return changed, nil
}

func (s *Service) CancelReservation(ctx context.Context, actor models.Actor, reservationID, reason string) (models.Reservation, error) {
	const op = "cancel"
	ctx, span := s.start(ctx, op, actor, attribute.String("reservation_id", reservationID))
	defer span.End()

	propertyID, err := s.store.FindPropertyID(ctx, actor.TenantID, reservationID)
	if err != nil {
		return models.Reservation{}, s.fail(span, op, err)
	}

	var cancelled models.Reservation
	err = s.inProperty(ctx, op, actor.TenantID, propertyID, func(ctx context.Context, tx store.PropertyTx) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		canManage := s.gate.HasCapability(actor, CapManageStatus, Resource{TenantID: r.TenantID})
		if !canManage && !s.ownsReservation(actor, r, tx.Property()) {
			return s.denied(ctx, op, actor, CapManageStatus)
		}
		if r.Status.Terminal() {
			from := r.Status
			return &store.InvalidTransitionError{From: &from, To: models.StatusAvailable}
		}
		cancelled, err = s.waitlist.cancel(ctx, tx, r, strings.TrimSpace(reason), actor.UserID, s.now())
		return err
	})
	if err != nil {
		return models.Reservation{}, s.fail(span, op, err)
	}
	s.applied(op, cancelled.Status)
	return cancelled, nil
}

// PromoteFromWaitlist makes a waitlisted reservation the active one. An empty
// propertyID is resolved from the reservation.
func (s *Service) PromoteFromWaitlist(ctx context.Context, actor models.Actor, propertyID, reservationID, notes string) (models.Reservation, error) {
	const op = "promote"
	ctx, span := s.start(ctx, op, actor,
		attribute.String("property_id", propertyID),
		attribute.String("reservation_id", reservationID),
	)
	defer span.End()

	if propertyID == "" {
		var err error
		propertyID, err = s.store.FindPropertyID(ctx, actor.TenantID, reservationID)
		if err != nil {
			return models.Reservation{}, s.fail(span, op, err)
		}
	}

	var promoted models.Reservation
	err := s.inProperty(ctx, op, actor.TenantID, propertyID, func(ctx context.Context, tx store.PropertyTx) error {
		if !s.gate.HasCapability(actor, CapManageWaitlist, Resource{TenantID: tx.Property().TenantID}) {
			return s.denied(ctx, op, actor, CapManageWaitlist)
		}
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		promoted, err = s.waitlist.promote(ctx, tx, r, actor.UserID, strings.TrimSpace(notes), s.now())
		return err
	})
	if err != nil {
		return models.Reservation{}, s.fail(span, op, err)
	}
	s.applied(op, promoted.Status)
	return promoted, nil
}

func (s *Service) ReorderWaitlist(ctx context.Context, actor models.Actor, propertyID string, orderedIDs []string) ([]models.Reservation, error) {
	const op = "reorder"
	ctx, span := s.start(ctx, op, actor, attribute.String("property_id", propertyID))
	defer span.End()

	var ordered []models.Reservation
	err := s.inProperty(ctx, op, actor.TenantID, propertyID, func(ctx context.Context, tx store.PropertyTx) error {
		if !s.gate.HasCapability(actor, CapManageWaitlist, Resource{TenantID: tx.Property().TenantID}) {
			return s.denied(ctx, op, actor, CapManageWaitlist)
		}
		var err error
		ordered, err = s.waitlist.reorder(ctx, tx, orderedIDs, actor.UserID, s.now())
		return err
	})
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	metrics.TransitionsTotal.WithLabelValues(op, "waitlist").Inc()
	return ordered, nil
}

func (s *Service) GetStatusHistory(ctx context.Context, actor models.Actor, reservationID string) ([]models.HistoryEntry, error) {
	const op = "history"
	ctx, span := s.start(ctx, op, actor, attribute.String("reservation_id", reservationID))
	defer span.End()

	r, err := s.store.GetReservation(ctx, actor.TenantID, reservationID)
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	if !CanView(s.gate, actor, r.TenantID, r.UserID) {
		return nil, s.fail(span, op, store.ErrReservationNotFound)
	}
	entries, err := s.store.ListHistory(ctx, actor.TenantID, reservationID)
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	return entries, nil
}

// GetActiveReservation returns the property's active reservation. found is
// false when there is none or the actor may not see it.
func (s *Service) GetActiveReservation(ctx context.Context, actor models.Actor, propertyID string) (models.Reservation, bool, error) {
	const op = "active"
	ctx, span := s.start(ctx, op, actor, attribute.String("property_id", propertyID))
	defer span.End()

	if _, err := s.store.GetProperty(ctx, actor.TenantID, propertyID); err != nil {
		return models.Reservation{}, false, s.fail(span, op, err)
	}
	r, found, err := s.store.GetActiveReservation(ctx, actor.TenantID, propertyID)
	if err != nil {
		return models.Reservation{}, false, s.fail(span, op, err)
	}
	if !found || !CanView(s.gate, actor, r.TenantID, r.UserID) {
		return models.Reservation{}, false, nil
	}
	return r, true, nil
}

func (s *Service) GetWaitlist(ctx context.Context, actor models.Actor, propertyID string) ([]models.Reservation, error) {
	const op = "waitlist"
	ctx, span := s.start(ctx, op, actor, attribute.String("property_id", propertyID))
	defer span.End()

	if _, err := s.store.GetProperty(ctx, actor.TenantID, propertyID); err != nil {
		return nil, s.fail(span, op, err)
	}
	waitlist, err := s.store.ListWaitlist(ctx, actor.TenantID, propertyID)
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	visible := make([]models.Reservation, 0, len(waitlist))
	for _, r := range waitlist {
		if CanView(s.gate, actor, r.TenantID, r.UserID) {
			visible = append(visible, r)
		}
	}
	return visible, nil
}

// ListReservations lists reservations the actor may see, active first, then
// by waitlist position, newest first within equal positions.
func (s *Service) ListReservations(ctx context.Context, actor models.Actor, query ListQuery) ([]models.Reservation, int, error) {
	const op = "list"
	ctx, span := s.start(ctx, op, actor)
	defer span.End()

	if query.Offset < 0 || query.Limit < 0 {
		return nil, 0, s.fail(span, op, store.InvalidInput("offset and limit must not be negative"))
	}
	if query.Status != nil && !query.Status.Valid() {
		return nil, 0, s.fail(span, op, store.InvalidInput("unknown status %d", int(*query.Status)))
	}
	limit := query.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	filter := store.ListFilter{
		TenantID:   actor.TenantID,
		PropertyID: query.PropertyID,
		Status:     query.Status,
		IsActive:   query.IsActive,
		UserIDs:    VisibleUserIDs(s.gate, actor),
		Offset:     query.Offset,
		Limit:      limit,
	}
	if query.UserID != "" {
		if filter.UserIDs != nil && !containsID(filter.UserIDs, query.UserID) {
			return []models.Reservation{}, 0, nil
		}
		filter.UserIDs = []string{query.UserID}
	}

	reservations, total, err := s.store.ListReservations(ctx, filter)
	if err != nil {
		return nil, 0, s.fail(span, op, err)
	}
	return reservations, total, nil
}

func (s *Service) ownsReservation(actor models.Actor, r models.Reservation, property models.Property) bool {
	if r.UserID != actor.UserID {
		return false
	}
	return s.gate.HasCapability(actor, CapCreateReservation, Resource{
		TenantID:       r.TenantID,
		OwnerID:        r.UserID,
		PropertyStatus: &property.Status,
	})
}

func (s *Service) denied(ctx context.Context, op string, actor models.Actor, capability Capability) error {
	metrics.PermissionDenialsTotal.WithLabelValues(string(capability), string(actor.Role)).Inc()
	s.logger.Warn("permission denied",
		zap.String("operation", op),
		zap.String("capability", string(capability)),
		zap.String("role", string(actor.Role)),
		zap.String("user_id", actor.UserID),
		zap.String("tenant_id", actor.TenantID),
	)
	return &store.PermissionDeniedError{Capability: string(capability), Role: actor.Role}
}

func (s *Service) start(ctx context.Context, op string, actor models.Actor, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("tenant_id", actor.TenantID),
		attribute.String("actor_role", string(actor.Role)),
	)
	return s.tracer.Start(ctx, "reservation."+op, trace.WithAttributes(attrs...))
}

func (s *Service) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.RejectionsTotal.WithLabelValues(op, ErrorKind(err)).Inc()
	return err
}

func (s *Service) applied(op string, status models.Status) {
	metrics.TransitionsTotal.WithLabelValues(op, status.String()).Inc()
}

// ErrorKind names the error class of err for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, store.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, store.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, store.ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, store.ErrInvalidWaitlistOrder):
		return "invalid_waitlist_order"
	case errors.Is(err, store.ErrPropertyNotFound):
		return "property_not_found"
	case errors.Is(err, store.ErrReservationNotFound):
		return "reservation_not_found"
	case errors.Is(err, store.ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, store.ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}

// markFeePaid sets the fee flag and stamps today's date when the flag flips.
func markFeePaid(r *models.Reservation, now time.Time) {
	if !r.ReservationFeePaid || r.ReservationFeePaidDate == nil {
		today := dateOnly(now)
		r.ReservationFeePaidDate = &today
	}
	r.ReservationFeePaid = true
}

// applyFeePayment requires the fee flag on the transition itself. A flag set
// earlier through an update does not stand in for it.
func applyFeePayment(r *models.Reservation, change StatusChange, now time.Time) error {
	if change.ReservationFeePaid == nil || !*change.ReservationFeePaid {
		return store.Precondition("reservation_fee_paid", "must be true to reserve")
	}
	markFeePaid(r, now)
	return nil
}

func applyNotaryAppointment(r *models.Reservation, change StatusChange, now time.Time) error {
	date := r.NotaryAppointmentDate
	if change.NotaryAppointmentDate != nil {
		d := dateOnly(*change.NotaryAppointmentDate)
		date = &d
	}
	if date == nil {
		return store.Precondition("notary_appointment_date", "is required")
	}
	clock := r.NotaryAppointmentTime
	if change.NotaryAppointmentTime != nil {
		normalized, err := normalizeClock(*change.NotaryAppointmentTime)
		if err != nil {
			return err
		}
		clock = &normalized
	}
	if clock == nil || *clock == "" {
		return store.Precondition("notary_appointment_time", "is required")
	}
	at, err := appointmentAt(*date, *clock)
	if err != nil {
		return err
	}
	if !at.After(now) {
		return store.Precondition("notary_appointment_date", "must be in the future")
	}
	r.NotaryAppointmentDate = date
	r.NotaryAppointmentTime = clock
	if change.NotaryLocation != nil {
		r.NotaryLocation = strings.TrimSpace(*change.NotaryLocation)
	}
	return nil
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
