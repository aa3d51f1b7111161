// Package memory is an in-process implementation of the reservation store.
// It serves local development (STORE_DRIVER=memory) and the service tests,
// and enforces the same constraints the Postgres schema does.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/store"
)

type Store struct {
	mu            sync.RWMutex
	claimMu       sync.Mutex
	propertyLocks map[string]*sync.Mutex
	properties    map[string]models.Property
	reservations  map[string]models.Reservation
	order         []string
	history       map[string][]models.HistoryEntry
	outbox        []store.OutboxEvent
	sessions      map[string]store.Session
	teams         map[string][]string
}

func New() *Store {
	return &Store{
		propertyLocks: make(map[string]*sync.Mutex),
		properties:    make(map[string]models.Property),
		reservations:  make(map[string]models.Reservation),
		history:       make(map[string][]models.HistoryEntry),
		sessions:      make(map[string]store.Session),
		teams:         make(map[string][]string),
	}
}

func (s *Store) AddProperty(property models.Property) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if property.UpdatedAt.IsZero() {
		property.UpdatedAt = time.Now().UTC()
	}
	s.properties[property.PropertyID] = property
}

func (s *Store) AddSession(session store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
}

func (s *Store) AddTeamMember(tenantID, managerID, memberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "|" + managerID
	s.teams[key] = append(s.teams[key], memberID)
}

func (s *Store) lockFor(propertyID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.propertyLocks[propertyID]
	if !ok {
		lock = &sync.Mutex{}
		s.propertyLocks[propertyID] = lock
	}
	return lock
}

func (s *Store) WithinProperty(ctx context.Context, tenantID, propertyID string, fn func(ctx context.Context, tx store.PropertyTx) error) error {
	lock := s.lockFor(propertyID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	property, ok := s.properties[propertyID]
	s.mu.RUnlock()
	if !ok || property.TenantID != tenantID {
		return store.ErrPropertyNotFound
	}

	tx := &propertyTx{
		store:    s,
		property: property,
		staged:   make(map[string]models.Reservation),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *propertyTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	positions := make(map[int]string)
	for _, r := range tx.mergedLocked() {
		if r.IsActive {
			active++
			if r.WaitlistPosition != nil {
				return fmt.Errorf("%w: active reservation %s holds a waitlist position", store.ErrConcurrentModification, r.ReservationID)
			}
		}
		if r.WaitlistPosition == nil {
			continue
		}
		pos := *r.WaitlistPosition
		if pos < 1 {
			return fmt.Errorf("%w: waitlist position %d out of range", store.ErrConcurrentModification, pos)
		}
		if other, dup := positions[pos]; dup {
			return fmt.Errorf("%w: waitlist position %d held by %s and %s", store.ErrConcurrentModification, pos, other, r.ReservationID)
		}
		positions[pos] = r.ReservationID
	}
	if active > 1 {
		return fmt.Errorf("%w: %d active reservations for property %s", store.ErrConcurrentModification, active, tx.property.PropertyID)
	}

	for _, id := range tx.inserted {
		s.order = append(s.order, id)
	}
	for id, r := range tx.staged {
		s.reservations[id] = cloneReservation(r)
	}
	for _, entry := range tx.history {
		s.history[entry.ReservationID] = append(s.history[entry.ReservationID], entry)
	}
	s.outbox = append(s.outbox, tx.outbox...)
	if tx.propertyChanged {
		s.properties[tx.property.PropertyID] = tx.property
	}
	return nil
}

func (s *Store) FindPropertyID(ctx context.Context, tenantID, reservationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[reservationID]
	if !ok || r.TenantID != tenantID {
		return "", store.ErrReservationNotFound
	}
	return r.PropertyID, nil
}

func (s *Store) GetProperty(ctx context.Context, tenantID, propertyID string) (models.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	property, ok := s.properties[propertyID]
	if !ok || property.TenantID != tenantID {
		return models.Property{}, store.ErrPropertyNotFound
	}
	return property, nil
}

func (s *Store) GetReservation(ctx context.Context, tenantID, reservationID string) (models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[reservationID]
	if !ok || r.TenantID != tenantID {
		return models.Reservation{}, store.ErrReservationNotFound
	}
	return cloneReservation(r), nil
}

func (s *Store) GetActiveReservation(ctx context.Context, tenantID, propertyID string) (models.Reservation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		r := s.reservations[id]
		if r.TenantID == tenantID && r.PropertyID == propertyID && r.IsActive {
			return cloneReservation(r), true, nil
		}
	}
	return models.Reservation{}, false, nil
}

func (s *Store) ListWaitlist(ctx context.Context, tenantID, propertyID string) ([]models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var waitlist []models.Reservation
	for _, id := range s.order {
		r := s.reservations[id]
		if r.TenantID == tenantID && r.PropertyID == propertyID && r.Waitlisted() {
			waitlist = append(waitlist, cloneReservation(r))
		}
	}
	sortByPosition(waitlist)
	return waitlist, nil
}

func (s *Store) ListReservations(ctx context.Context, filter store.ListFilter) ([]models.Reservation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var allowed map[string]bool
	if filter.UserIDs != nil {
		allowed = make(map[string]bool, len(filter.UserIDs))
		for _, id := range filter.UserIDs {
			allowed[id] = true
		}
	}

	var matched []models.Reservation
	for _, id := range s.order {
		r := s.reservations[id]
		if r.TenantID != filter.TenantID {
			continue
		}
		if filter.PropertyID != "" && r.PropertyID != filter.PropertyID {
			continue
		}
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.IsActive != nil && r.IsActive != *filter.IsActive {
			continue
		}
		if allowed != nil && !allowed[r.UserID] {
			continue
		}
		matched = append(matched, cloneReservation(r))
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.IsActive != b.IsActive {
			return a.IsActive
		}
		if (a.WaitlistPosition == nil) != (b.WaitlistPosition == nil) {
			return a.WaitlistPosition == nil
		}
		if a.WaitlistPosition != nil && *a.WaitlistPosition != *b.WaitlistPosition {
			return *a.WaitlistPosition < *b.WaitlistPosition
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *Store) ListHistory(ctx context.Context, tenantID, reservationID string) ([]models.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []models.HistoryEntry
	for _, entry := range s.history[reservationID] {
		if entry.TenantID == tenantID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *Store) ListPendingOutbox(ctx context.Context, limit int) ([]store.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if event.PublishedAt != nil {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

// ClaimOutbox serializes claims, so a second relay waits and then sees only
// what the first one left pending.
func (s *Store) ClaimOutbox(ctx context.Context, limit int, deliver store.OutboxDelivery) (int, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	events, err := s.ListPendingOutbox(ctx, limit)
	if err != nil || len(events) == 0 {
		return 0, err
	}
	delivered, publishedAt := deliver(ctx, events)
	s.markPublished(delivered, publishedAt)
	return len(delivered), nil
}

func (s *Store) markPublished(eventIDs []string, publishedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		ids[id] = true
	}
	for i := range s.outbox {
		if ids[s.outbox[i].EventID] && s.outbox[i].PublishedAt == nil {
			at := publishedAt
			s.outbox[i].PublishedAt = &at
		}
	}
}

// Outbox returns every outbox event recorded so far, published or not.
func (s *Store) Outbox() []store.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]store.OutboxEvent, len(s.outbox))
	copy(events, s.outbox)
	return events
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok || (!session.ExpiresAt.IsZero() && session.ExpiresAt.Before(time.Now())) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) ListTeamMembers(ctx context.Context, tenantID, managerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.teams[tenantID+"|"+managerID]
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

func sortByPosition(list []models.Reservation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Position() < list[j].Position()
	})
}

func cloneReservation(r models.Reservation) models.Reservation {
	if r.ReservationFeePaidDate != nil {
		v := *r.ReservationFeePaidDate
		r.ReservationFeePaidDate = &v
	}
	if r.NotaryAppointmentDate != nil {
		v := *r.NotaryAppointmentDate
		r.NotaryAppointmentDate = &v
	}
	if r.NotaryAppointmentTime != nil {
		v := *r.NotaryAppointmentTime
		r.NotaryAppointmentTime = &v
	}
	if r.WaitlistPosition != nil {
		v := *r.WaitlistPosition
		r.WaitlistPosition = &v
	}
	if r.CancelledAt != nil {
		v := *r.CancelledAt
		r.CancelledAt = &v
	}
	return r
}
