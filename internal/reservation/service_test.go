package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/store"
	"exposehub/reservation-service/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tenantID   = "tenant-1"
	propertyID = "prop-1"
)

var (
	salesA   = models.Actor{UserID: "sales-a", TenantID: tenantID, Role: models.RoleSalesPerson}
	salesB   = models.Actor{UserID: "sales-b", TenantID: tenantID, Role: models.RoleSalesPerson}
	manager  = models.Actor{UserID: "pm-1", TenantID: tenantID, Role: models.RolePropertyManager}
	admin    = models.Actor{UserID: "admin-1", TenantID: tenantID, Role: models.RoleTenantAdmin}
	location = models.Actor{UserID: "lm-1", TenantID: tenantID, Role: models.RoleLocationManager, TeamMemberIDs: []string{"sales-a"}}
)

type fixture struct {
	ctx context.Context
	st  *memory.Store
	svc *Service
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx: context.Background(),
		st:  memory.New(),
		now: time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC),
	}
	f.st.AddProperty(models.Property{PropertyID: propertyID, TenantID: tenantID, Name: "Loft", Status: models.StatusAvailable})
	f.svc = NewService(f.st, Options{Clock: func() time.Time { return f.now }})
	return f
}

func (f *fixture) create(t *testing.T, actor models.Actor, customer string) models.Reservation {
	t.Helper()
	r, err := f.svc.CreateReservation(f.ctx, actor, propertyID, CreateInput{CustomerName: customer, AcceptWaitlist: true})
	require.NoError(t, err)
	return r
}

func (f *fixture) reload(t *testing.T, id string) models.Reservation {
	t.Helper()
	r, err := f.st.GetReservation(f.ctx, tenantID, id)
	require.NoError(t, err)
	return r
}

func (f *fixture) propertyStatus(t *testing.T) models.Status {
	t.Helper()
	property, err := f.st.GetProperty(f.ctx, tenantID, propertyID)
	require.NoError(t, err)
	return property.Status
}

func (f *fixture) history(t *testing.T, id string) []models.HistoryEntry {
	t.Helper()
	entries, err := f.st.ListHistory(f.ctx, tenantID, id)
	require.NoError(t, err)
	return entries
}

func (f *fixture) advance(t *testing.T, id string, statuses ...models.Status) {
	t.Helper()
	for _, status := range statuses {
		change := StatusChange{To: status}
		switch status {
		case models.StatusReserved:
			change.ReservationFeePaid = boolPtr(true)
		case models.StatusNotaryAppointment:
			date := f.now.AddDate(0, 0, 7)
			change.NotaryAppointmentDate = &date
			change.NotaryAppointmentTime = strPtr("10:00")
		}
		_, err := f.svc.ChangeStatus(f.ctx, manager, id, change)
		require.NoError(t, err)
	}
}

// assertInvariants checks the one-active rule, dense waitlist positions, the
// property mirror and every reservation's history chain.
func (f *fixture) assertInvariants(t *testing.T) {
	t.Helper()
	all, _, err := f.st.ListReservations(f.ctx, store.ListFilter{TenantID: tenantID, PropertyID: propertyID, Limit: 1000})
	require.NoError(t, err)

	var active []models.Reservation
	var waitlist []models.Reservation
	for _, r := range all {
		if r.IsActive {
			active = append(active, r)
			assert.Nil(t, r.WaitlistPosition, "active reservation %s holds a position", r.ReservationID)
		}
		if r.Waitlisted() {
			waitlist = append(waitlist, r)
		}
		if r.Status.Terminal() && r.Status != models.StatusSold {
			assert.Nil(t, r.WaitlistPosition)
			assert.False(t, r.IsActive)
		}
		if r.Status == models.StatusReserved {
			assert.True(t, r.ReservationFeePaid)
			assert.NotNil(t, r.ReservationFeePaidDate)
		}

		status, err := store.ReplayHistory(f.history(t, r.ReservationID))
		require.NoError(t, err)
		assert.Equal(t, r.Status, status, "history of %s ends elsewhere", r.ReservationID)
	}
	require.LessOrEqual(t, len(active), 1)
	assert.True(t, DensePositions(waitlist), "waitlist positions are not dense")

	if len(active) == 1 {
		assert.Equal(t, active[0].Status, f.propertyStatus(t))
	} else if f.propertyStatus(t) != models.StatusSold {
		assert.Equal(t, models.StatusAvailable, f.propertyStatus(t))
	}
}

func TestScenarioCreateActive(t *testing.T) {
	f := newFixture(t)

	r1 := f.create(t, salesA, "Jane Doe")

	assert.Equal(t, models.StatusRequested, r1.Status)
	assert.True(t, r1.IsActive)
	assert.Nil(t, r1.WaitlistPosition)
	assert.Equal(t, models.StatusRequested, f.propertyStatus(t))
	assert.Len(t, f.history(t, r1.ReservationID), 1)
	f.assertInvariants(t)
}

func TestScenarioCreateWaitlisted(t *testing.T) {
	f := newFixture(t)
	f.create(t, salesA, "Jane Doe")

	r2 := f.create(t, salesB, "John Roe")

	assert.False(t, r2.IsActive)
	require.NotNil(t, r2.WaitlistPosition)
	assert.Equal(t, 1, *r2.WaitlistPosition)
	assert.Equal(t, models.StatusRequested, f.propertyStatus(t))
	f.assertInvariants(t)
}

func TestScenarioReserveWithoutFee(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "Jane Doe")

	_, err := f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{To: models.StatusReserved})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)

	_, err = f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{To: models.StatusReserved, ReservationFeePaid: boolPtr(false)})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)

	after := f.reload(t, r1.ReservationID)
	assert.Equal(t, models.StatusRequested, after.Status)
	assert.False(t, after.ReservationFeePaid)
	assert.Len(t, f.history(t, r1.ReservationID), 1)
	f.assertInvariants(t)
}

func TestScenarioReserveWithFee(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "Jane Doe")

	r1, err := f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{To: models.StatusReserved, ReservationFeePaid: boolPtr(true)})
	require.NoError(t, err)

	assert.Equal(t, models.StatusReserved, r1.Status)
	assert.True(t, r1.ReservationFeePaid)
	require.NotNil(t, r1.ReservationFeePaidDate)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), *r1.ReservationFeePaidDate)
	assert.Equal(t, models.StatusReserved, f.propertyStatus(t))

	entries := f.history(t, r1.ReservationID)
	require.Len(t, entries, 2)
	require.NotNil(t, entries[1].FromStatus)
	assert.Equal(t, models.StatusRequested, *entries[1].FromStatus)
	assert.Equal(t, models.StatusReserved, entries[1].ToStatus)
	assert.Equal(t, manager.UserID, entries[1].ChangedBy)
	f.assertInvariants(t)
}

func TestScenarioCancelActivePromotesHead(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "Jane Doe")
	r2 := f.create(t, salesB, "John Roe")
	f.advance(t, r1.ReservationID, models.StatusReserved)

	cancelled, err := f.svc.CancelReservation(f.ctx, manager, r1.ReservationID, "financing fell through")
	require.NoError(t, err)

	assert.Equal(t, models.StatusAvailable, cancelled.Status)
	assert.False(t, cancelled.IsActive)
	assert.Equal(t, "financing fell through", cancelled.CancellationReason)
	require.NotNil(t, cancelled.CancelledAt)

	promoted := f.reload(t, r2.ReservationID)
	assert.True(t, promoted.IsActive)
	assert.Nil(t, promoted.WaitlistPosition)
	assert.Equal(t, models.StatusRequested, promoted.Status)
	assert.Equal(t, models.StatusRequested, f.propertyStatus(t))
	f.assertInvariants(t)
}

func TestScenarioNotaryDateInPast(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "Jane Doe")
	f.advance(t, r1.ReservationID, models.StatusReserved, models.StatusNotaryPreparation)

	yesterday := f.now.AddDate(0, 0, -1)
	_, err := f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{
		To:                    models.StatusNotaryAppointment,
		NotaryAppointmentDate: &yesterday,
		NotaryAppointmentTime: strPtr("10:00"),
	})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)

	after := f.reload(t, r1.ReservationID)
	assert.Equal(t, models.StatusNotaryPreparation, after.Status)
	assert.Nil(t, after.NotaryAppointmentDate)
	assert.Len(t, f.history(t, r1.ReservationID), 3)
}

func TestScenarioSalesPersonCannotChangeStatus(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "Jane Doe")

	_, err := f.svc.ChangeStatus(f.ctx, salesA, r1.ReservationID, StatusChange{To: models.StatusReserved, ReservationFeePaid: boolPtr(true)})
	require.ErrorIs(t, err, store.ErrPermissionDenied)

	var denied *store.PermissionDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, string(CapManageStatus), denied.Capability)
	assert.Equal(t, models.RoleSalesPerson, denied.Role)

	assert.Equal(t, models.StatusRequested, f.reload(t, r1.ReservationID).Status)
	assert.Len(t, f.history(t, r1.ReservationID), 1)

	_, err = f.svc.ChangeStatus(f.ctx, location, r1.ReservationID, StatusChange{To: models.StatusReserved, ReservationFeePaid: boolPtr(true)})
	require.ErrorIs(t, err, store.ErrPermissionDenied)
}

func TestNotaryAppointmentRequiresDateAndTime(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "Jane Doe")
	f.advance(t, r1.ReservationID, models.StatusReserved, models.StatusNotaryPreparation)

	nextWeek := f.now.AddDate(0, 0, 7)
	_, err := f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{To: models.StatusNotaryAppointment, NotaryAppointmentDate: &nextWeek})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)

	_, err = f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{To: models.StatusNotaryAppointment, NotaryAppointmentTime: strPtr("10:00")})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)

	r1, err = f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{
		To:                    models.StatusNotaryAppointment,
		NotaryAppointmentDate: &nextWeek,
		NotaryAppointmentTime: strPtr("14:30:00"),
		NotaryLocation:        strPtr("Notariat Mitte"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotaryAppointment, r1.Status)
	require.NotNil(t, r1.NotaryAppointmentDate)
	require.NotNil(t, r1.NotaryAppointmentTime)
	assert.True(t, r1.NotaryAppointmentDate.After(f.now))
	assert.Equal(t, "14:30", *r1.NotaryAppointmentTime)
	assert.Equal(t, "Notariat Mitte", r1.NotaryLocation)
	assert.Equal(t, models.StatusNotaryAppointment, f.propertyStatus(t))
	f.assertInvariants(t)
}

func TestNotaryAppointmentEarlierToday(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "Jane Doe")
	f.advance(t, r1.ReservationID, models.StatusReserved, models.StatusNotaryPreparation)

	today := f.now
	_, err := f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{
		To:                    models.StatusNotaryAppointment,
		NotaryAppointmentDate: &today,
		NotaryAppointmentTime: strPtr("08:00"),
	})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "Jane Doe")

	_, err := f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{To: models.StatusNotaryPreparation})
	require.ErrorIs(t, err, store.ErrInvalidTransition)
	var invalid *store.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	require.NotNil(t, invalid.From)
	assert.Equal(t, models.StatusRequested, *invalid.From)
	assert.Equal(t, models.StatusNotaryPreparation, invalid.To)

	_, err = f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{To: models.StatusRequested})
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{To: models.Status(3)})
	require.ErrorIs(t, err, store.ErrInvalidTransition)
	require.True(t, errors.As(err, &invalid))
	require.NotNil(t, invalid.From)
	assert.Equal(t, models.StatusRequested, *invalid.From)
	assert.Equal(t, models.Status(3), invalid.To)
	assert.Len(t, f.history(t, r1.ReservationID), 1)
}

func TestSoldIsTerminalAndClosesWaitlist(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "Jane Doe")
	r2 := f.create(t, salesB, "John Roe")
	r3 := f.create(t, salesB, "Max Mustermann")
	f.advance(t, r1.ReservationID, models.StatusReserved, models.StatusNotaryPreparation, models.StatusNotaryAppointment, models.StatusSold)

	assert.Equal(t, models.StatusSold, f.reload(t, r1.ReservationID).Status)
	assert.Equal(t, models.StatusSold, f.propertyStatus(t))
	for _, id := range []string{r2.ReservationID, r3.ReservationID} {
		closed := f.reload(t, id)
		assert.Equal(t, models.StatusAvailable, closed.Status)
		assert.Equal(t, soldCancellationReason, closed.CancellationReason)
		assert.Nil(t, closed.WaitlistPosition)
	}

	_, err := f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{To: models.StatusReserved})
	require.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = f.svc.CancelReservation(f.ctx, manager, r1.ReservationID, "too late")
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = f.svc.CreateReservation(f.ctx, salesA, propertyID, CreateInput{CustomerName: "Late", AcceptWaitlist: true})
	require.ErrorIs(t, err, store.ErrPermissionDenied)
	_, err = f.svc.CreateReservation(f.ctx, manager, propertyID, CreateInput{CustomerName: "Late", AcceptWaitlist: true})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)
	f.assertInvariants(t)
}

func TestLaterStagesRequireActiveReservation(t *testing.T) {
	f := newFixture(t)
	f.create(t, salesA, "Jane Doe")
	r2 := f.create(t, salesB, "John Roe")

	r2, err := f.svc.ChangeStatus(f.ctx, manager, r2.ReservationID, StatusChange{To: models.StatusReserved, ReservationFeePaid: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, models.StatusReserved, r2.Status)
	assert.False(t, r2.IsActive)
	assert.Equal(t, models.StatusRequested, f.propertyStatus(t))

	_, err = f.svc.ChangeStatus(f.ctx, manager, r2.ReservationID, StatusChange{To: models.StatusNotaryPreparation})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)
	f.assertInvariants(t)
}

func TestCancelActiveWithEmptyWaitlist(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "Jane Doe")
	f.advance(t, r1.ReservationID, models.StatusReserved, models.StatusNotaryPreparation)

	_, err := f.svc.CancelReservation(f.ctx, admin, r1.ReservationID, "")
	require.NoError(t, err)

	_, found, err := f.svc.GetActiveReservation(f.ctx, manager, propertyID)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, models.StatusAvailable, f.propertyStatus(t))
	f.assertInvariants(t)
}

func TestCancelActiveShiftsWaitlist(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "A")
	var waiting []models.Reservation
	for i := 0; i < 4; i++ {
		waiting = append(waiting, f.create(t, salesB, fmt.Sprintf("W%d", i+1)))
	}
	f.advance(t, waiting[0].ReservationID, models.StatusReserved)

	_, err := f.svc.CancelReservation(f.ctx, manager, r1.ReservationID, "withdrawn")
	require.NoError(t, err)

	head := f.reload(t, waiting[0].ReservationID)
	assert.True(t, head.IsActive)
	assert.Equal(t, models.StatusReserved, head.Status)
	assert.Equal(t, models.StatusReserved, f.propertyStatus(t))

	waitlist, err := f.svc.GetWaitlist(f.ctx, manager, propertyID)
	require.NoError(t, err)
	require.Len(t, waitlist, 3)
	for i, r := range waitlist {
		assert.Equal(t, waiting[i+1].ReservationID, r.ReservationID)
		assert.Equal(t, i+1, r.Position())
	}

	entries := f.history(t, head.ReservationID)
	last := entries[len(entries)-1]
	assert.Equal(t, models.StatusReserved, last.ToStatus)
	assert.Contains(t, last.Notes, "promoted")
	f.assertInvariants(t)
}

func TestCancelWaitlistedClosesGap(t *testing.T) {
	f := newFixture(t)
	f.create(t, salesA, "A")
	w1 := f.create(t, salesB, "W1")
	w2 := f.create(t, salesB, "W2")
	w3 := f.create(t, salesB, "W3")

	_, err := f.svc.CancelReservation(f.ctx, salesB, w2.ReservationID, "changed mind")
	require.NoError(t, err)

	assert.Equal(t, 1, f.reload(t, w1.ReservationID).Position())
	assert.Equal(t, 2, f.reload(t, w3.ReservationID).Position())
	assert.Equal(t, models.StatusRequested, f.propertyStatus(t))
	f.assertInvariants(t)
}

func TestCancelPermissions(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "A")

	_, err := f.svc.CancelReservation(f.ctx, salesB, r1.ReservationID, "not mine")
	require.ErrorIs(t, err, store.ErrPermissionDenied)
	_, err = f.svc.CancelReservation(f.ctx, location, r1.ReservationID, "team")
	require.ErrorIs(t, err, store.ErrPermissionDenied)
	assert.Len(t, f.history(t, r1.ReservationID), 1)

	cancelled, err := f.svc.ChangeStatus(f.ctx, salesA, r1.ReservationID, StatusChange{To: models.StatusAvailable, Notes: "own"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, cancelled.Status)
	assert.Equal(t, "own", cancelled.CancellationReason)
	f.assertInvariants(t)
}

func TestPromoteFromWaitlist(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "A")
	w1 := f.create(t, salesB, "W1")
	w2 := f.create(t, salesB, "W2")
	w3 := f.create(t, salesB, "W3")
	f.advance(t, r1.ReservationID, models.StatusReserved)

	promoted, err := f.svc.PromoteFromWaitlist(f.ctx, manager, propertyID, w2.ReservationID, "paid first")
	require.NoError(t, err)
	assert.True(t, promoted.IsActive)
	assert.Nil(t, promoted.WaitlistPosition)
	assert.Equal(t, models.StatusRequested, promoted.Status)

	demoted := f.reload(t, r1.ReservationID)
	assert.False(t, demoted.IsActive)
	assert.Equal(t, 1, demoted.Position())
	assert.Equal(t, models.StatusReserved, demoted.Status)
	assert.Equal(t, 2, f.reload(t, w1.ReservationID).Position())
	assert.Equal(t, 3, f.reload(t, w3.ReservationID).Position())
	assert.Equal(t, models.StatusRequested, f.propertyStatus(t))

	assert.Len(t, f.history(t, w2.ReservationID), 2)
	assert.Len(t, f.history(t, r1.ReservationID), 3)
	f.assertInvariants(t)
}

func TestPromoteResolvesPropertyAndRejects(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "A")
	w1 := f.create(t, salesB, "W1")

	_, err := f.svc.PromoteFromWaitlist(f.ctx, salesB, "", w1.ReservationID, "")
	require.ErrorIs(t, err, store.ErrPermissionDenied)

	_, err = f.svc.PromoteFromWaitlist(f.ctx, manager, "", r1.ReservationID, "")
	require.ErrorIs(t, err, store.ErrPreconditionFailed)

	_, err = f.svc.PromoteFromWaitlist(f.ctx, manager, "", "missing", "")
	require.ErrorIs(t, err, store.ErrReservationNotFound)

	_, err = f.svc.PromoteFromWaitlist(f.ctx, admin, "", w1.ReservationID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.reload(t, r1.ReservationID).Position())
	f.assertInvariants(t)
}

func TestReorderWaitlist(t *testing.T) {
	f := newFixture(t)
	f.create(t, salesA, "A")
	w1 := f.create(t, salesB, "W1")
	w2 := f.create(t, salesB, "W2")
	w3 := f.create(t, salesB, "W3")

	ordered, err := f.svc.ReorderWaitlist(f.ctx, manager, propertyID, []string{w3.ReservationID, w1.ReservationID, w2.ReservationID})
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	assert.Equal(t, w3.ReservationID, ordered[0].ReservationID)
	assert.Equal(t, 1, f.reload(t, w3.ReservationID).Position())
	assert.Equal(t, 2, f.reload(t, w1.ReservationID).Position())
	assert.Equal(t, 3, f.reload(t, w2.ReservationID).Position())
	f.assertInvariants(t)

	cases := [][]string{
		{w1.ReservationID, w2.ReservationID},
		{w1.ReservationID, w2.ReservationID, w2.ReservationID},
		{w1.ReservationID, w2.ReservationID, "stranger"},
	}
	for _, ids := range cases {
		_, err := f.svc.ReorderWaitlist(f.ctx, admin, propertyID, ids)
		require.ErrorIs(t, err, store.ErrInvalidWaitlistOrder)
	}
	assert.Equal(t, 1, f.reload(t, w3.ReservationID).Position())

	_, err = f.svc.ReorderWaitlist(f.ctx, salesA, propertyID, []string{w1.ReservationID, w2.ReservationID, w3.ReservationID})
	require.ErrorIs(t, err, store.ErrPermissionDenied)
}

func TestCreateRequiresWaitlistConsent(t *testing.T) {
	f := newFixture(t)
	f.create(t, salesA, "A")

	_, err := f.svc.CreateReservation(f.ctx, salesB, propertyID, CreateInput{CustomerName: "B"})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)

	_, err = f.svc.CreateReservation(f.ctx, location, propertyID, CreateInput{CustomerName: "C", AcceptWaitlist: true})
	require.ErrorIs(t, err, store.ErrPermissionDenied)

	_, err = f.svc.CreateReservation(f.ctx, salesB, propertyID, CreateInput{CustomerName: "  ", AcceptWaitlist: true})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = f.svc.CreateReservation(f.ctx, salesB, "missing", CreateInput{CustomerName: "D"})
	require.ErrorIs(t, err, store.ErrPropertyNotFound)

	other := models.Actor{UserID: "x", TenantID: "tenant-2", Role: models.RoleTenantAdmin}
	_, err = f.svc.CreateReservation(f.ctx, other, propertyID, CreateInput{CustomerName: "E"})
	require.ErrorIs(t, err, store.ErrPropertyNotFound)
	f.assertInvariants(t)
}

func TestCreateFinancialTerms(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateReservation(f.ctx, salesA, propertyID, CreateInput{
		CustomerName:          "A",
		AdjustedPurchasePrice: decimal.NewNullDecimal(decimal.RequireFromString("250000.00")),
	})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)

	_, err = f.svc.CreateReservation(f.ctx, salesA, propertyID, CreateInput{
		CustomerName:     "A",
		EquityPercentage: decimal.NewNullDecimal(decimal.NewFromInt(120)),
	})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	r, err := f.svc.CreateReservation(f.ctx, salesA, propertyID, CreateInput{
		CustomerName:          "A",
		EquityAmount:          decimal.NewNullDecimal(decimal.RequireFromString("50000.00")),
		EquityPercentage:      decimal.NewNullDecimal(decimal.RequireFromString("20")),
		Is9010Deal:            true,
		AdjustedPurchasePrice: decimal.NewNullDecimal(decimal.RequireFromString("250000.00")),
	})
	require.NoError(t, err)
	assert.True(t, r.Is9010Deal)
	assert.Equal(t, "250000", r.AdjustedPurchasePrice.Decimal.String())
	assert.False(t, r.ReservationFeePaid)
}

func TestUpdateReservation(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "Jane Doe")

	updated, err := f.svc.UpdateReservation(f.ctx, salesA, r1.ReservationID, UpdateInput{
		CustomerEmail: strPtr("jane@example.com"),
		Notes:         strPtr("prefers mornings"),
	})
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", updated.CustomerEmail)
	assert.Equal(t, salesA.UserID, updated.UpdatedBy)

	_, err = f.svc.UpdateReservation(f.ctx, salesA, r1.ReservationID, UpdateInput{ReservationFeePaid: boolPtr(true)})
	require.ErrorIs(t, err, store.ErrPermissionDenied)

	_, err = f.svc.UpdateReservation(f.ctx, salesB, r1.ReservationID, UpdateInput{Notes: strPtr("x")})
	require.ErrorIs(t, err, store.ErrReservationNotFound)

	_, err = f.svc.UpdateReservation(f.ctx, location, r1.ReservationID, UpdateInput{Notes: strPtr("x")})
	require.ErrorIs(t, err, store.ErrPermissionDenied)

	_, err = f.svc.UpdateReservation(f.ctx, manager, r1.ReservationID, UpdateInput{AdjustedPurchasePrice: &decimal.NullDecimal{Decimal: decimal.NewFromInt(1), Valid: true}})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)

	paid, err := f.svc.UpdateReservation(f.ctx, manager, r1.ReservationID, UpdateInput{ReservationFeePaid: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, paid.ReservationFeePaid)
	require.NotNil(t, paid.ReservationFeePaidDate)

	f.now = f.now.AddDate(0, 0, 2)
	_, err = f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{To: models.StatusReserved})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)

	reserved, err := f.svc.ChangeStatus(f.ctx, manager, r1.ReservationID, StatusChange{To: models.StatusReserved, ReservationFeePaid: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, *paid.ReservationFeePaidDate, *reserved.ReservationFeePaidDate)

	_, err = f.svc.UpdateReservation(f.ctx, manager, r1.ReservationID, UpdateInput{ReservationFeePaid: boolPtr(false)})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)

	assert.Len(t, f.history(t, r1.ReservationID), 2)
	f.assertInvariants(t)
}

func TestVisibility(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "A")
	r2 := f.create(t, salesB, "B")

	_, err := f.svc.GetReservation(f.ctx, salesB, r1.ReservationID)
	require.ErrorIs(t, err, store.ErrReservationNotFound)
	_, err = f.svc.GetStatusHistory(f.ctx, salesB, r1.ReservationID)
	require.ErrorIs(t, err, store.ErrReservationNotFound)

	_, err = f.svc.GetReservation(f.ctx, location, r1.ReservationID)
	require.NoError(t, err)
	_, err = f.svc.GetReservation(f.ctx, location, r2.ReservationID)
	require.ErrorIs(t, err, store.ErrReservationNotFound)

	_, found, err := f.svc.GetActiveReservation(f.ctx, salesB, propertyID)
	require.NoError(t, err)
	assert.False(t, found)
	active, found, err := f.svc.GetActiveReservation(f.ctx, salesA, propertyID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, r1.ReservationID, active.ReservationID)

	_, _, err = f.svc.GetActiveReservation(f.ctx, manager, "missing")
	require.ErrorIs(t, err, store.ErrPropertyNotFound)

	waitlist, err := f.svc.GetWaitlist(f.ctx, salesA, propertyID)
	require.NoError(t, err)
	assert.Empty(t, waitlist)

	list, total, err := f.svc.ListReservations(f.ctx, salesB, ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, r2.ReservationID, list[0].ReservationID)

	list, total, err = f.svc.ListReservations(f.ctx, manager, ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, r1.ReservationID, list[0].ReservationID)

	list, total, err = f.svc.ListReservations(f.ctx, location, ListQuery{UserID: "sales-b"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, list)

	history, err := f.svc.GetStatusHistory(f.ctx, manager, r1.ReservationID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestOutboxEvents(t *testing.T) {
	f := newFixture(t)
	r1 := f.create(t, salesA, "A")
	f.create(t, salesB, "B")
	_, err := f.svc.CancelReservation(f.ctx, manager, r1.ReservationID, "gone")
	require.NoError(t, err)

	var types []string
	for _, event := range f.st.Outbox() {
		types = append(types, event.Type)
		assert.Equal(t, tenantID, event.TenantID)
		assert.Equal(t, propertyID, event.PropertyID)
	}
	assert.Equal(t, []string{
		store.EventReservationCreated,
		store.EventReservationCreated,
		store.EventReservationCancelled,
		store.EventReservationPromoted,
	}, types)
}

func TestConcurrentCreatesKeepInvariants(t *testing.T) {
	f := newFixture(t)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			actor := salesA
			if n%2 == 1 {
				actor = manager
			}
			_, err := f.svc.CreateReservation(f.ctx, actor, propertyID, CreateInput{CustomerName: fmt.Sprintf("C%d", n), AcceptWaitlist: true})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	waitlist, err := f.st.ListWaitlist(f.ctx, tenantID, propertyID)
	require.NoError(t, err)
	assert.Len(t, waitlist, workers-1)
	f.assertInvariants(t)
}

type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) WithinProperty(ctx context.Context, tenantID, propertyID string, fn func(ctx context.Context, tx store.PropertyTx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("commit: %w", store.ErrConcurrentModification)
	}
	return s.Store.WithinProperty(ctx, tenantID, propertyID, fn)
}

func TestConflictsAreRetried(t *testing.T) {
	base := memory.New()
	base.AddProperty(models.Property{PropertyID: propertyID, TenantID: tenantID, Status: models.StatusAvailable})
	flaky := &flakyStore{Store: base, failures: 2}
	svc := NewService(flaky, Options{MaxRetries: 3})

	r, err := svc.CreateReservation(context.Background(), salesA, propertyID, CreateInput{CustomerName: "A"})
	require.NoError(t, err)
	assert.True(t, r.IsActive)
	assert.Equal(t, 3, flaky.calls)

	exhausted := &flakyStore{Store: base, failures: 10}
	svc = NewService(exhausted, Options{MaxRetries: 2})
	_, err = svc.CreateReservation(context.Background(), salesA, propertyID, CreateInput{CustomerName: "B", AcceptWaitlist: true})
	require.ErrorIs(t, err, store.ErrConcurrentModification)
	assert.Equal(t, 3, exhausted.calls)

	permanent := &flakyStore{Store: base}
	svc = NewService(permanent, Options{MaxRetries: 5})
	_, err = svc.CreateReservation(context.Background(), salesA, propertyID, CreateInput{CustomerName: "C"})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)
	assert.Equal(t, 1, permanent.calls)
}

func boolPtr(v bool) *bool {
	return &v
}

func strPtr(v string) *string {
	return &v
}
