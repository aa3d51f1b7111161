package reservation

import (
	"testing"

	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitlisted(id string, position int) models.Reservation {
	return models.Reservation{ReservationID: id, Status: models.StatusRequested, WaitlistPosition: &position}
}

func TestNextPosition(t *testing.T) {
	assert.Equal(t, 1, nextPosition(nil))
	assert.Equal(t, 4, nextPosition([]models.Reservation{waitlisted("a", 1), waitlisted("b", 3), waitlisted("c", 2)}))
}

func TestOrderByIDs(t *testing.T) {
	list := []models.Reservation{waitlisted("a", 1), waitlisted("b", 2), waitlisted("c", 3)}

	ordered, err := orderByIDs(list, []string{"c", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "c", ordered[0].ReservationID)
	assert.Equal(t, "a", ordered[1].ReservationID)
	assert.Equal(t, "b", ordered[2].ReservationID)

	for _, ids := range [][]string{
		{"a", "b"},
		{"a", "b", "c", "d"},
		{"a", "a", "b"},
		{"a", "b", "x"},
		{},
	} {
		_, err := orderByIDs(list, ids)
		assert.ErrorIs(t, err, store.ErrInvalidWaitlistOrder, "%v", ids)
	}

	empty, err := orderByIDs(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDensePositions(t *testing.T) {
	assert.True(t, DensePositions(nil))
	assert.True(t, DensePositions([]models.Reservation{waitlisted("a", 2), waitlisted("b", 1)}))
	assert.False(t, DensePositions([]models.Reservation{waitlisted("a", 1), waitlisted("b", 3)}))
	assert.False(t, DensePositions([]models.Reservation{waitlisted("a", 1), waitlisted("b", 1)}))
	assert.False(t, DensePositions([]models.Reservation{{ReservationID: "a"}}))
}

func TestWithoutReservation(t *testing.T) {
	list := []models.Reservation{waitlisted("a", 1), waitlisted("b", 2)}
	rest := withoutReservation(list, "a")
	require.Len(t, rest, 1)
	assert.Equal(t, "b", rest[0].ReservationID)
	assert.Len(t, list, 2)
}
