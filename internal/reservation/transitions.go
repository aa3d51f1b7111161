package reservation

import "exposehub/reservation-service/internal/models"

var transitionMap = map[models.Status][]models.Status{
	models.StatusRequested:         {models.StatusReserved, models.StatusAvailable},
	models.StatusReserved:          {models.StatusNotaryPreparation, models.StatusAvailable},
	models.StatusNotaryPreparation: {models.StatusNotaryAppointment, models.StatusAvailable},
	models.StatusNotaryAppointment: {models.StatusSold, models.StatusAvailable},
}

// ValidTransition reports whether a reservation may move from one status to
// another. A nil from is the creation of a new reservation.
func ValidTransition(from *models.Status, to models.Status) bool {
	if from == nil {
		return to == models.StatusRequested
	}
	for _, status := range transitionMap[*from] {
		if status == to {
			return true
		}
	}
	return false
}

// RequiredCapability is the capability a forward transition needs.
// Cancellation is checked separately since owners may cancel their own.
func RequiredCapability(from *models.Status) Capability {
	if from == nil {
		return CapCreateReservation
	}
	return CapManageStatus
}

// requiresActive lists the transitions only the active reservation may take.
func requiresActive(to models.Status) bool {
	switch to {
	case models.StatusNotaryPreparation, models.StatusNotaryAppointment, models.StatusSold:
		return true
	default:
		return false
	}
}
