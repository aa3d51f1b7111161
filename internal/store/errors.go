package store

import (
	"errors"
	"fmt"

	"exposehub/reservation-service/internal/models"
)

var (
	ErrPermissionDenied       = errors.New("permission denied")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrPreconditionFailed     = errors.New("precondition failed")
	ErrInvalidWaitlistOrder   = errors.New("invalid waitlist order")
	ErrPropertyNotFound       = errors.New("property not found")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidInput           = errors.New("invalid input")
	ErrSessionNotFound        = errors.New("session not found")
)

type PermissionDeniedError struct {
	Capability string
	Role       models.Role
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s requires %q", e.Role, e.Capability)
}

func (e *PermissionDeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

type InvalidTransitionError struct {
	From *models.Status
	To   models.Status
}

func (e *InvalidTransitionError) Error() string {
	from := "none"
	if e.From != nil {
		from = fmt.Sprintf("%d", int(*e.From))
	}
	return fmt.Sprintf("invalid status transition from %s to %d", from, int(e.To))
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type PreconditionError struct {
	Field  string
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Field == "" {
		return "precondition failed: " + e.Reason
	}
	return fmt.Sprintf("precondition failed: %s %s", e.Field, e.Reason)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

func Precondition(field, reason string) error {
	return &PreconditionError{Field: field, Reason: reason}
}

func InvalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
