package reservation

import (
	"strings"
	"time"

	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/store"

	"github.com/shopspring/decimal"
)

type CreateInput struct {
	CustomerName          string
	CustomerEmail         string
	CustomerPhone         string
	EquityAmount          decimal.NullDecimal
	EquityPercentage      decimal.NullDecimal
	Is9010Deal            bool
	AdjustedPurchasePrice decimal.NullDecimal
	ExternalCommission    decimal.NullDecimal
	InternalCommission    decimal.NullDecimal
	PreferredNotary       string
	Notes                 string
	// AcceptWaitlist allows placement on the waitlist when the property
	// already has an active reservation.
	AcceptWaitlist bool
}

// UpdateInput carries non-status fields. Nil fields are left unchanged.
type UpdateInput struct {
	CustomerName          *string
	CustomerEmail         *string
	CustomerPhone         *string
	EquityAmount          *decimal.NullDecimal
	EquityPercentage      *decimal.NullDecimal
	Is9010Deal            *bool
	AdjustedPurchasePrice *decimal.NullDecimal
	ExternalCommission    *decimal.NullDecimal
	InternalCommission    *decimal.NullDecimal
	ReservationFeePaid    *bool
	PreferredNotary       *string
	NotaryAppointmentDate *time.Time
	NotaryAppointmentTime *string
	NotaryLocation        *string
	Notes                 *string
}

// StatusChange is the payload of a status transition.
type StatusChange struct {
	To                    models.Status
	ReservationFeePaid    *bool
	NotaryAppointmentDate *time.Time
	NotaryAppointmentTime *string
	NotaryLocation        *string
	Notes                 string
	CancellationReason    string
}

type ListQuery struct {
	PropertyID string
	UserID     string
	Status     *models.Status
	IsActive   *bool
	Offset     int
	Limit      int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

var hundred = decimal.NewFromInt(100)

func (in CreateInput) apply(r *models.Reservation) error {
	name := strings.TrimSpace(in.CustomerName)
	if name == "" {
		return store.InvalidInput("customer_name is required")
	}
	r.CustomerName = name
	r.CustomerEmail = strings.TrimSpace(in.CustomerEmail)
	r.CustomerPhone = strings.TrimSpace(in.CustomerPhone)
	r.EquityAmount = in.EquityAmount
	r.EquityPercentage = in.EquityPercentage
	r.Is9010Deal = in.Is9010Deal
	r.AdjustedPurchasePrice = in.AdjustedPurchasePrice
	r.ExternalCommission = in.ExternalCommission
	r.InternalCommission = in.InternalCommission
	r.PreferredNotary = strings.TrimSpace(in.PreferredNotary)
	r.Notes = in.Notes
	return validateTerms(*r)
}

// apply copies the set fields onto r and returns the names of those that
// changed. The fee flag is handled by the caller.
func (in UpdateInput) apply(r *models.Reservation) ([]string, error) {
	var changed []string
	setString := func(field string, target *string, value *string, trim bool) {
		if value == nil {
			return
		}
		v := *value
		if trim {
			v = strings.TrimSpace(v)
		}
		if *target != v {
			*target = v
			changed = append(changed, field)
		}
	}
	setDecimal := func(field string, target *decimal.NullDecimal, value *decimal.NullDecimal) {
		if value == nil {
			return
		}
		if target.Valid != value.Valid || (value.Valid && !target.Decimal.Equal(value.Decimal)) {
			*target = *value
			changed = append(changed, field)
		}
	}

	if in.CustomerName != nil && strings.TrimSpace(*in.CustomerName) == "" {
		return nil, store.InvalidInput("customer_name must not be empty")
	}
	setString("customer_name", &r.CustomerName, in.CustomerName, true)
	setString("customer_email", &r.CustomerEmail, in.CustomerEmail, true)
	setString("customer_phone", &r.CustomerPhone, in.CustomerPhone, true)
	setDecimal("equity_amount", &r.EquityAmount, in.EquityAmount)
	setDecimal("equity_percentage", &r.EquityPercentage, in.EquityPercentage)
	if in.Is9010Deal != nil && r.Is9010Deal != *in.Is9010Deal {
		r.Is9010Deal = *in.Is9010Deal
		changed = append(changed, "is_90_10_deal")
	}
	setDecimal("adjusted_purchase_price", &r.AdjustedPurchasePrice, in.AdjustedPurchasePrice)
	setDecimal("external_commission", &r.ExternalCommission, in.ExternalCommission)
	setDecimal("internal_commission", &r.InternalCommission, in.InternalCommission)
	setString("preferred_notary", &r.PreferredNotary, in.PreferredNotary, true)
	if in.NotaryAppointmentDate != nil {
		date := dateOnly(*in.NotaryAppointmentDate)
		if r.NotaryAppointmentDate == nil || !r.NotaryAppointmentDate.Equal(date) {
			r.NotaryAppointmentDate = &date
			changed = append(changed, "notary_appointment_date")
		}
	}
	if in.NotaryAppointmentTime != nil {
		clock, err := normalizeClock(*in.NotaryAppointmentTime)
		if err != nil {
			return nil, err
		}
		if r.NotaryAppointmentTime == nil || *r.NotaryAppointmentTime != clock {
			r.NotaryAppointmentTime = &clock
			changed = append(changed, "notary_appointment_time")
		}
	}
	setString("notary_location", &r.NotaryLocation, in.NotaryLocation, true)
	setString("notes", &r.Notes, in.Notes, false)

	return changed, validateTerms(*r)
}

func validateTerms(r models.Reservation) error {
	if p := r.EquityPercentage; p.Valid && (p.Decimal.IsNegative() || p.Decimal.GreaterThan(hundred)) {
		return store.InvalidInput("equity_percentage must be between 0 and 100")
	}
	for field, value := range map[string]decimal.NullDecimal{
		"equity_amount":           r.EquityAmount,
		"adjusted_purchase_price": r.AdjustedPurchasePrice,
		"external_commission":     r.ExternalCommission,
		"internal_commission":     r.InternalCommission,
	} {
		if value.Valid && value.Decimal.IsNegative() {
			return store.InvalidInput("%s must not be negative", field)
		}
	}
	if r.AdjustedPurchasePrice.Valid && !r.Is9010Deal {
		return store.Precondition("adjusted_purchase_price", "requires the 90/10 deal flag")
	}
	return nil
}

func normalizeClock(value string) (string, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.Format("15:04"), nil
		}
	}
	return "", store.InvalidInput("notary_appointment_time must be HH:MM")
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// appointmentAt combines an appointment date and HH:MM clock into one UTC
// instant.
func appointmentAt(date time.Time, clock string) (time.Time, error) {
	parsed, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, store.InvalidInput("notary_appointment_time must be HH:MM")
	}
	day := dateOnly(date)
	return day.Add(time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute), nil
}
