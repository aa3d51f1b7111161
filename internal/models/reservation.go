package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Reservation struct {
	ReservationID string `json:"reservation_id"`
	TenantID      string `json:"tenant_id"`
	PropertyID    string `json:"property_id"`
	UserID        string `json:"user_id"`

	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email,omitempty"`
	CustomerPhone string `json:"customer_phone,omitempty"`

	EquityAmount          decimal.NullDecimal `json:"equity_amount"`
	EquityPercentage      decimal.NullDecimal `json:"equity_percentage"`
	Is9010Deal            bool                `json:"is_90_10_deal"`
	AdjustedPurchasePrice decimal.NullDecimal `json:"adjusted_purchase_price"`
	ExternalCommission    decimal.NullDecimal `json:"external_commission"`
	InternalCommission    decimal.NullDecimal `json:"internal_commission"`

	ReservationFeePaid     bool       `json:"reservation_fee_paid"`
	ReservationFeePaidDate *time.Time `json:"reservation_fee_paid_date,omitempty"`

	PreferredNotary       string     `json:"preferred_notary,omitempty"`
	NotaryAppointmentDate *time.Time `json:"notary_appointment_date,omitempty"`
	// NotaryAppointmentTime is a wall clock time formatted as HH:MM.
	NotaryAppointmentTime *string `json:"notary_appointment_time,omitempty"`
	NotaryLocation        string  `json:"notary_location,omitempty"`

	Status           Status `json:"status"`
	IsActive         bool   `json:"is_active"`
	WaitlistPosition *int   `json:"waitlist_position"`

	Notes              string     `json:"notes,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// Waitlisted reports whether the reservation currently holds a waitlist slot.
func (r Reservation) Waitlisted() bool {
	return !r.IsActive && !r.Status.Terminal() && r.WaitlistPosition != nil
}

func (r Reservation) Position() int {
	if r.WaitlistPosition == nil {
		return 0
	}
	return *r.WaitlistPosition
}

type HistoryEntry struct {
	EntryID       string    `json:"entry_id"`
	ReservationID string    `json:"reservation_id"`
	TenantID      string    `json:"tenant_id"`
	Seq           int       `json:"seq"`
	FromStatus    *Status   `json:"from_status"`
	ToStatus      Status    `json:"to_status"`
	ChangedBy     string    `json:"changed_by"`
	ChangedAt     time.Time `json:"changed_at"`
	Notes         string    `json:"notes,omitempty"`
	PrevHash      string    `json:"prev_hash"`
	Hash          string    `json:"hash"`
}
