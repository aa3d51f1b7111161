package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/reservation"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type createReservationRequest struct {
	CustomerName          string              `json:"customer_name" validate:"required,max=255"`
	CustomerEmail         string              `json:"customer_email" validate:"omitempty,email,max=255"`
	CustomerPhone         string              `json:"customer_phone" validate:"max=50"`
	EquityAmount          decimal.NullDecimal `json:"equity_amount"`
	EquityPercentage      decimal.NullDecimal `json:"equity_percentage"`
	Is9010Deal            bool                `json:"is_90_10_deal"`
	AdjustedPurchasePrice decimal.NullDecimal `json:"adjusted_purchase_price"`
	ExternalCommission    decimal.NullDecimal `json:"external_commission"`
	InternalCommission    decimal.NullDecimal `json:"internal_commission"`
	PreferredNotary       string              `json:"preferred_notary" validate:"max=255"`
	Notes                 string              `json:"notes"`
	// AcceptWaitlist defaults to true when omitted.
	AcceptWaitlist *bool `json:"accept_waitlist"`
}

func (req createReservationRequest) input() reservation.CreateInput {
	acceptWaitlist := true
	if req.AcceptWaitlist != nil {
		acceptWaitlist = *req.AcceptWaitlist
	}
	return reservation.CreateInput{
		CustomerName:          strings.TrimSpace(req.CustomerName),
		CustomerEmail:         strings.TrimSpace(req.CustomerEmail),
		CustomerPhone:         strings.TrimSpace(req.CustomerPhone),
		EquityAmount:          req.EquityAmount,
		EquityPercentage:      req.EquityPercentage,
		Is9010Deal:            req.Is9010Deal,
		AdjustedPurchasePrice: req.AdjustedPurchasePrice,
		ExternalCommission:    req.ExternalCommission,
		InternalCommission:    req.InternalCommission,
		PreferredNotary:       strings.TrimSpace(req.PreferredNotary),
		Notes:                 req.Notes,
		AcceptWaitlist:        acceptWaitlist,
	}
}

// optionalDecimal tells an omitted field apart from an explicit null.
type optionalDecimal struct {
	Set   bool
	Value decimal.NullDecimal
}

func (o *optionalDecimal) UnmarshalJSON(data []byte) error {
	o.Set = true
	return o.Value.UnmarshalJSON(data)
}

func (o optionalDecimal) ptr() *decimal.NullDecimal {
	if !o.Set {
		return nil
	}
	value := o.Value
	return &value
}

type updateReservationRequest struct {
	CustomerName          *string         `json:"customer_name" validate:"omitempty,min=1,max=255"`
	CustomerEmail         *string         `json:"customer_email" validate:"omitempty,max=255"`
	CustomerPhone         *string         `json:"customer_phone" validate:"omitempty,max=50"`
	EquityAmount          optionalDecimal `json:"equity_amount"`
	EquityPercentage      optionalDecimal `json:"equity_percentage"`
	Is9010Deal            *bool           `json:"is_90_10_deal"`
	AdjustedPurchasePrice optionalDecimal `json:"adjusted_purchase_price"`
	ExternalCommission    optionalDecimal `json:"external_commission"`
	InternalCommission    optionalDecimal `json:"internal_commission"`
	ReservationFeePaid    *bool           `json:"reservation_fee_paid"`
	PreferredNotary       *string         `json:"preferred_notary" validate:"omitempty,max=255"`
	NotaryAppointmentDate *string         `json:"notary_appointment_date"`
	NotaryAppointmentTime *string         `json:"notary_appointment_time"`
	NotaryLocation        *string         `json:"notary_location" validate:"omitempty,max=500"`
	Notes                 *string         `json:"notes"`
}

func (req updateReservationRequest) input() (reservation.UpdateInput, error) {
	input := reservation.UpdateInput{
		CustomerName:          req.CustomerName,
		CustomerEmail:         req.CustomerEmail,
		CustomerPhone:         req.CustomerPhone,
		EquityAmount:          req.EquityAmount.ptr(),
		EquityPercentage:      req.EquityPercentage.ptr(),
		Is9010Deal:            req.Is9010Deal,
		AdjustedPurchasePrice: req.AdjustedPurchasePrice.ptr(),
		ExternalCommission:    req.ExternalCommission.ptr(),
		InternalCommission:    req.InternalCommission.ptr(),
		ReservationFeePaid:    req.ReservationFeePaid,
		PreferredNotary:       req.PreferredNotary,
		NotaryAppointmentTime: req.NotaryAppointmentTime,
		NotaryLocation:        req.NotaryLocation,
		Notes:                 req.Notes,
	}
	if req.NotaryAppointmentDate != nil {
		date, err := parseDate(*req.NotaryAppointmentDate)
		if err != nil {
			return reservation.UpdateInput{}, err
		}
		input.NotaryAppointmentDate = &date
	}
	return input, nil
}

type changeStatusRequest struct {
	Status                *int    `json:"status" validate:"required"`
	ReservationFeePaid    *bool   `json:"reservation_fee_paid"`
	NotaryAppointmentDate string  `json:"notary_appointment_date"`
	NotaryAppointmentTime *string `json:"notary_appointment_time"`
	NotaryLocation        *string `json:"notary_location" validate:"omitempty,max=500"`
	Notes                 string  `json:"notes"`
	CancellationReason    string  `json:"cancellation_reason"`
}

func (req changeStatusRequest) change() (reservation.StatusChange, error) {
	change := reservation.StatusChange{
		To:                    models.Status(*req.Status),
		ReservationFeePaid:    req.ReservationFeePaid,
		NotaryAppointmentTime: req.NotaryAppointmentTime,
		NotaryLocation:        req.NotaryLocation,
		Notes:                 strings.TrimSpace(req.Notes),
		CancellationReason:    strings.TrimSpace(req.CancellationReason),
	}
	if strings.TrimSpace(req.NotaryAppointmentDate) != "" {
		date, err := parseDate(req.NotaryAppointmentDate)
		if err != nil {
			return reservation.StatusChange{}, err
		}
		change.NotaryAppointmentDate = &date
	}
	return change, nil
}

type cancelRequest struct {
	CancellationReason string `json:"cancellation_reason" validate:"max=1000"`
}

type promoteRequest struct {
	PropertyID string `json:"property_id"`
	Notes      string `json:"notes"`
}

type reorderWaitlistRequest struct {
	ReservationIDs []string `json:"reservation_ids" validate:"dive,required"`
}

// parseDate accepts a calendar date or an RFC 3339 timestamp and keeps the
// UTC calendar day.
func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("notary_appointment_date %q must be YYYY-MM-DD", value)
}

func errInvalidParam(name string) error {
	return fmt.Errorf("invalid %s parameter", name)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return h.check(w, r, target)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return h.check(w, r, target)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if err := h.validate.Struct(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request payload"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(fields, "; ")
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
