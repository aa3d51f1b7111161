package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"exposehub/reservation-service/internal/logging"
	"exposehub/reservation-service/internal/metrics"
	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/reservation"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ReservationService is the workflow surface served over HTTP.
type ReservationService interface {
	CreateReservation(ctx context.Context, actor models.Actor, propertyID string, input reservation.CreateInput) (models.Reservation, error)
	GetReservation(ctx context.Context, actor models.Actor, reservationID string) (models.Reservation, error)
	UpdateReservation(ctx context.Context, actor models.Actor, reservationID string, input reservation.UpdateInput) (models.Reservation, error)
	ChangeStatus(ctx context.Context, actor models.Actor, reservationID string, change reservation.StatusChange) (models.Reservation, error)
	CancelReservation(ctx context.Context, actor models.Actor, reservationID, reason string) (models.Reservation, error)
	PromoteFromWaitlist(ctx context.Context, actor models.Actor, propertyID, reservationID, notes string) (models.Reservation, error)
	ReorderWaitlist(ctx context.Context, actor models.Actor, propertyID string, orderedIDs []string) ([]models.Reservation, error)
	GetStatusHistory(ctx context.Context, actor models.Actor, reservationID string) ([]models.HistoryEntry, error)
	GetActiveReservation(ctx context.Context, actor models.Actor, propertyID string) (models.Reservation, bool, error)
	GetWaitlist(ctx context.Context, actor models.Actor, propertyID string) ([]models.Reservation, error)
	ListReservations(ctx context.Context, actor models.Actor, query reservation.ListQuery) ([]models.Reservation, int, error)
}

type Handler struct {
	service  ReservationService
	validate *validator.Validate
}

type activeResponse struct {
	Active      bool                `json:"active"`
	Reservation *models.Reservation `json:"reservation"`
}

type listResponse struct {
	Items  []models.Reservation `json:"items"`
	Total  int                  `json:"total"`
	Offset int                  `json:"offset"`
	Limit  int                  `json:"limit"`
}

func NewHandler(service ReservationService) *Handler {
	return &Handler{
		service:  service,
		validate: newValidator(),
	}
}

// Routes builds the router. Extra handlers, such as the realtime feed, are
// mounted by the caller on the returned router.
func (h *Handler) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(metrics.Middleware)
	router.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/properties/{property_id}/reservations", h.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/properties/{property_id}/reservation", h.handleActive).Methods(http.MethodGet)
	api.HandleFunc("/properties/{property_id}/waitlist", h.handleWaitlist).Methods(http.MethodGet)
	api.HandleFunc("/properties/{property_id}/waitlist", h.handleReorder).Methods(http.MethodPut)
	api.HandleFunc("/reservations", h.handleList).Methods(http.MethodGet)
	api.HandleFunc("/reservations/{reservation_id}", h.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/reservations/{reservation_id}", h.handleUpdate).Methods(http.MethodPut)
	api.HandleFunc("/reservations/{reservation_id}", h.handleCancel).Methods(http.MethodDelete)
	api.HandleFunc("/reservations/{reservation_id}/status", h.handleChangeStatus).Methods(http.MethodPost)
	api.HandleFunc("/reservations/{reservation_id}/cancel", h.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/reservations/{reservation_id}/promote", h.handlePromote).Methods(http.MethodPost)
	api.HandleFunc("/reservations/{reservation_id}/history", h.handleHistory).Methods(http.MethodGet)

	// Registered last: a known path with an unsupported method is a 405.
	for _, path := range []string{
		"/properties/{property_id}/reservations",
		"/properties/{property_id}/reservation",
		"/properties/{property_id}/waitlist",
		"/reservations",
		"/reservations/{reservation_id}",
		"/reservations/{reservation_id}/status",
		"/reservations/{reservation_id}/cancel",
		"/reservations/{reservation_id}/promote",
		"/reservations/{reservation_id}/history",
	} {
		api.HandleFunc(path, handleMethodNotAllowed)
	}
	return router
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, requestIDFromRequest(r), http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createReservationRequest
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.service.CreateReservation(r.Context(), actor, mux.Vars(r)["property_id"], req.input())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	active, found, err := h.service.GetActiveReservation(r.Context(), actor, mux.Vars(r)["property_id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, activeResponse{})
		return
	}
	writeJSON(w, http.StatusOK, activeResponse{Active: true, Reservation: &active})
}

func (h *Handler) handleWaitlist(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	waitlist, err := h.service.GetWaitlist(r.Context(), actor, mux.Vars(r)["property_id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(waitlist))
}

func (h *Handler) handleReorder(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req reorderWaitlistRequest
	if !h.decode(w, r, &req) {
		return
	}
	waitlist, err := h.service.ReorderWaitlist(r.Context(), actor, mux.Vars(r)["property_id"], req.ReservationIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(waitlist))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	query, err := parseListQuery(r)
	if err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	items, total, err := h.service.ListReservations(r.Context(), actor, query)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: nonNil(items), Total: total, Offset: query.Offset, Limit: query.Limit})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	found, err := h.service.GetReservation(r.Context(), actor, mux.Vars(r)["reservation_id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req updateReservationRequest
	if !h.decode(w, r, &req) {
		return
	}
	input, err := req.input()
	if err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	updated, err := h.service.UpdateReservation(r.Context(), actor, mux.Vars(r)["reservation_id"], input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req changeStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	change, err := req.change()
	if err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	updated, err := h.service.ChangeStatus(r.Context(), actor, mux.Vars(r)["reservation_id"], change)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	cancelled, err := h.service.CancelReservation(r.Context(), actor, mux.Vars(r)["reservation_id"], strings.TrimSpace(req.CancellationReason))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

func (h *Handler) handlePromote(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req promoteRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	promoted, err := h.service.PromoteFromWaitlist(r.Context(), actor, strings.TrimSpace(req.PropertyID), mux.Vars(r)["reservation_id"], strings.TrimSpace(req.Notes))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, promoted)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	entries, err := h.service.GetStatusHistory(r.Context(), actor, mux.Vars(r)["reservation_id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed", zap.Error(err))
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func parseListQuery(r *http.Request) (reservation.ListQuery, error) {
	values := r.URL.Query()
	query := reservation.ListQuery{
		PropertyID: strings.TrimSpace(values.Get("property_id")),
		UserID:     strings.TrimSpace(values.Get("user_id")),
	}
	if raw := values.Get("status"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || !models.Status(value).Valid() {
			return reservation.ListQuery{}, errInvalidParam("status")
		}
		query.Status = models.StatusPtr(models.Status(value))
	}
	if raw := values.Get("is_active"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return reservation.ListQuery{}, errInvalidParam("is_active")
		}
		query.IsActive = &value
	}
	for _, param := range []struct {
		name   string
		target *int
	}{
		{"offset", &query.Offset},
		{"limit", &query.Limit},
	} {
		raw := values.Get(param.name)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return reservation.ListQuery{}, errInvalidParam(param.name)
		}
		*param.target = value
	}
	return query, nil
}

func nonNil(list []models.Reservation) []models.Reservation {
	if list == nil {
		return []models.Reservation{}
	}
	return list
}
