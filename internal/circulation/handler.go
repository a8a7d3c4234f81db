// internal/circulation/handler.go
package circulation

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"becirculation/internal/access"
)

type Handler struct {
	service Service
	engine  *Engine
	now     func() time.Time
}

func NewHandler(service Service, engine *Engine) *Handler {
	return &Handler{service: service, engine: engine, now: time.Now}
}

// Routes mounts the circulation endpoints on r. Endpoints that touch the backend of
// record go through authenticate; the pure engine endpoints do not.
func (h *Handler) Routes(r chi.Router, authenticate func(http.Handler) http.Handler) {
	r.Post("/classify/loan", h.HandleClassifyLoan)
	r.Post("/classify/reservation", h.HandleClassifyReservation)
	r.Get("/can", h.HandleCan)

	r.Group(func(r chi.Router) {
		r.Use(authenticate)

		r.Get("/loans", h.HandleListLoans)
		r.Post("/loans", h.HandleIssueLoan)
		r.Get("/loans/overdue", h.HandleOverdueLoans)
		r.Get("/loans/{id}", h.HandleGetLoan)
		r.Post("/loans/{id}/return", h.HandleReturnLoan)

		r.Get("/reservations", h.HandleListReservations)
		r.Post("/reservations", h.HandleCreateReservation)
		r.Get("/reservations/{id}", h.HandleGetReservation)
		r.Post("/reservations/{id}/complete", h.HandleCompleteReservation)
		r.Post("/reservations/{id}/cancel", h.HandleCancelReservation)

		r.Get("/reconcile", h.HandleReconcile)
	})
}

func (h *Handler) HandleListLoans(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	loans, err := h.service.ListLoans(r.Context(), actor, r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (h *Handler) HandleOverdueLoans(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	loans, err := h.service.OverdueLoans(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (h *Handler) HandleGetLoan(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	loan, err := h.service.GetLoan(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleIssueLoan(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}

	var req IssueLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := h.service.IssueLoan(r.Context(), actor, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleReturnLoan(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	intent, err := h.service.ReturnLoan(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (h *Handler) HandleListReservations(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	filter := ReservationFilter{
		UserID:     r.URL.Query().Get("user_id"),
		DocumentID: r.URL.Query().Get("document_id"),
	}
	reservations, err := h.service.ListReservations(r.Context(), actor, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservations)
}

func (h *Handler) HandleGetReservation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	reservation, err := h.service.GetReservation(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservation)
}

func (h *Handler) HandleCreateReservation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}

	var req CreateReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reservation, err := h.service.CreateReservation(r.Context(), actor, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservation)
}

func (h *Handler) HandleCompleteReservation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	reservation, err := h.service.CompleteReservation(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservation)
}

func (h *Handler) HandleCancelReservation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	reservation, err := h.service.CancelReservation(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservation)
}

func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	report, err := h.service.Reconcile(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleClassifyLoan classifies and prices a loan supplied in the body. The optional
// "now" field pins the evaluation time.
func (h *Handler) HandleClassifyLoan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Loan Loan       `json:"loan"`
		Now  *time.Time `json:"now,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	v, err := h.engine.ViewLoan(req.Loan, h.at(req.Now))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withWarning(v, v.Classification.Warning))
}

// HandleClassifyReservation classifies a reservation supplied in the body.
func (h *Handler) HandleClassifyReservation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reservation Reservation `json:"reservation"`
		Now         *time.Time  `json:"now,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	v, err := h.engine.ViewReservation(req.Reservation, h.at(req.Now))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withWarning(v, v.Classification.Warning))
}

// HandleCan answers a capability-table lookup.
func (h *Handler) HandleCan(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	op := r.URL.Query().Get("operation")
	writeJSON(w, http.StatusOK, map[string]any{
		"role":      role,
		"operation": op,
		"allowed":   access.CanPerformNamed(role, op),
	})
}

func (h *Handler) at(now *time.Time) time.Time {
	if now != nil {
		return *now
	}
	return h.now()
}

type warned struct {
	View    any    `json:"view"`
	Warning string `json:"warning,omitempty"`
}

func withWarning(view any, warning error) warned {
	w := warned{View: view}
	if warning != nil {
		w.Warning = warning.Error()
	}
	return w
}

func actorOf(w http.ResponseWriter, r *http.Request) (access.Actor, bool) {
	actor, ok := access.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return actor, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, ErrPolicyDenied):
		status = http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrUpstream):
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}
