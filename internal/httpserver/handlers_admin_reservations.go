package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CreditRail/gateway/internal/logger"
	"github.com/CreditRail/gateway/internal/reasons"
	"github.com/CreditRail/gateway/internal/reservation"
	"github.com/CreditRail/gateway/pkg/responders"
)

// writeReservationError maps manager errors onto HTTP statuses. The
// sentinel texts double as response messages.
func writeReservationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reservation.ErrNotFound):
		responders.Error(w, reasons.ReservationNotFound.HTTPStatus(), err.Error())
	case errors.Is(err, reservation.ErrNotHeld):
		responders.Error(w, reasons.ReservationNotHeld.HTTPStatus(), err.Error())
	case errors.Is(err, reservation.ErrExpired):
		responders.Error(w, reasons.ReservationExpired.HTTPStatus(), err.Error())
	case errors.Is(err, reservation.ErrInsufficientCredits):
		responders.Error(w, reasons.InsufficientCredits.HTTPStatus(), err.Error())
	case errors.Is(err, reservation.ErrKeyNotFound):
		responders.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, reservation.ErrInvalidAmount):
		responders.Error(w, http.StatusBadRequest, err.Error())
	default:
		responders.Error(w, http.StatusInternalServerError, "reservation operation failed")
	}
}

// maskReservation copies a reservation with its key masked for admin
// responses.
func maskReservation(res *reservation.Reservation) *reservation.Reservation {
	out := *res
	out.Key = logger.MaskKey(out.Key)
	return &out
}

func (h *handlers) observeReservation(outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveReservation(outcome)
	}
}

type createReservationRequest struct {
	Key        string `json:"key"`
	Credits    int64  `json:"credits"`
	TTLSeconds int64  `json:"ttlSeconds"`
	Memo       string `json:"memo"`
}

// createReservation handles POST /admin/reservations: place a hold
// against a key's available balance.
func (h *handlers) createReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := decodeBody(r, &req); err != nil {
		responders.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Key == "" {
		responders.Error(w, http.StatusBadRequest, "key is required")
		return
	}

	res, err := h.reservations.Reserve(req.Key, req.Credits, time.Duration(req.TTLSeconds)*time.Second, req.Memo)
	if err != nil {
		writeReservationError(w, err)
		return
	}

	h.observeReservation("reserved")
	responders.JSON(w, http.StatusCreated, maskReservation(res))
}

// listReservations handles GET /admin/reservations?key=.
func (h *handlers) listReservations(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		responders.Error(w, http.StatusBadRequest, "key query parameter is required")
		return
	}

	list := h.reservations.ListByKey(key)
	out := make([]*reservation.Reservation, 0, len(list))
	for _, res := range list {
		out = append(out, maskReservation(res))
	}
	responders.JSON(w, http.StatusOK, map[string]any{"count": len(out), "reservations": out})
}

// getReservation handles GET /admin/reservations/{id}.
func (h *handlers) getReservation(w http.ResponseWriter, r *http.Request) {
	res, ok := h.reservations.Get(chi.URLParam(r, "id"))
	if !ok {
		writeReservationError(w, reservation.ErrNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, maskReservation(res))
}

type settleReservationRequest struct {
	ActualAmount *int64 `json:"actualAmount"`
}

// settleReservation handles POST /admin/reservations/{id}/settle. An
// absent actualAmount charges the full reserved amount.
func (h *handlers) settleReservation(w http.ResponseWriter, r *http.Request) {
	var req settleReservationRequest
	if err := decodeBody(r, &req); err != nil {
		responders.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	charged, err := h.reservations.Settle(id, req.ActualAmount)
	if err != nil {
		h.observeReservation("settle_failed")
		writeReservationError(w, err)
		return
	}

	h.observeReservation("settled")
	responders.JSON(w, http.StatusOK, map[string]any{"id": id, "settledAmount": charged})
}

// releaseReservation handles POST /admin/reservations/{id}/release:
// free the hold without charging.
func (h *handlers) releaseReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.Release(chi.URLParam(r, "id"))
	if err != nil {
		h.observeReservation("release_failed")
		writeReservationError(w, err)
		return
	}

	h.observeReservation("released")
	responders.JSON(w, http.StatusOK, maskReservation(res))
}
