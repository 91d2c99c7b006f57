package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/CreditRail/gateway/internal/logger"
	"github.com/CreditRail/gateway/internal/scheduler"
	"github.com/CreditRail/gateway/pkg/responders"
)

func maskAction(a *scheduler.Action) *scheduler.Action {
	out := *a
	out.Key = logger.MaskKey(out.Key)
	return &out
}

// createScheduledAction handles POST /admin/schedule: queue a deferred
// credit grant, suspension or reactivation. A zero runAt executes on
// the next tick.
func (h *handlers) createScheduledAction(w http.ResponseWriter, r *http.Request) {
	var req scheduler.Request
	if err := decodeBody(r, &req); err != nil {
		responders.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	action, err := h.scheduler.Schedule(req)
	switch {
	case errors.Is(err, scheduler.ErrUnknownAction),
		errors.Is(err, scheduler.ErrKeyRequired),
		errors.Is(err, scheduler.ErrAmountRequired):
		responders.Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		responders.Error(w, http.StatusInternalServerError, "scheduling failed")
		return
	}

	responders.JSON(w, http.StatusCreated, maskAction(action))
}

// listScheduledActions handles GET /admin/schedule: pending actions
// plus retained history, soonest first.
func (h *handlers) listScheduledActions(w http.ResponseWriter, r *http.Request) {
	list := h.scheduler.List()
	actions := make([]*scheduler.Action, 0, len(list))
	for _, a := range list {
		actions = append(actions, maskAction(a))
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"pending": h.scheduler.PendingCount(),
		"actions": actions,
	})
}

// cancelScheduledAction handles DELETE /admin/schedule/{id}. Only
// pending actions can be canceled.
func (h *handlers) cancelScheduledAction(w http.ResponseWriter, r *http.Request) {
	if !h.scheduler.Cancel(chi.URLParam(r, "id")) {
		responders.Error(w, http.StatusNotFound, "no pending action with that id")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"canceled": true})
}
