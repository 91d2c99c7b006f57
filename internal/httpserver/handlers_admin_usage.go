package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/CreditRail/gateway/internal/inflight"
	"github.com/CreditRail/gateway/internal/logger"
	"github.com/CreditRail/gateway/internal/usage"
	"github.com/CreditRail/gateway/pkg/responders"
)

// usageFilter builds the meter filter from query parameters shared by
// the usage endpoints: ?since=<RFC 3339> and ?namespace=.
func usageFilter(r *http.Request) (usage.Filter, bool) {
	f := usage.Filter{Namespace: r.URL.Query().Get("namespace")}
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, false
		}
		f.Since = t
	}
	return f, true
}

// usageSummary handles GET /admin/usage.
func (h *handlers) usageSummary(w http.ResponseWriter, r *http.Request) {
	f, ok := usageFilter(r)
	if !ok {
		responders.Error(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		return
	}
	responders.JSON(w, http.StatusOK, h.gate.Meter().Summary(f))
}

// usageEvents handles GET /admin/usage/events?limit=, newest first.
func (h *handlers) usageEvents(w http.ResponseWriter, r *http.Request) {
	f, ok := usageFilter(r)
	if !ok {
		responders.Error(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		return
	}
	events := h.gate.Meter().Recent(queryInt(r, "limit", 100), f)
	responders.JSON(w, http.StatusOK, map[string]any{"count": len(events), "events": events})
}

// usageExport handles GET /admin/usage/export: the retained events as
// CSV, keys masked.
func (h *handlers) usageExport(w http.ResponseWriter, r *http.Request) {
	f, ok := usageFilter(r)
	if !ok {
		responders.Error(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)
	if err := h.gate.Meter().WriteCSV(w, f); err != nil {
		// Headers are gone; all we can do is log.
		h.logger.Error().Err(err).Msg("usage export failed mid-stream")
	}
}

// inflightSnapshot handles GET /admin/inflight. Key strings are masked
// like every other admin listing.
func (h *handlers) inflightSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.inflight.Snapshot()
	responders.JSON(w, http.StatusOK, inflight.Snapshot{
		ByKey:         maskCounts(snap.ByKey, maskWholeKey),
		ByTool:        snap.ByTool,
		ByKeyTool:     maskCounts(snap.ByKeyTool, maskKeyToolPair),
		TotalInflight: snap.TotalInflight,
	})
}

func maskCounts(src map[string]int, mask func(string) string) map[string]int {
	out := make(map[string]int, len(src))
	for k, v := range src {
		out[mask(k)] = v
	}
	return out
}

func maskWholeKey(k string) string { return logger.MaskKey(k) }

// maskKeyToolPair masks the key half of a "key:tool" composite. Key
// strings never contain a colon, so the first one is the separator.
func maskKeyToolPair(k string) string {
	key, tool, ok := strings.Cut(k, ":")
	if !ok {
		return logger.MaskKey(k)
	}
	return logger.MaskKey(key) + ":" + tool
}

// stats handles GET /admin/stats: store totals, reservation counters,
// inflight count and pending scheduled actions in one read.
func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	keys, credits, spent := h.store.Totals()
	responders.JSON(w, http.StatusOK, map[string]any{
		"keys":             keys,
		"credits":          credits,
		"totalSpent":       spent,
		"reservations":     h.reservations.Stats(),
		"inflight":         h.inflight.Total(),
		"scheduledPending": h.scheduler.PendingCount(),
	})
}
