package httpserver

import (
	"net/http"
	"sort"

	"github.com/CreditRail/gateway/pkg/responders"
)

// healthz reports process liveness.
func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports readiness once the key store has loaded its snapshot.
func (h *handlers) readyz(w http.ResponseWriter, _ *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"keys":   h.store.Count(),
	})
}

// toolPricing is one row of the public price sheet. A zero
// creditsPerCall on a listed tool means the tool is free.
type toolPricing struct {
	Tool            string `json:"tool"`
	CreditsPerCall  int64  `json:"creditsPerCall"`
	RateLimitPerMin int    `json:"rateLimitPerMin,omitempty"`
}

// pricing publishes the price sheet unauthenticated so clients can
// inspect costs before spending credits.
func (h *handlers) pricing(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(h.cfg.Gate.Tools))
	for name := range h.cfg.Gate.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	tools := make([]toolPricing, 0, len(names))
	for _, name := range names {
		tc := h.cfg.Gate.Tools[name]
		tools = append(tools, toolPricing{
			Tool:            name,
			CreditsPerCall:  tc.CreditsPerCall,
			RateLimitPerMin: tc.RateLimitPerMin,
		})
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"defaultCreditsPerCall": h.cfg.Gate.DefaultCreditsPerCall,
		"creditsPerKbInput":     h.cfg.Gate.CreditsPerKbInput,
		"tools":                 tools,
		"topUpUrl":              h.cfg.Gate.TopUpURL,
	})
}
