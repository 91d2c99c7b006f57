package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/CreditRail/gateway/pkg/responders"
)

// AdminKeyHeader authenticates the admin API.
const AdminKeyHeader = "X-Admin-Key"

// adminAuth guards the admin surface with a constant-time comparison
// against the configured admin key. An empty configured key disables
// the surface entirely.
func (h *handlers) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := h.cfg.Admin.APIKey
		if expected == "" {
			responders.Error(w, http.StatusForbidden, "admin API is disabled")
			return
		}

		got := r.Header.Get(AdminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			h.logger.Warn().Str("path", r.URL.Path).Msg("admin request rejected")
			responders.Error(w, http.StatusUnauthorized, "invalid or missing admin key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// metricsAuth protects /metrics with an optional bearer key. With no
// key configured the endpoint stays open (scrapers on a private
// network).
func metricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				responders.Error(w, http.StatusUnauthorized, "invalid or missing metrics key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
