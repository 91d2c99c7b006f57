package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// ipLimitResponse is the 429 body for HTTP-level limiting. This layer
// sits in front of the JSON-RPC envelope, so it answers plain JSON.
type ipLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// IPLimiter builds chi middleware applying a per-IP request cap over
// window for one surface ("mcp", "admin"). This is transport
// protection against clients hammering the endpoint, distinct from the
// gate's per-key limiter. limit <= 0 disables the middleware.
func IPLimiter(limit int, window time.Duration, scope string, onLimited func(scope string)) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if window <= 0 {
		window = Window
	}
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler(scope, int(window.Seconds()), onLimited)),
	)
}

func limitHandler(scope string, retryAfterSeconds int, onLimited func(string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if onLimited != nil {
			onLimited(scope)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(ipLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           fmt.Sprintf("Too many requests to the %s endpoint from this address.", scope),
			RetryAfterSeconds: retryAfterSeconds,
		})
	}
}
