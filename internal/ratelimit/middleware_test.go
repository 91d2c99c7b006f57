package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIPLimiterCaps(t *testing.T) {
	var limitedScope string
	mw := IPLimiter(2, time.Minute, "mcp", func(scope string) { limitedScope = scope })
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if do("198.51.100.7:4444").Code != http.StatusOK {
		t.Fatal("first request should pass")
	}
	if do("198.51.100.7:4444").Code != http.StatusOK {
		t.Fatal("second request should pass")
	}
	third := do("198.51.100.7:4444")
	if third.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", third.Code)
	}
	if third.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", third.Header().Get("Retry-After"))
	}
	if ct := third.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if limitedScope != "mcp" {
		t.Errorf("limited scope = %q, want mcp", limitedScope)
	}

	// A different client address has its own budget.
	if rec := do("198.51.100.8:4444"); rec.Code != http.StatusOK {
		t.Errorf("other IP = %d, want 200", rec.Code)
	}
}

func TestIPLimiterDisabled(t *testing.T) {
	mw := IPLimiter(0, time.Minute, "admin", nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 100; i++ {
		req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
		req.RemoteAddr = "198.51.100.9:1"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("disabled limiter blocked request %d", i)
		}
	}
}
