package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}

	if m.DecisionsTotal == nil {
		t.Error("DecisionsTotal should be initialized")
	}
	if m.DenialsTotal == nil {
		t.Error("DenialsTotal should be initialized")
	}
	if m.EvaluateDuration == nil {
		t.Error("EvaluateDuration should be initialized")
	}
	if m.WebhooksTotal == nil {
		t.Error("WebhooksTotal should be initialized")
	}
	if m.HTTPRequestDuration == nil {
		t.Error("HTTPRequestDuration should be initialized")
	}
	if m.ReservationsTotal == nil {
		t.Error("ReservationsTotal should be initialized")
	}
}

func TestObserveDecision(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDecision("search", "allowed", 5)
	m.ObserveDecision("search", "allowed", 5)
	m.ObserveDecision("search", "denied", 0)

	allowed := promtest.ToFloat64(m.DecisionsTotal.WithLabelValues("search", "allowed"))
	if allowed != 2 {
		t.Errorf("expected 2 allowed decisions, got %.0f", allowed)
	}

	charged := promtest.ToFloat64(m.CreditsChargedTotal)
	if charged != 10 {
		t.Errorf("expected 10 credits charged, got %.0f", charged)
	}
}

func TestObserveDecisionRefund(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDecision("search", "refund", -5)

	refunded := promtest.ToFloat64(m.CreditsRefundedTotal)
	if refunded != 5 {
		t.Errorf("expected 5 credits refunded, got %.0f", refunded)
	}
	charged := promtest.ToFloat64(m.CreditsChargedTotal)
	if charged != 0 {
		t.Errorf("refund leaked into charge total: %.0f", charged)
	}
}

func TestObserveDenialFeedsScopeCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDenial("rate_limited")
	m.ObserveDenial("tool_rate_limited")
	m.ObserveDenial("quota_daily_calls_exceeded")
	m.ObserveDenial("insufficient_credits")

	if got := promtest.ToFloat64(m.DenialsTotal.WithLabelValues("rate_limited")); got != 1 {
		t.Errorf("expected 1 rate_limited denial, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.RateLimitDeniesTotal.WithLabelValues("global")); got != 1 {
		t.Errorf("expected 1 global rate deny, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.RateLimitDeniesTotal.WithLabelValues("tool")); got != 1 {
		t.Errorf("expected 1 tool rate deny, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.QuotaDeniesTotal.WithLabelValues("daily_calls")); got != 1 {
		t.Errorf("expected 1 daily_calls quota deny, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.DenialsTotal.WithLabelValues("insufficient_credits")); got != 1 {
		t.Errorf("expected 1 insufficient_credits denial, got %.0f", got)
	}
}

func TestObserveWebhook(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	// First-attempt success records no retry.
	m.ObserveWebhook("success", 500*time.Millisecond, 1)

	webhooks := promtest.ToFloat64(m.WebhooksTotal.WithLabelValues("success"))
	if webhooks != 1 {
		t.Errorf("expected 1 webhook delivery, got %.0f", webhooks)
	}

	// A delivery that exhausted five attempts records a retry bucket.
	m.ObserveWebhook("failed", 2*time.Second, 5)

	retries := promtest.ToFloat64(m.WebhookRetriesTotal.WithLabelValues("5"))
	if retries != 1 {
		t.Errorf("expected 1 webhook retry record, got %.0f", retries)
	}

	// Breaker drops carry no duration.
	m.ObserveWebhook("dropped", 0, 0)
	dropped := promtest.ToFloat64(m.WebhooksTotal.WithLabelValues("dropped"))
	if dropped != 1 {
		t.Errorf("expected 1 dropped webhook, got %.0f", dropped)
	}
}

func TestObserveAutoTopup(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveAutoTopup(100)
	m.ObserveAutoTopup(100)

	runs := promtest.ToFloat64(m.AutoTopupsTotal)
	if runs != 2 {
		t.Errorf("expected 2 auto-topups, got %.0f", runs)
	}
	credits := promtest.ToFloat64(m.AutoTopupCreditsTotal)
	if credits != 200 {
		t.Errorf("expected 200 topup credits, got %.0f", credits)
	}
}

func TestObserveReservation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveReservation("reserved")
	m.ObserveReservation("settled")

	if got := promtest.ToFloat64(m.ReservationsTotal.WithLabelValues("reserved")); got != 1 {
		t.Errorf("expected 1 reserved transition, got %.0f", got)
	}
}

func TestGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.SetStoreTotals(12, 3400)
	m.SetInflight(7)
	m.SetHeldCredits(250)

	if got := promtest.ToFloat64(m.KeysTotal); got != 12 {
		t.Errorf("keys gauge = %.0f, want 12", got)
	}
	if got := promtest.ToFloat64(m.OutstandingCredits); got != 3400 {
		t.Errorf("credits gauge = %.0f, want 3400", got)
	}
	if got := promtest.ToFloat64(m.InflightCalls); got != 7 {
		t.Errorf("inflight gauge = %.0f, want 7", got)
	}
	if got := promtest.ToFloat64(m.HeldCredits); got != 250 {
		t.Errorf("held gauge = %.0f, want 250", got)
	}
}

func TestObserveArchiveInsert(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveArchiveInsert(true)
	m.ObserveArchiveInsert(false)

	if got := promtest.ToFloat64(m.ArchiveInsertsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected 1 ok insert, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.ArchiveInsertsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed insert, got %.0f", got)
	}
}

func TestObserveRedisError(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRedisError("lpush")

	if got := promtest.ToFloat64(m.RedisErrorsTotal.WithLabelValues("lpush")); got != 1 {
		t.Errorf("expected 1 redis error, got %.0f", got)
	}
}

func TestFormatAttempt(t *testing.T) {
	if got := formatAttempt(3); got != "3" {
		t.Errorf("formatAttempt(3) = %q", got)
	}
	if got := formatAttempt(9); got != "5+" {
		t.Errorf("formatAttempt(9) = %q", got)
	}
}
