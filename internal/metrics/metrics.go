package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Gate decision metrics
	DecisionsTotal        *prometheus.CounterVec
	DenialsTotal          *prometheus.CounterVec
	CreditsChargedTotal   prometheus.Counter
	CreditsRefundedTotal  prometheus.Counter
	EvaluateDuration      *prometheus.HistogramVec
	AutoTopupsTotal       prometheus.Counter
	AutoTopupCreditsTotal prometheus.Counter

	// Limit metrics
	RateLimitDeniesTotal *prometheus.CounterVec
	QuotaDeniesTotal     *prometheus.CounterVec
	InflightCalls        prometheus.Gauge

	// Reservation metrics
	ReservationsTotal *prometheus.CounterVec
	HeldCredits       prometheus.Gauge

	// Webhook metrics
	WebhooksTotal       *prometheus.CounterVec
	WebhookRetriesTotal *prometheus.CounterVec
	WebhookDuration     prometheus.Histogram

	// HTTP metrics
	HTTPRequestDuration *prometheus.HistogramVec

	// Store metrics
	KeysTotal           prometheus.Gauge
	OutstandingCredits  prometheus.Gauge
	RedisErrorsTotal    *prometheus.CounterVec
	ArchiveInsertsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Gate decision metrics
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditrail_decisions_total",
				Help: "Total number of gate decisions",
			},
			[]string{"tool", "outcome"},
		),
		DenialsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditrail_denials_total",
				Help: "Total number of denied calls by reason tag",
			},
			[]string{"reason"},
		),
		CreditsChargedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "creditrail_credits_charged_total",
				Help: "Total credits charged across all keys",
			},
		),
		CreditsRefundedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "creditrail_credits_refunded_total",
				Help: "Total credits refunded across all keys",
			},
		),
		EvaluateDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditrail_evaluate_duration_seconds",
				Help:    "Time taken by a gate evaluation (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"mode"},
		),
		AutoTopupsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "creditrail_auto_topups_total",
				Help: "Total number of auto-topup grants",
			},
		),
		AutoTopupCreditsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "creditrail_auto_topup_credits_total",
				Help: "Total credits granted by auto-topup",
			},
		),

		// Limit metrics
		RateLimitDeniesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditrail_rate_limit_denies_total",
				Help: "Total number of rate-limited calls",
			},
			[]string{"scope"},
		),
		QuotaDeniesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditrail_quota_denies_total",
				Help: "Total number of quota-denied calls",
			},
			[]string{"boundary"},
		),
		InflightCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "creditrail_inflight_calls",
				Help: "Number of tool calls currently executing",
			},
		),

		// Reservation metrics
		ReservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditrail_reservations_total",
				Help: "Total number of reservation transitions",
			},
			[]string{"outcome"},
		),
		HeldCredits: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "creditrail_held_credits",
				Help: "Credits currently held by open reservations",
			},
		),

		// Webhook metrics
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditrail_webhooks_total",
				Help: "Total number of webhook deliveries by final status",
			},
			[]string{"status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditrail_webhook_retries_total",
				Help: "Total number of webhook deliveries that needed retries",
			},
			[]string{"attempt"},
		),
		WebhookDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "creditrail_webhook_duration_seconds",
				Help:    "Time taken for webhook delivery including retries",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),

		// HTTP metrics
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditrail_http_request_duration_seconds",
				Help:    "HTTP request duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route", "status"},
		),

		// Store metrics
		KeysTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "creditrail_keys",
				Help: "Number of API keys in the store",
			},
		),
		OutstandingCredits: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "creditrail_outstanding_credits",
				Help: "Sum of credit balances across all keys",
			},
		),
		RedisErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditrail_redis_errors_total",
				Help: "Total number of Redis operation failures",
			},
			[]string{"op"},
		),
		ArchiveInsertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditrail_archive_inserts_total",
				Help: "Total number of event archive inserts",
			},
			[]string{"status"},
		),
	}
}

// ObserveDecision records one gate decision and its charge. Refunds
// arrive as negative charges and count toward the refund total.
func (m *Metrics) ObserveDecision(tool, outcome string, creditsCharged int64) {
	m.DecisionsTotal.WithLabelValues(tool, outcome).Inc()
	if creditsCharged >= 0 {
		m.CreditsChargedTotal.Add(float64(creditsCharged))
	} else {
		m.CreditsRefundedTotal.Add(float64(-creditsCharged))
	}
}

// ObserveDenial records a denied call by its reason tag. Rate and quota
// tags additionally feed the scope-level counters.
func (m *Metrics) ObserveDenial(reason string) {
	m.DenialsTotal.WithLabelValues(reason).Inc()

	switch reason {
	case "rate_limited":
		m.RateLimitDeniesTotal.WithLabelValues("global").Inc()
	case "tool_rate_limited":
		m.RateLimitDeniesTotal.WithLabelValues("tool").Inc()
	case "quota_daily_calls_exceeded":
		m.QuotaDeniesTotal.WithLabelValues("daily_calls").Inc()
	case "quota_daily_credits_exceeded":
		m.QuotaDeniesTotal.WithLabelValues("daily_credits").Inc()
	case "quota_monthly_calls_exceeded":
		m.QuotaDeniesTotal.WithLabelValues("monthly_calls").Inc()
	case "quota_monthly_credits_exceeded":
		m.QuotaDeniesTotal.WithLabelValues("monthly_credits").Inc()
	}
}

// ObserveEvaluate records the duration of a gate evaluation.
func (m *Metrics) ObserveEvaluate(mode string, duration time.Duration) {
	m.EvaluateDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveAutoTopup records an auto-topup grant.
func (m *Metrics) ObserveAutoTopup(credits int64) {
	m.AutoTopupsTotal.Inc()
	m.AutoTopupCreditsTotal.Add(float64(credits))
}

// ObserveReservation records a reservation transition.
func (m *Metrics) ObserveReservation(outcome string) {
	m.ReservationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveWebhook records a webhook delivery outcome.
func (m *Metrics) ObserveWebhook(status string, duration time.Duration, attempts int) {
	m.WebhooksTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.WebhookDuration.Observe(duration.Seconds())
	}
	if attempts > 1 {
		m.WebhookRetriesTotal.WithLabelValues(formatAttempt(attempts)).Inc()
	}
}

// ObserveHTTPRequest records an HTTP request duration.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// ObserveRedisError records a failed Redis operation.
func (m *Metrics) ObserveRedisError(op string) {
	m.RedisErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveArchiveInsert records an event archive insert.
func (m *Metrics) ObserveArchiveInsert(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.ArchiveInsertsTotal.WithLabelValues(status).Inc()
}

// SetStoreTotals updates the key-count and outstanding-credit gauges.
func (m *Metrics) SetStoreTotals(keys int, credits int64) {
	m.KeysTotal.Set(float64(keys))
	m.OutstandingCredits.Set(float64(credits))
}

// SetInflight updates the in-flight call gauge.
func (m *Metrics) SetInflight(n int) {
	m.InflightCalls.Set(float64(n))
}

// SetHeldCredits updates the reservation hold gauge.
func (m *Metrics) SetHeldCredits(n int64) {
	m.HeldCredits.Set(float64(n))
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return string(rune('0' + attempt))
	}
	return "5+"
}
