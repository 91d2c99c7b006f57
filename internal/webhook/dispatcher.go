package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/CreditRail/gateway/internal/events"
	"github.com/CreditRail/gateway/internal/httputil"
	"github.com/CreditRail/gateway/internal/metrics"
)

// Config controls delivery behavior. Zero fields fall back to the
// documented defaults.
type Config struct {
	URL     string
	Secret  string            // empty disables the signature header
	Headers map[string]string // extra headers; Content-Type is always application/json

	MaxAttempts       int           // default 5
	InitialBackoff    time.Duration // default 1s
	MaxBackoff        time.Duration // default 5m
	BackoffMultiplier float64       // default 2.0
	Timeout           time.Duration // per-attempt, default 10s

	Workers      int     // default 4
	QueueSize    int     // default 256
	MaxBodyBytes int     // default 1 MiB
	RatePerSec   float64 // outbound request pacing, 0 disables

	BreakerFailures    uint32        // consecutive failures to trip, default 10
	BreakerRatio       float64       // failure-ratio trip, 0 disables
	BreakerMinRequests uint32        // requests required before the ratio applies
	BreakerCooldown    time.Duration // open-state duration, default 60s
	BreakerMaxRequests uint32        // half-open probe allowance, 0 allows one
	BreakerInterval    time.Duration // closed-state counts reset period, 0 never resets
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 10
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 60 * time.Second
	}
	return c
}

// ErrNoURL is returned by New when no delivery URL is configured.
var ErrNoURL = errors.New("webhook: no URL configured")

// payload is the delivered document: the usage event plus a marker set
// when the deny reason had to be trimmed to fit the body cap.
type payload struct {
	events.UsageEvent
	Truncated bool `json:"truncated,omitempty"`
}

// Dispatcher fans usage events out to the configured URL on a bounded
// worker pool. Enqueueing never blocks; a full queue drops the event.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	pace    *rate.Limiter
	queue   chan []byte
	logger  zerolog.Logger
	metrics *metrics.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Option customizes the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger for delivery operations.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the metrics collector for delivery observability.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New constructs a dispatcher and starts its workers. Call Close to
// stop them.
func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:    cfg,
		client: httputil.NewClient(cfg.Timeout),
		queue:  make(chan []byte, cfg.QueueSize),
		logger: zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.BreakerFailures {
				return true
			}
			if cfg.BreakerRatio > 0 && cfg.BreakerMinRequests > 0 && counts.Requests >= cfg.BreakerMinRequests {
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn().Str("from", from.String()).Str("to", to.String()).
				Msg("webhook breaker state changed")
		},
	})
	if cfg.RatePerSec > 0 {
		d.pace = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d, nil
}

// Observer adapts the dispatcher to the usage-event observer slot.
func (d *Dispatcher) Observer() events.Observer {
	return d.Deliver
}

// Deliver enqueues one event for delivery. It never blocks: when the
// queue is full the event is dropped and counted.
func (d *Dispatcher) Deliver(e events.UsageEvent) {
	body, err := d.encode(e)
	if err != nil {
		d.logger.Error().Err(err).Str("event_id", e.ID).Msg("webhook payload encode failed")
		return
	}
	select {
	case d.queue <- body:
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.ObserveWebhook("dropped", 0, 0)
		}
		d.logger.Warn().Str("event_id", e.ID).Msg("webhook queue full, event dropped")
	}
}

// encode marshals the event, trimming the deny reason until the body
// fits under the configured cap. The trim loop leaves a margin so JSON
// escaping of a cut rune cannot push the body back over the cap.
func (d *Dispatcher) encode(e events.UsageEvent) ([]byte, error) {
	body, err := json.Marshal(payload{UsageEvent: e})
	if err != nil {
		return nil, err
	}
	if len(body) <= d.cfg.MaxBodyBytes {
		return body, nil
	}

	for {
		over := len(body) - d.cfg.MaxBodyBytes
		if over <= 0 || e.DenyReason == "" {
			return body, nil
		}
		keep := len(e.DenyReason) - over - 8
		if keep < 0 {
			keep = 0
		}
		e.DenyReason = strings.ToValidUTF8(e.DenyReason[:keep], "")
		body, err = json.Marshal(payload{UsageEvent: e, Truncated: true})
		if err != nil {
			return nil, err
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case body := <-d.queue:
			d.send(body)
		}
	}
}

// send runs the retry loop for one payload. A breaker-open response
// abandons the delivery instead of burning attempts against a target
// already known to be down.
func (d *Dispatcher) send(body []byte) {
	start := time.Now()
	interval := d.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		_, err := d.breaker.Execute(func() (interface{}, error) {
			return nil, d.post(body)
		})
		if err == nil {
			d.delivered.Add(1)
			if d.metrics != nil {
				d.metrics.ObserveWebhook("success", time.Since(start), attempt)
			}
			if attempt > 1 {
				d.logger.Info().Int("attempt", attempt).Msg("webhook succeeded after retry")
			}
			return
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			d.dropped.Add(1)
			if d.metrics != nil {
				d.metrics.ObserveWebhook("dropped", 0, 0)
			}
			d.logger.Warn().Msg("webhook breaker open, event dropped")
			return
		}

		lastErr = err
		d.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", d.cfg.MaxAttempts).
			Dur("next_retry", interval).
			Msg("webhook attempt failed")

		if attempt < d.cfg.MaxAttempts {
			select {
			case <-time.After(interval):
			case <-d.ctx.Done():
				return
			}
			interval = time.Duration(float64(interval) * d.cfg.BackoffMultiplier)
			if interval > d.cfg.MaxBackoff {
				interval = d.cfg.MaxBackoff
			}
		}
	}

	d.failed.Add(1)
	if d.metrics != nil {
		d.metrics.ObserveWebhook("failed", time.Since(start), d.cfg.MaxAttempts)
	}
	d.logger.Error().Err(lastErr).
		Int("attempts", d.cfg.MaxAttempts).
		Msg("webhook failed after all retries")
}

// post performs one HTTP delivery attempt.
func (d *Dispatcher) post(body []byte) error {
	if d.pace != nil {
		if err := d.pace.Wait(d.ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Signature(d.cfg.Secret, body))
	}
	for k, v := range d.cfg.Headers {
		if k == "" || strings.EqualFold(k, "content-type") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, d.cfg.URL)
	}
	return nil
}

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	Delivered    int64  `json:"delivered"`
	Failed       int64  `json:"failed"`
	Dropped      int64  `json:"dropped"`
	Queued       int    `json:"queued"`
	BreakerState string `json:"breakerState"`
}

// Stats returns delivery counters and the breaker state.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		Queued:       len(d.queue),
		BreakerState: d.breaker.State().String(),
	}
}

// Close stops the workers. Events still queued are dropped. Safe to
// call more than once.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		if n := len(d.queue); n > 0 {
			d.logger.Warn().Int("queued", n).Msg("webhook dispatcher closing with undelivered events")
		}
		d.cancel()
		d.wg.Wait()
	})
	return nil
}
