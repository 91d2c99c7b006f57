// Package creditrail assembles the gateway (key store, gate,
// reservations, scheduler, event consumers) for standalone serving or
// for embedding into a larger service.
package creditrail

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/CreditRail/gateway/internal/archive"
	"github.com/CreditRail/gateway/internal/config"
	"github.com/CreditRail/gateway/internal/events"
	"github.com/CreditRail/gateway/internal/gate"
	"github.com/CreditRail/gateway/internal/httpserver"
	"github.com/CreditRail/gateway/internal/inflight"
	"github.com/CreditRail/gateway/internal/keygroup"
	"github.com/CreditRail/gateway/internal/keystore"
	"github.com/CreditRail/gateway/internal/lifecycle"
	"github.com/CreditRail/gateway/internal/logger"
	"github.com/CreditRail/gateway/internal/metrics"
	"github.com/CreditRail/gateway/internal/quota"
	"github.com/CreditRail/gateway/internal/ratelimit"
	"github.com/CreditRail/gateway/internal/reasons"
	"github.com/CreditRail/gateway/internal/reservation"
	"github.com/CreditRail/gateway/internal/scheduler"
	"github.com/CreditRail/gateway/internal/scopedtoken"
	"github.com/CreditRail/gateway/internal/usage"
	"github.com/CreditRail/gateway/internal/webhook"
)

// gaugeRefreshInterval paces the store/reservation/inflight gauge
// updates.
const gaugeRefreshInterval = 15 * time.Second

const schemaTimeout = 10 * time.Second

// App wires the CreditRail gateway components for reuse or standalone
// serving. Optional components (Tokens, Webhooks, Archive) are nil when
// their configuration is absent.
type App struct {
	Config       *config.Config
	Store        *keystore.Store
	Gate         *gate.Gate
	Meter        *usage.Meter
	Reservations *reservation.Manager
	Inflight     *inflight.Limiter
	Scheduler    *scheduler.Scheduler
	Tokens       *scopedtoken.Issuer
	Webhooks     *webhook.Dispatcher
	Archive      *archive.Archive

	deps             httpserver.Deps
	router           chi.Router
	routerOnce       sync.Once
	logger           zerolog.Logger
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	router      chi.Router
	logger      *zerolog.Logger
	teamChecker gate.TeamChecker
	priceHook   gate.PriceTransform
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithLogger injects a logger instead of building one from the logging config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// WithTeamChecker installs an external budget checker consulted before
// credits commit.
func WithTeamChecker(fn gate.TeamChecker) Option {
	return func(o *options) {
		o.teamChecker = fn
	}
}

// WithPriceTransform installs a hook that may replace the computed
// price of a call.
func WithPriceTransform(fn gate.PriceTransform) Option {
	return func(o *options) {
		o.priceHook = fn
	}
}

// NewApp assembles the gateway services for embedding or serving.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("creditrail: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
	}
	if optState.logger != nil {
		app.logger = *optState.logger
	} else {
		app.logger = logger.New(logger.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Service:     "creditrail-gateway",
			Environment: cfg.Logging.Environment,
		})
	}

	// Tear down whatever was already started when construction fails
	// partway: the store's flush goroutine must not outlive the error.
	ok := false
	defer func() {
		if !ok {
			_ = app.resourceManager.Close()
		}
	}()

	// The store registers first so its final flush runs after every
	// component that writes to it has stopped.
	store, err := keystore.Open(cfg.State.Path,
		keystore.WithFlushInterval(cfg.State.FlushInterval.Duration),
		keystore.WithLogger(app.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	app.Store = store
	app.resourceManager.Register("key-store", store)

	app.Meter = usage.NewMeter(usage.DefaultCapacity)
	tracker := quota.New(quota.Limits{
		DailyCalls:     cfg.Quota.DailyCalls,
		MonthlyCalls:   cfg.Quota.MonthlyCalls,
		DailyCredits:   cfg.Quota.DailyCredits,
		MonthlyCredits: cfg.Quota.MonthlyCredits,
	})

	app.Gate = gate.New(store, tracker, app.Meter, gateConfig(cfg.Gate),
		gate.WithLogger(app.logger),
		gate.WithGroups(keygroup.NewRegistry(groupList(cfg.KeyGroups)...)),
	)
	app.resourceManager.RegisterFunc("gate", func() error {
		app.Gate.Destroy()
		return nil
	})
	if optState.teamChecker != nil {
		app.Gate.SetTeamChecker(optState.teamChecker)
	}
	if optState.priceHook != nil {
		app.Gate.SetTransformPrice(optState.priceHook)
	}

	app.Reservations = reservation.NewManager(store,
		reservation.WithDefaultTTL(cfg.Reservations.DefaultTTL.Duration),
		reservation.WithSweepInterval(cfg.Reservations.SweepInterval.Duration),
		reservation.WithLogger(app.logger),
	)
	app.resourceManager.Register("reservations", app.Reservations)

	app.Inflight = inflight.New(cfg.Concurrency.MaxPerKey, cfg.Concurrency.MaxPerTool)

	app.Scheduler = scheduler.New(store, scheduler.WithLogger(app.logger))
	app.resourceManager.Register("scheduler", app.Scheduler)

	if cfg.Tokens.Secret != "" {
		issuer, err := scopedtoken.NewIssuer(cfg.Tokens.Secret, cfg.Tokens.DefaultTTL.Duration)
		if err != nil {
			return nil, fmt.Errorf("scoped token issuer: %w", err)
		}
		app.Tokens = issuer
	}

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)
	app.metricsCollector = collector

	// Usage events fan out to every configured consumer; the metrics
	// observer is always attached.
	observers := []events.Observer{metricsObserver(collector)}

	if cfg.Webhook.URL != "" {
		dispatcher, err := webhook.New(webhookConfig(cfg.Webhook),
			webhook.WithLogger(app.logger),
			webhook.WithMetrics(collector),
		)
		if err != nil {
			return nil, fmt.Errorf("webhook dispatcher: %w", err)
		}
		app.Webhooks = dispatcher
		app.resourceManager.Register("webhook-dispatcher", dispatcher)
		observers = append(observers, dispatcher.Observer())
	}

	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		app.resourceManager.Register("redis", client)

		mirror := events.NewMirror(client, cfg.Redis.MirrorList, cfg.Redis.MirrorMaxLen, app.logger)
		mirror.ErrorHook = func(error) { collector.ObserveRedisError("mirror") }
		observers = append(observers, mirror.Observer())

		shared := ratelimit.NewRedisLimiter(client, app.logger)
		shared.ErrorHook = func(error) { collector.ObserveRedisError("rate_limit") }
		app.Gate.SetSharedLimiter(shared)
		app.logger.Info().Msg("redis attached: shared rate limiting and event mirroring enabled")
	}

	if cfg.Archive.PostgresURL != "" {
		sink, err := archive.Open(cfg.Archive.PostgresURL, cfg.Archive.Table, cfg.Archive.Pool,
			archive.WithLogger(app.logger),
			archive.WithMetrics(collector),
		)
		if err != nil {
			return nil, fmt.Errorf("open usage archive: %w", err)
		}
		app.Archive = sink
		app.resourceManager.Register("archive", sink)

		ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
		err = sink.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("ensure archive schema: %w", err)
		}
	}

	app.Meter.SetObserver(events.Combine(app.logger, observers...))
	app.Gate.OnAutoTopup(func(key string, amount, newBalance int64) {
		collector.ObserveAutoTopup(amount)
	})

	app.startGaugeLoop()

	app.deps = httpserver.Deps{
		Config:       cfg,
		Gate:         app.Gate,
		Store:        store,
		Reservations: app.Reservations,
		Inflight:     app.Inflight,
		Scheduler:    app.Scheduler,
		Tokens:       app.Tokens,
		Metrics:      collector,
		Gatherer:     registry,
		Logger:       app.logger,
	}
	app.router = optState.router

	ok = true
	return app, nil
}

// metricsObserver feeds gate decisions into the Prometheus counters.
func metricsObserver(collector *metrics.Metrics) events.Observer {
	return func(e events.UsageEvent) {
		if e.Allowed {
			collector.ObserveDecision(e.Tool, "allowed", e.CreditsCharged)
			return
		}
		collector.ObserveDecision(e.Tool, "denied", 0)
		collector.ObserveDenial(string(reasons.TagOf(e.DenyReason)))
	}
}

// startGaugeLoop publishes the store, reservation and inflight gauges
// on a fixed tick until the app closes.
func (a *App) startGaugeLoop() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(gaugeRefreshInterval)
		defer ticker.Stop()
		a.refreshGauges()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.refreshGauges()
			}
		}
	}()

	var once sync.Once
	a.resourceManager.RegisterFunc("gauge-loop", func() error {
		once.Do(func() {
			close(stop)
			<-done
		})
		return nil
	})
}

func (a *App) refreshGauges() {
	keys, credits, _ := a.Store.Totals()
	a.metricsCollector.SetStoreTotals(keys, credits)
	a.metricsCollector.SetHeldCredits(a.Reservations.Stats().HeldCredits)
	a.metricsCollector.SetInflight(a.Inflight.Total())
}

// gateConfig maps the YAML gate section onto the decision engine's
// config.
func gateConfig(gc config.GateConfig) gate.Config {
	tools := make(map[string]gate.ToolPolicy, len(gc.Tools))
	for name, tc := range gc.Tools {
		tools[name] = gate.ToolPolicy{
			CreditsPerCall:  tc.CreditsPerCall,
			RateLimitPerMin: tc.RateLimitPerMin,
		}
	}
	return gate.Config{
		DefaultCreditsPerCall: gc.DefaultCreditsPerCall,
		CreditsPerKbInput:     gc.CreditsPerKbInput,
		Tools:                 tools,
		GlobalRateLimitPerMin: gc.GlobalRateLimitPerMin,
		ShadowMode:            gc.ShadowMode,
		FreeMethods:           gc.FreeMethods,
		HookTimeout:           gc.HookTimeout.Duration,
	}
}

// webhookConfig maps the YAML webhook section onto the dispatcher's
// config. Disabled retry collapses to a single attempt; a disabled
// breaker gets a trip threshold it can never reach.
func webhookConfig(wc config.WebhookConfig) webhook.Config {
	out := webhook.Config{
		URL:                wc.URL,
		Secret:             wc.Secret,
		Headers:            wc.Headers,
		MaxAttempts:        wc.Retry.MaxAttempts,
		InitialBackoff:     wc.Retry.InitialInterval.Duration,
		MaxBackoff:         wc.Retry.MaxInterval.Duration,
		BackoffMultiplier:  wc.Retry.Multiplier,
		Timeout:            wc.Timeout.Duration,
		Workers:            wc.Workers,
		QueueSize:          wc.QueueSize,
		MaxBodyBytes:       int(wc.MaxBodyBytes),
		RatePerSec:         wc.RatePerSecond,
		BreakerFailures:    wc.Breaker.ConsecutiveFailures,
		BreakerRatio:       wc.Breaker.FailureRatio,
		BreakerMinRequests: wc.Breaker.MinRequests,
		BreakerCooldown:    wc.Breaker.Timeout.Duration,
		BreakerMaxRequests: wc.Breaker.MaxRequests,
		BreakerInterval:    wc.Breaker.Interval.Duration,
	}
	if !wc.Retry.Enabled {
		out.MaxAttempts = 1
	}
	if !wc.Breaker.Enabled {
		out.BreakerFailures = math.MaxUint32
		out.BreakerRatio = 0
	}
	return out
}

// groupList flattens the named key-group configs for the registry.
func groupList(groups map[string]config.GroupConfig) []keygroup.Group {
	out := make([]keygroup.Group, 0, len(groups))
	for name, gc := range groups {
		out = append(out, keygroup.Group{
			Name:         name,
			ToolPricing:  gc.ToolPricing,
			AllowedTools: gc.AllowedTools,
			DeniedTools:  gc.DeniedTools,
		})
	}
	return out
}

// Router returns the chi router with gateway routes registered,
// building it on first use.
func (a *App) Router() chi.Router {
	a.routerOnce.Do(func() {
		if a.router == nil {
			a.router = chi.NewRouter()
		}
		httpserver.ConfigureRouter(a.router, a.deps)
	})
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.Router()
}

// ServerDeps returns the transport dependency set, for callers running
// the bundled HTTP server instead of embedding the router.
func (a *App) ServerDeps() httpserver.Deps {
	return a.deps
}

// Logger returns the app's logger.
func (a *App) Logger() zerolog.Logger {
	return a.logger
}

// Close releases resources owned by the app, finishing with the key
// store's final flush.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// RegisterRoutes attaches gateway endpoints to the provided router
// using an existing App.
func RegisterRoutes(router chi.Router, app *App) {
	if router == nil || app == nil {
		return
	}
	httpserver.ConfigureRouter(router, app.deps)
}

// NewHandler is a convenience that constructs an App and returns its
// handler plus a shutdown hook.
func NewHandler(cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for
// embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the
// gateway.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
