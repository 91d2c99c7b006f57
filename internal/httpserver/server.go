// Package httpserver carries the HTTP transport: the JSON-RPC gateway
// endpoint, the admin API, and the public health/pricing/metrics
// surfaces. All policy decisions live in the gate; this layer parses,
// authenticates, dispatches and renders.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CreditRail/gateway/internal/config"
	"github.com/CreditRail/gateway/internal/gate"
	"github.com/CreditRail/gateway/internal/inflight"
	"github.com/CreditRail/gateway/internal/keystore"
	"github.com/CreditRail/gateway/internal/logger"
	"github.com/CreditRail/gateway/internal/metrics"
	"github.com/CreditRail/gateway/internal/ratelimit"
	"github.com/CreditRail/gateway/internal/reservation"
	"github.com/CreditRail/gateway/internal/scheduler"
	"github.com/CreditRail/gateway/internal/scopedtoken"
	"github.com/CreditRail/gateway/internal/versioning"
)

// Deps carries the wired components the transport serves. Tokens,
// Metrics and Gatherer may be nil; the matching surfaces degrade
// (token auth rejected, no HTTP metrics, default registry).
type Deps struct {
	Config       *config.Config
	Gate         *gate.Gate
	Store        *keystore.Store
	Reservations *reservation.Manager
	Inflight     *inflight.Limiter
	Scheduler    *scheduler.Scheduler
	Tokens       *scopedtoken.Issuer
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	Logger       zerolog.Logger
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg          *config.Config
	gate         *gate.Gate
	store        *keystore.Store
	reservations *reservation.Manager
	inflight     *inflight.Limiter
	scheduler    *scheduler.Scheduler
	tokens       *scopedtoken.Issuer
	metrics      *metrics.Metrics
	upstream     *upstreamClient // nil when no upstream is configured
	logger       zerolog.Logger
}

func newHandlers(d Deps) handlers {
	return handlers{
		cfg:          d.Config,
		gate:         d.Gate,
		store:        d.Store,
		reservations: d.Reservations,
		inflight:     d.Inflight,
		scheduler:    d.Scheduler,
		tokens:       d.Tokens,
		metrics:      d.Metrics,
		upstream:     newUpstreamClient(d.Config.Upstream),
		logger:       d.Logger,
	}
}

// New builds the HTTP server with configured router.
func New(d Deps) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: newHandlers(d),
		httpServer: &http.Server{
			Addr:         d.Config.Server.Address,
			ReadTimeout:  d.Config.Server.ReadTimeout.Duration,
			WriteTimeout: d.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  d.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, d)
	return s
}

// ConfigureRouter attaches the gateway routes to an existing router, so
// the transport can be embedded into a larger service.
func ConfigureRouter(router chi.Router, d Deps) {
	if router == nil {
		return
	}

	h := newHandlers(d)
	cfg := d.Config

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)

	// Structured logging before RequestID so the request logger rides the
	// context everywhere downstream.
	router.Use(logger.Middleware(d.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(httpMetrics(d.Metrics))

	router.MethodNotAllowed(methodNotAllowed)

	prefix := cfg.Server.RoutePrefix

	onLimited := func(scope string) {
		if d.Metrics != nil {
			d.Metrics.ObserveDenial("rate_limited")
		}
	}
	ipLimit := func(scope string) func(http.Handler) http.Handler {
		return ratelimit.IPLimiter(cfg.Server.IPRateLimit, cfg.Server.IPRateWindow.Duration, scope, onLimited)
	}

	// Lightweight endpoints: probes, pricing, metrics.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", h.healthz)
		r.Get("/readyz", h.readyz)
		r.Get(prefix+"/pricing", h.pricing)
		r.With(metricsAuth(cfg.Server.MetricsAPIKey)).Get(prefix+"/metrics", metricsHandler(d.Gatherer))
	})

	// The gated JSON-RPC surface. The generous timeout covers upstream
	// forwarding; evaluation itself is sub-millisecond.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(ipLimit("mcp"))
		r.Post(prefix+"/mcp", h.rpc)
	})

	// Admin API.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(ipLimit("admin"))
		r.Use(versioning.Negotiation)
		r.Use(h.adminAuth)
		r.Route(prefix+"/admin", func(r chi.Router) {
			r.Post("/keys", h.createKey)
			r.Get("/keys", h.listKeys)
			r.Post("/keys/import", h.importKey)
			r.Get("/keys/{key}", h.getKey)
			r.Patch("/keys/{key}", h.updateKey)
			r.Delete("/keys/{key}", h.deleteKey)
			r.Post("/keys/{key}/credits", h.addCredits)
			r.Post("/keys/{key}/suspend", h.suspendKey)
			r.Post("/keys/{key}/reactivate", h.reactivateKey)
			r.Post("/keys/{key}/alias", h.setAlias)
			r.Delete("/aliases/{alias}", h.removeAlias)

			r.Post("/tokens", h.mintToken)

			r.Get("/usage", h.usageSummary)
			r.Get("/usage/events", h.usageEvents)
			r.Get("/usage/export", h.usageExport)

			r.Post("/reservations", h.createReservation)
			r.Get("/reservations", h.listReservations)
			r.Get("/reservations/{id}", h.getReservation)
			r.Post("/reservations/{id}/settle", h.settleReservation)
			r.Post("/reservations/{id}/release", h.releaseReservation)

			r.Get("/inflight", h.inflightSnapshot)

			r.Post("/schedule", h.createScheduledAction)
			r.Get("/schedule", h.listScheduledActions)
			r.Delete("/schedule/{id}", h.cancelScheduledAction)

			r.Get("/stats", h.stats)
		})
	})
}

// metricsHandler serves the given gatherer, or the global default when
// none was injected.
func metricsHandler(g prometheus.Gatherer) http.HandlerFunc {
	handler := promhttp.Handler()
	if g != nil {
		handler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return handler.ServeHTTP
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
