// Package gate is the decision engine: every tool invocation passes
// through its ordered check sequence before credits are committed.
// Checks that read shared balance state re-run inside the key store's
// writer-lock scope so concurrent evaluators cannot double-spend.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/CreditRail/gateway/internal/events"
	"github.com/CreditRail/gateway/internal/keygroup"
	"github.com/CreditRail/gateway/internal/keystore"
	"github.com/CreditRail/gateway/internal/quota"
	"github.com/CreditRail/gateway/internal/ratelimit"
	"github.com/CreditRail/gateway/internal/usage"
)

// defaultHookTimeout bounds external hooks (team checker); an abandoned
// checker defaults to allow.
const defaultHookTimeout = 5 * time.Second

// errDenied signals a denial out of the Commit closure.
var errDenied = errors.New("gate: denied")

// ToolPolicy is the configured pricing and rate policy of one tool.
type ToolPolicy struct {
	CreditsPerCall  int64
	RateLimitPerMin int
}

// Config carries the gate's pricing and policy knobs.
type Config struct {
	DefaultCreditsPerCall int64
	CreditsPerKbInput     float64
	Tools                 map[string]ToolPolicy
	GlobalRateLimitPerMin int
	ShadowMode            bool
	FreeMethods           []string
	HookTimeout           time.Duration
}

// Decision is the outcome of a single evaluation.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason,omitempty"`
	CreditsCharged   int64  `json:"creditsCharged"`
	RemainingCredits int64  `json:"remainingCredits"`
}

// TeamCheck is the verdict of an external budget checker.
type TeamCheck struct {
	Allowed bool
	Reason  string
}

// TeamChecker consults an external budget before credits commit. It
// runs under the hook timeout; overruns count as allowed.
type TeamChecker func(ctx context.Context, key string, credits int64) TeamCheck

// PriceTransform may replace the computed price of a call.
type PriceTransform func(tool string, args any, computed int64) int64

// SharedLimiter is a distributed rate limiter consulted for the global
// per-key window when configured (check 6). Implementations record the
// call as part of an allowed check.
type SharedLimiter interface {
	CheckRateLimit(ctx context.Context, key string, maxCalls int, windowMs int64) bool
}

// Gate evaluates tool invocations against key state, rate limits,
// quotas and budgets, and commits the charge atomically.
type Gate struct {
	cfg     Config
	store   *keystore.Store
	quota   *quota.Tracker
	meter   *usage.Meter
	groups  *keygroup.Registry
	limiter *ratelimit.SlidingWindow
	shared  SharedLimiter

	// Callback slots. Wire before the first evaluation; unattached
	// slots are no-ops.
	onCreditsDeducted func(key string, amount int64)
	onAutoTopup       func(key string, amount, newBalance int64)
	teamChecker       TeamChecker
	teamRecorder      func(key string, credits int64)
	transformPrice    PriceTransform

	hookTimeout time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithGroups installs the key-group registry used for group ACLs and
// pricing overrides.
func WithGroups(groups *keygroup.Registry) Option {
	return func(g *Gate) { g.groups = groups }
}

// New builds a gate over the given stores. The gate owns its sliding
// window limiter; call Destroy to stop its GC loop.
func New(store *keystore.Store, tracker *quota.Tracker, meter *usage.Meter, cfg Config, opts ...Option) *Gate {
	g := &Gate{
		cfg:         cfg,
		store:       store,
		quota:       tracker,
		meter:       meter,
		limiter:     ratelimit.NewSlidingWindow(cfg.GlobalRateLimitPerMin),
		hookTimeout: cfg.HookTimeout,
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	if g.hookTimeout <= 0 {
		g.hookTimeout = defaultHookTimeout
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Destroy stops the gate's background work. The injected stores are
// owned by the caller.
func (g *Gate) Destroy() {
	g.limiter.Close()
}

// Meter exposes the usage meter for admin surfaces.
func (g *Gate) Meter() *usage.Meter { return g.meter }

// Limiter exposes the local sliding window (admin stats).
func (g *Gate) Limiter() *ratelimit.SlidingWindow { return g.limiter }

// OnCreditsDeducted attaches the post-deduction notification slot.
func (g *Gate) OnCreditsDeducted(fn func(key string, amount int64)) {
	g.onCreditsDeducted = fn
}

// OnAutoTopup attaches the auto-topup notification slot.
func (g *Gate) OnAutoTopup(fn func(key string, amount, newBalance int64)) {
	g.onAutoTopup = fn
}

// SetTeamChecker installs the external budget checker (check 11).
func (g *Gate) SetTeamChecker(fn TeamChecker) { g.teamChecker = fn }

// SetTeamRecorder installs the post-commit team ledger slot.
func (g *Gate) SetTeamRecorder(fn func(key string, credits int64)) {
	g.teamRecorder = fn
}

// SetTransformPrice installs the pricing hook.
func (g *Gate) SetTransformPrice(fn PriceTransform) { g.transformPrice = fn }

// SetSharedLimiter switches the global per-key window (check 6) to a
// distributed limiter. Per-tool windows stay local.
func (g *Gate) SetSharedLimiter(l SharedLimiter) { g.shared = l }

// IsFreeMethod reports whether a transport method bypasses evaluation.
func (g *Gate) IsFreeMethod(method string) bool {
	switch method {
	case "initialize", "tools/list":
		return true
	}
	return contains(g.cfg.FreeMethods, method)
}

// runTeamChecker invokes the checker with the hook timeout. A checker
// that panics or overruns counts as allowed.
func (g *Gate) runTeamChecker(ctx context.Context, key string, credits int64) TeamCheck {
	checker := g.teamChecker
	if checker == nil {
		return TeamCheck{Allowed: true}
	}

	ctx, cancel := context.WithTimeout(ctx, g.hookTimeout)
	defer cancel()

	done := make(chan TeamCheck, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error().Interface("panic", r).Msg("team checker panicked; allowing")
				done <- TeamCheck{Allowed: true}
			}
		}()
		done <- checker(ctx, key, credits)
	}()

	select {
	case check := <-done:
		return check
	case <-ctx.Done():
		g.logger.Warn().Str("key_preview", events.KeyPreview(key)).
			Msg("team checker timed out; allowing")
		return TeamCheck{Allowed: true}
	}
}

// safeTeamRecord shields evaluation from a panicking recorder.
func (g *Gate) safeTeamRecord(key string, credits int64) {
	recorder := g.teamRecorder
	if recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic", r).Msg("team recorder panicked")
		}
	}()
	recorder(key, credits)
}

// emit records a usage event on the meter, which fans out to the
// attached observer.
func (g *Gate) emit(apiKey, keyName, namespace, tool string, charged int64, allowed bool, denyReason string) {
	g.meter.Record(events.Stamp(events.UsageEvent{
		APIKey:         apiKey,
		KeyName:        keyName,
		Namespace:      namespace,
		Tool:           tool,
		CreditsCharged: charged,
		Allowed:        allowed,
		DenyReason:     denyReason,
	}))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func toolKey(apiKey, tool string) string {
	return apiKey + ":tool:" + tool
}
