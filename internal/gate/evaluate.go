package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/CreditRail/gateway/internal/events"
	"github.com/CreditRail/gateway/internal/keystore"
	"github.com/CreditRail/gateway/internal/ratelimit"
	"github.com/CreditRail/gateway/internal/reasons"
)

// Request describes one tool invocation to be gated.
type Request struct {
	APIKey      string
	Tool        string
	Args        any
	ClientIP    string
	TokenScoped bool     // a scoped token was presented
	ScopedTools []string // tools the token delegates
}

// Evaluate runs the full check sequence for one call and, on allow,
// commits the charge. The ordering is fixed: key presence, key
// liveness, IP allowlist, tool ACL, token scope, global rate, per-tool
// rate, credits, spending limit, quota, team budget. Credits, spending
// limit and quota re-run inside the store's writer lock together with
// the mutations, so the decision is atomic per key.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	if req.APIKey == "" {
		return g.deny(req, nil, string(reasons.MissingAPIKey), 0)
	}

	if g.store.IsRevoked(req.APIKey) {
		return g.deny(req, nil, string(reasons.KeyRevoked), 0)
	}
	if g.store.IsSuspended(req.APIKey) {
		return g.deny(req, nil, string(reasons.KeySuspended), 0)
	}
	if g.store.IsExpired(req.APIKey) {
		return g.deny(req, nil, string(reasons.APIKeyExpired), 0)
	}
	rec := g.store.GetKey(req.APIKey)
	if rec == nil {
		return g.deny(req, nil, string(reasons.InvalidAPIKey), 0)
	}

	if req.ClientIP != "" && !keystore.IPAllowed(rec.IPAllowlist, req.ClientIP) {
		return g.deny(req, rec, reasons.Detail(reasons.IPNotAllowed, req.ClientIP+" not in allowlist"), rec.Credits)
	}

	if full := g.checkACL(rec, req.Tool); full != "" {
		return g.deny(req, rec, full, rec.Credits)
	}

	if req.TokenScoped && !contains(req.ScopedTools, req.Tool) {
		return g.deny(req, rec, reasons.Detail(reasons.TokenToolNotAllowed, req.Tool+" not in token scope"), rec.Credits)
	}

	if full := g.checkGlobalRate(ctx, req.APIKey); full != "" {
		return g.deny(req, rec, full, rec.Credits)
	}

	toolLimit := 0
	if tp, ok := g.cfg.Tools[req.Tool]; ok {
		toolLimit = tp.RateLimitPerMin
	}
	if toolLimit > 0 && !g.limiter.CheckCustom(toolKey(req.APIKey, req.Tool), toolLimit) {
		return g.deny(req, rec, toolRateReason(req.Tool, toolLimit), rec.Credits)
	}

	price := g.price(req.Tool, req.Args, rec)

	// Cheap preliminary pass over the snapshot; the authoritative run
	// happens under the writer lock below.
	if full := g.fundsReason(rec, 1, price); full != "" {
		return g.deny(req, rec, full, rec.Credits)
	}

	if check := g.runTeamChecker(ctx, req.APIKey, price); !check.Allowed {
		return g.deny(req, rec, reasons.Detail(reasons.TeamBudgetExceeded, check.Reason), rec.Credits)
	}

	var (
		remaining int64
		denial    string
		topup     *topupResult
	)
	err := g.store.Commit(req.APIKey, func(r *keystore.Record) error {
		if full := g.fundsReason(r, 1, price); full != "" {
			denial = full
			return errDenied
		}
		r.Credits -= price
		r.TotalSpent += price
		r.TotalCalls++
		g.quota.Record(r, price)
		if g.shared == nil && g.cfg.GlobalRateLimitPerMin > 0 {
			g.limiter.Record(req.APIKey)
		}
		if toolLimit > 0 {
			g.limiter.RecordCustom(toolKey(req.APIKey, req.Tool))
		}
		remaining = r.Credits
		if topup = g.maybeTopupLocked(r); topup != nil {
			remaining = topup.newBalance
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errDenied) {
			return g.deny(req, rec, denial, rec.Credits)
		}
		// Key deleted between the snapshot and the commit.
		return g.deny(req, rec, string(reasons.InvalidAPIKey), 0)
	}

	g.safeTeamRecord(req.APIKey, price)
	if g.onCreditsDeducted != nil {
		g.onCreditsDeducted(req.APIKey, price)
	}
	if topup != nil {
		g.logger.Info().Str("key_preview", events.KeyPreview(req.APIKey)).
			Int64("amount", topup.amount).Int64("balance", topup.newBalance).
			Msg("auto-topup applied")
		if g.onAutoTopup != nil {
			g.onAutoTopup(req.APIKey, topup.amount, topup.newBalance)
		}
	}
	g.emit(req.APIKey, rec.Name, rec.Namespace, req.Tool, price, true, "")

	return Decision{Allowed: true, CreditsCharged: price, RemainingCredits: remaining}
}

// deny finalizes a denial. Shadow mode converts it into an allow with
// the reason prefixed and no charge.
func (g *Gate) deny(req Request, rec *keystore.Record, full string, balance int64) Decision {
	var name, namespace string
	if rec != nil {
		name, namespace = rec.Name, rec.Namespace
	}
	if g.cfg.ShadowMode {
		shadow := reasons.Shadow(full)
		g.emit(req.APIKey, name, namespace, req.Tool, 0, true, shadow)
		return Decision{Allowed: true, Reason: shadow, RemainingCredits: balance}
	}
	g.emit(req.APIKey, name, namespace, req.Tool, 0, false, full)
	g.logger.Debug().Str("tool", req.Tool).Str("reason", full).Msg("call denied")
	return Decision{Allowed: false, Reason: full, RemainingCredits: balance}
}

// checkACL applies the key's tool lists, then the group's, with
// whitelist-before-blacklist precedence in each.
func (g *Gate) checkACL(rec *keystore.Record, tool string) string {
	whitelisted, blacklisted := rec.ToolAllowed(tool)
	if !whitelisted {
		return reasons.Detail(reasons.ToolNotAllowed, tool+" not in allowedTools")
	}
	if blacklisted {
		return reasons.Detail(reasons.ToolDenied, tool+" is in deniedTools")
	}

	grp := g.groups.Resolve(rec.Group)
	if grp == nil {
		return ""
	}
	if len(grp.AllowedTools) > 0 && !contains(grp.AllowedTools, tool) {
		return reasons.Detail(reasons.ToolNotAllowed, tool+" not in group "+grp.Name+" allowedTools")
	}
	if contains(grp.DeniedTools, tool) {
		return reasons.Detail(reasons.ToolDenied, tool+" is in group "+grp.Name+" deniedTools")
	}
	return ""
}

// checkGlobalRate applies check 6 through the shared limiter when one
// is installed (it records as part of an allowed check), otherwise
// against the local window.
func (g *Gate) checkGlobalRate(ctx context.Context, key string) string {
	limit := g.cfg.GlobalRateLimitPerMin
	if limit <= 0 {
		return ""
	}
	allowed := true
	if g.shared != nil {
		allowed = g.shared.CheckRateLimit(ctx, key, limit, ratelimit.Window.Milliseconds())
	} else {
		allowed = g.limiter.Check(key)
	}
	if !allowed {
		return reasons.Detail(reasons.RateLimited, fmt.Sprintf("%d calls/min exceeded", limit))
	}
	return ""
}

// fundsReason runs checks 8-10: credits, spending limit, quota. calls
// and credits are aggregates for batches.
func (g *Gate) fundsReason(r *keystore.Record, calls, credits int64) string {
	if r.Credits < credits {
		return reasons.Detail(reasons.InsufficientCredits, fmt.Sprintf("need %d, have %d", credits, r.Credits))
	}
	if r.SpendingLimit > 0 && r.TotalSpent+credits > r.SpendingLimit {
		return reasons.Detail(reasons.SpendingLimitExceeded, fmt.Sprintf("%d + %d exceeds limit %d", r.TotalSpent, credits, r.SpendingLimit))
	}
	if calls == 1 {
		return g.quota.Check(r, credits)
	}
	return g.quota.CheckBatch(r, calls, credits)
}

func toolRateReason(tool string, limit int) string {
	return reasons.Detail(reasons.ToolRateLimited, fmt.Sprintf("%s: %d calls/min exceeded", tool, limit))
}
