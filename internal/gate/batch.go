package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/CreditRail/gateway/internal/keystore"
	"github.com/CreditRail/gateway/internal/reasons"
)

// Call is one entry of a batch evaluation.
type Call struct {
	Tool string `json:"tool"`
	Args any    `json:"args,omitempty"`
}

// CallDecision is the per-call outcome inside a batch result.
type CallDecision struct {
	Tool           string `json:"tool"`
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	CreditsCharged int64  `json:"creditsCharged"`
}

// BatchRequest describes a batch of calls sharing one key.
type BatchRequest struct {
	APIKey      string
	Calls       []Call
	ClientIP    string
	TokenScoped bool
	ScopedTools []string
}

// BatchResult is the all-or-nothing outcome of EvaluateBatch. Reason
// carries the key-level or failing-call deny tag; FailedIndex is -1
// for key-level and aggregate failures.
type BatchResult struct {
	AllAllowed       bool           `json:"allAllowed"`
	Reason           string         `json:"reason,omitempty"`
	FailedIndex      int            `json:"failedIndex"`
	Decisions        []CallDecision `json:"decisions"`
	TotalCharged     int64          `json:"totalCreditsCharged"`
	RemainingCredits int64          `json:"remainingCredits"`
}

// EvaluateBatch gates a batch atomically: key-level checks run once,
// ACL/token/rate checks run per call (rate checks count earlier batch
// entries), and the credit, spending-limit, quota and team checks run
// over the aggregate price. Any failure rejects the whole batch with
// nothing charged and no usage events; success deducts the aggregate in
// one commit and emits one event per call.
func (g *Gate) EvaluateBatch(ctx context.Context, req BatchRequest) BatchResult {
	if len(req.Calls) == 0 {
		return BatchResult{AllAllowed: true, FailedIndex: -1, Decisions: []CallDecision{}}
	}

	if req.APIKey == "" {
		return g.rejectBatch(req, string(reasons.MissingAPIKey), -1, 0)
	}
	if g.store.IsRevoked(req.APIKey) {
		return g.rejectBatch(req, string(reasons.KeyRevoked), -1, 0)
	}
	if g.store.IsSuspended(req.APIKey) {
		return g.rejectBatch(req, string(reasons.KeySuspended), -1, 0)
	}
	if g.store.IsExpired(req.APIKey) {
		return g.rejectBatch(req, string(reasons.APIKeyExpired), -1, 0)
	}
	rec := g.store.GetKey(req.APIKey)
	if rec == nil {
		return g.rejectBatch(req, string(reasons.InvalidAPIKey), -1, 0)
	}
	if req.ClientIP != "" && !keystore.IPAllowed(rec.IPAllowlist, req.ClientIP) {
		return g.rejectBatch(req, reasons.Detail(reasons.IPNotAllowed, req.ClientIP+" not in allowlist"), -1, rec.Credits)
	}

	// Per-call checks. Rate projections include the calls earlier in
	// this batch, so a batch that would blow a window mid-way is
	// rejected up front with the window untouched.
	globalLimit := g.cfg.GlobalRateLimitPerMin
	globalCount := 0
	if globalLimit > 0 {
		globalCount = g.limiter.CurrentCount(req.APIKey)
	}
	prices := make([]int64, len(req.Calls))
	var total int64
	seen := make(map[string]int)
	for i, call := range req.Calls {
		if full := g.checkACL(rec, call.Tool); full != "" {
			return g.rejectBatch(req, full, i, rec.Credits)
		}
		if req.TokenScoped && !contains(req.ScopedTools, call.Tool) {
			return g.rejectBatch(req, reasons.Detail(reasons.TokenToolNotAllowed, call.Tool+" not in token scope"), i, rec.Credits)
		}
		if globalLimit > 0 && globalCount+i >= globalLimit {
			return g.rejectBatch(req, reasons.Detail(reasons.RateLimited, fmt.Sprintf("%d calls/min exceeded", globalLimit)), i, rec.Credits)
		}
		if tp, ok := g.cfg.Tools[call.Tool]; ok && tp.RateLimitPerMin > 0 {
			current := g.limiter.CurrentCount(toolKey(req.APIKey, call.Tool))
			if current+seen[call.Tool] >= tp.RateLimitPerMin {
				return g.rejectBatch(req, toolRateReason(call.Tool, tp.RateLimitPerMin), i, rec.Credits)
			}
		}
		seen[call.Tool]++
		prices[i] = g.price(call.Tool, call.Args, rec)
		total += prices[i]
	}

	calls := int64(len(req.Calls))
	if full := g.fundsReason(rec, calls, total); full != "" {
		return g.rejectBatch(req, full, -1, rec.Credits)
	}

	if check := g.runTeamChecker(ctx, req.APIKey, total); !check.Allowed {
		return g.rejectBatch(req, reasons.Detail(reasons.TeamBudgetExceeded, check.Reason), -1, rec.Credits)
	}

	var (
		remaining int64
		denial    string
		topup     *topupResult
	)
	err := g.store.Commit(req.APIKey, func(r *keystore.Record) error {
		if full := g.fundsReason(r, calls, total); full != "" {
			denial = full
			return errDenied
		}
		r.Credits -= total
		r.TotalSpent += total
		r.TotalCalls += calls
		g.quota.RecordBatch(r, calls, total)
		for _, call := range req.Calls {
			if g.shared == nil && globalLimit > 0 {
				g.limiter.Record(req.APIKey)
			}
			if tp, ok := g.cfg.Tools[call.Tool]; ok && tp.RateLimitPerMin > 0 {
				g.limiter.RecordCustom(toolKey(req.APIKey, call.Tool))
			}
		}
		remaining = r.Credits
		if topup = g.maybeTopupLocked(r); topup != nil {
			remaining = topup.newBalance
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errDenied) {
			return g.rejectBatch(req, denial, -1, rec.Credits)
		}
		return g.rejectBatch(req, string(reasons.InvalidAPIKey), -1, 0)
	}

	g.safeTeamRecord(req.APIKey, total)
	if g.onCreditsDeducted != nil {
		g.onCreditsDeducted(req.APIKey, total)
	}
	if topup != nil && g.onAutoTopup != nil {
		g.onAutoTopup(req.APIKey, topup.amount, topup.newBalance)
	}

	decisions := make([]CallDecision, len(req.Calls))
	for i, call := range req.Calls {
		decisions[i] = CallDecision{Tool: call.Tool, Allowed: true, CreditsCharged: prices[i]}
		g.emit(req.APIKey, rec.Name, rec.Namespace, call.Tool, prices[i], true, "")
	}
	return BatchResult{
		AllAllowed:       true,
		FailedIndex:      -1,
		Decisions:        decisions,
		TotalCharged:     total,
		RemainingCredits: remaining,
	}
}

// rejectBatch finalizes an all-or-nothing denial: nothing charged, no
// events. The failing call carries the true reason; its peers carry
// batch_rejected. Shadow mode converts the whole result into an allow
// with the failing reason prefixed, still charging nothing.
func (g *Gate) rejectBatch(req BatchRequest, full string, failedIndex int, balance int64) BatchResult {
	decisions := make([]CallDecision, len(req.Calls))

	if g.cfg.ShadowMode {
		shadow := reasons.Shadow(full)
		for i, call := range req.Calls {
			decisions[i] = CallDecision{Tool: call.Tool, Allowed: true}
			if i == failedIndex {
				decisions[i].Reason = shadow
			}
		}
		return BatchResult{
			AllAllowed:       true,
			Reason:           shadow,
			FailedIndex:      failedIndex,
			Decisions:        decisions,
			RemainingCredits: balance,
		}
	}

	for i, call := range req.Calls {
		reason := string(reasons.BatchRejected)
		if i == failedIndex {
			reason = full
		}
		decisions[i] = CallDecision{Tool: call.Tool, Allowed: false, Reason: reason}
	}
	g.logger.Debug().Str("reason", full).Int("failed_index", failedIndex).
		Int("calls", len(req.Calls)).Msg("batch rejected")
	return BatchResult{
		AllAllowed:       false,
		Reason:           full,
		FailedIndex:      failedIndex,
		Decisions:        decisions,
		RemainingCredits: balance,
	}
}
