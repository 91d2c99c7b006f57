package reasons

import "strings"

// Reason is a machine-readable deny tag returned by the gate. Reasons travel
// verbatim in decisions, usage events, and webhook payloads, so the string
// values are part of the wire contract and must stay stable.
type Reason string

// Authentication failures
const (
	MissingAPIKey Reason = "missing_api_key"
	InvalidAPIKey Reason = "invalid_api_key"
	APIKeyExpired Reason = "api_key_expired"
)

// Authorization failures
const (
	ToolNotAllowed      Reason = "tool_not_allowed"
	ToolDenied          Reason = "tool_denied"
	TokenToolNotAllowed Reason = "token_tool_not_allowed"
	IPNotAllowed        Reason = "ip_not_allowed"
	KeyRevoked          Reason = "key_revoked"
	KeySuspended        Reason = "key_suspended"
)

// Rate and quota failures
const (
	RateLimited                 Reason = "rate_limited"
	ToolRateLimited             Reason = "tool_rate_limited"
	QuotaDailyCallsExceeded     Reason = "quota_daily_calls_exceeded"
	QuotaMonthlyCallsExceeded   Reason = "quota_monthly_calls_exceeded"
	QuotaDailyCreditsExceeded   Reason = "quota_daily_credits_exceeded"
	QuotaMonthlyCreditsExceeded Reason = "quota_monthly_credits_exceeded"
)

// Payment failures
const (
	InsufficientCredits   Reason = "insufficient_credits"
	SpendingLimitExceeded Reason = "spending_limit_exceeded"
	TeamBudgetExceeded    Reason = "team_budget_exceeded"
)

// Reservation failures
const (
	ReservationNotFound Reason = "reservation_not_found"
	ReservationNotHeld  Reason = "reservation_not_held"
	ReservationExpired  Reason = "reservation_expired"
)

// Concurrency failures
const (
	ConcurrencyLimitKey  Reason = "concurrency_limit_key"
	ConcurrencyLimitTool Reason = "concurrency_limit_tool"
)

// Batch surrogate: attached to the non-failing calls of a rejected batch.
const BatchRejected Reason = "batch_rejected"

// ShadowPrefix marks decisions that would have denied but were allowed
// because shadow mode is active.
const ShadowPrefix = "shadow:"

// Detail renders "<tag>: <msg>" so callers can attach context (counts,
// limits, the offending tool) while observers can still recover the tag.
func Detail(r Reason, msg string) string {
	if msg == "" {
		return string(r)
	}
	return string(r) + ": " + msg
}

// Shadow wraps a full reason string for shadow-mode decisions.
func Shadow(full string) string {
	return ShadowPrefix + full
}

// TagOf recovers the bare Reason from a full reason string, stripping any
// shadow prefix and detail suffix.
func TagOf(full string) Reason {
	full = strings.TrimPrefix(full, ShadowPrefix)
	if i := strings.IndexByte(full, ':'); i >= 0 {
		full = full[:i]
	}
	return Reason(strings.TrimSpace(full))
}

// JSON-RPC error codes used at the transport boundary.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeRateLimited     = -32001
	CodeUnauthorized    = -32401
	CodePaymentRequired = -32402
)

// JSONRPCCode maps a deny reason to the JSON-RPC error code the transport
// returns for it.
func (r Reason) JSONRPCCode() int {
	switch r {
	case InsufficientCredits,
		SpendingLimitExceeded,
		TeamBudgetExceeded:
		return CodePaymentRequired

	case RateLimited,
		ToolRateLimited,
		QuotaDailyCallsExceeded,
		QuotaMonthlyCallsExceeded,
		QuotaDailyCreditsExceeded,
		QuotaMonthlyCreditsExceeded,
		ConcurrencyLimitKey,
		ConcurrencyLimitTool:
		return CodeRateLimited

	case MissingAPIKey,
		InvalidAPIKey,
		APIKeyExpired,
		KeyRevoked,
		KeySuspended,
		ToolNotAllowed,
		ToolDenied,
		TokenToolNotAllowed,
		IPNotAllowed:
		return CodeUnauthorized

	default:
		return CodeInternalError
	}
}

// HTTPStatus maps a deny reason to the status used on non-RPC surfaces
// (admin endpoints, reservation API).
func (r Reason) HTTPStatus() int {
	switch r {
	case InsufficientCredits,
		SpendingLimitExceeded,
		TeamBudgetExceeded:
		return 402

	case RateLimited,
		ToolRateLimited,
		QuotaDailyCallsExceeded,
		QuotaMonthlyCallsExceeded,
		QuotaDailyCreditsExceeded,
		QuotaMonthlyCreditsExceeded,
		ConcurrencyLimitKey,
		ConcurrencyLimitTool:
		return 429

	case MissingAPIKey,
		InvalidAPIKey,
		APIKeyExpired:
		return 401

	case ToolNotAllowed,
		ToolDenied,
		TokenToolNotAllowed,
		IPNotAllowed,
		KeyRevoked,
		KeySuspended:
		return 403

	case ReservationNotFound:
		return 404

	case ReservationNotHeld,
		ReservationExpired,
		BatchRejected:
		return 409

	default:
		return 500
	}
}

// IsPayment reports whether the reason belongs to the payment family, which
// carries the x402-style data block in JSON-RPC errors.
func (r Reason) IsPayment() bool {
	return r.JSONRPCCode() == CodePaymentRequired
}

// IsRateFamily reports whether the reason belongs to the rate/quota family.
func (r Reason) IsRateFamily() bool {
	return r.JSONRPCCode() == CodeRateLimited
}
