package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Hard ceilings on admin-supplied numeric inputs. Values above these are
// clamped, not rejected.
const (
	MaxCredits       int64 = 1_000_000_000
	MaxQuotaLimit    int64 = 1_000_000_000
	MaxSpendingLimit int64 = 1_000_000_000
	MaxTopupValue    int64 = 100_000_000
	MaxTopupDaily    int64 = 1_000_000_000
)

// List and tag maxima. Longer inputs are silently truncated.
const (
	MaxTagEntries   = 50
	MaxTagLength    = 100
	MaxToolEntries  = 100
	MaxIPEntries    = 100
	MaxAliasEntries = 100
)

// KeyPrefix starts every generated key string; the remainder is 128 bits of
// hex-encoded randomness.
const KeyPrefix = "crg_"

// AutoTopup configures automatic refills when a key's balance drops below
// the threshold after a deduction.
type AutoTopup struct {
	Threshold int64 `json:"threshold"`
	Amount    int64 `json:"amount"`
	MaxDaily  int64 `json:"maxDaily"` // 0 = unlimited refills per UTC day
}

// Record is the authoritative state of one API key. JSON field names are the
// snapshot-file schema and must stay stable across releases.
type Record struct {
	Name          string     `json:"name"`
	Credits       int64      `json:"credits"`
	TotalSpent    int64      `json:"totalSpent"`
	TotalCalls    int64      `json:"totalCalls"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	Active        bool       `json:"active"`
	Suspended     bool       `json:"suspended,omitempty"`
	SpendingLimit int64      `json:"spendingLimit,omitempty"` // 0 = unbounded

	AllowedTools []string   `json:"allowedTools,omitempty"` // empty = all tools
	DeniedTools  []string   `json:"deniedTools,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	IPAllowlist  []string   `json:"ipAllowlist,omitempty"` // exact IPs and IPv4 CIDR blocks; empty = all

	Tags      map[string]string `json:"tags,omitempty"`
	Namespace string            `json:"namespace,omitempty"`
	Group     string            `json:"group,omitempty"`

	QuotaDailyCalls     int64  `json:"quotaDailyCalls,omitempty"` // 0 = unlimited
	QuotaMonthlyCalls   int64  `json:"quotaMonthlyCalls,omitempty"`
	QuotaDailyCredits   int64  `json:"quotaDailyCredits,omitempty"`
	QuotaMonthlyCredits int64  `json:"quotaMonthlyCredits,omitempty"`
	QuotaCallsToday     int64  `json:"quotaCallsToday,omitempty"`
	QuotaCallsMonth     int64  `json:"quotaCallsMonth,omitempty"`
	QuotaCreditsToday   int64  `json:"quotaCreditsToday,omitempty"`
	QuotaCreditsMonth   int64  `json:"quotaCreditsMonth,omitempty"`
	QuotaLastResetDay   string `json:"quotaLastResetDay,omitempty"`   // YYYY-MM-DD UTC
	QuotaLastResetMonth string `json:"quotaLastResetMonth,omitempty"` // YYYY-MM UTC

	AutoTopup             *AutoTopup `json:"autoTopup,omitempty"`
	AutoTopupTodayCount   int64      `json:"autoTopupTodayCount,omitempty"`
	AutoTopupLastResetDay string     `json:"autoTopupLastResetDay,omitempty"`

	// Fields written by newer or sibling deployments survive a load/save
	// round trip untouched.
	extra map[string]json.RawMessage
}

// Options carries the optional policy fields for CreateKey and ImportKey.
type Options struct {
	SpendingLimit       int64
	AllowedTools        []string
	DeniedTools         []string
	ExpiresAt           *time.Time
	IPAllowlist         []string
	Tags                map[string]string
	Namespace           string
	Group               string
	QuotaDailyCalls     int64
	QuotaMonthlyCalls   int64
	QuotaDailyCredits   int64
	QuotaMonthlyCredits int64
	AutoTopup           *AutoTopup
}

// ClampCredits bounds a credit amount to [0, MaxCredits].
func ClampCredits(n int64) int64 {
	return clamp(n, MaxCredits)
}

func clamp(n, max int64) int64 {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}

// GenerateKey returns a fresh key string: printable prefix plus 128 bits of
// hex randomness.
func GenerateKey() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("keystore: crypto/rand unavailable: " + err.Error())
	}
	return KeyPrefix + hex.EncodeToString(b)
}

// newRecord builds a record from admin input, applying every clamp and
// truncation rule.
func newRecord(name string, credits int64, opts Options) *Record {
	now := time.Now().UTC()
	rec := &Record{
		Name:                name,
		Credits:             ClampCredits(credits),
		CreatedAt:           now,
		Active:              true,
		SpendingLimit:       clamp(opts.SpendingLimit, MaxSpendingLimit),
		AllowedTools:        truncateList(opts.AllowedTools, MaxToolEntries),
		DeniedTools:         truncateList(opts.DeniedTools, MaxToolEntries),
		ExpiresAt:           opts.ExpiresAt,
		IPAllowlist:         truncateList(opts.IPAllowlist, MaxIPEntries),
		Tags:                sanitizeTags(opts.Tags),
		Namespace:           opts.Namespace,
		Group:               opts.Group,
		QuotaDailyCalls:     clamp(opts.QuotaDailyCalls, MaxQuotaLimit),
		QuotaMonthlyCalls:   clamp(opts.QuotaMonthlyCalls, MaxQuotaLimit),
		QuotaDailyCredits:   clamp(opts.QuotaDailyCredits, MaxQuotaLimit),
		QuotaMonthlyCredits: clamp(opts.QuotaMonthlyCredits, MaxQuotaLimit),
	}
	if opts.AutoTopup != nil {
		rec.AutoTopup = sanitizeAutoTopup(opts.AutoTopup)
	}
	return rec
}

// sanitizeAutoTopup clamps the auto-topup numbers to their ceilings.
func sanitizeAutoTopup(t *AutoTopup) *AutoTopup {
	return &AutoTopup{
		Threshold: clamp(t.Threshold, MaxTopupValue),
		Amount:    clamp(t.Amount, MaxTopupValue),
		MaxDaily:  clamp(t.MaxDaily, MaxTopupDaily),
	}
}

// sanitizeTags enforces the tag maxima: at most MaxTagEntries entries, keys
// and values truncated to MaxTagLength runes. Silent truncation, never
// rejection.
func sanitizeTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if len(out) >= MaxTagEntries {
			break
		}
		out[truncateString(k, MaxTagLength)] = truncateString(v, MaxTagLength)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func truncateList(list []string, max int) []string {
	if list == nil {
		return nil
	}
	if len(list) > max {
		list = list[:max]
	}
	out := make([]string, len(list))
	copy(out, list)
	return out
}

// Clone deep-copies the record so callers outside the store lock can read it
// without racing the gate's mutations.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.AllowedTools = append([]string(nil), r.AllowedTools...)
	c.DeniedTools = append([]string(nil), r.DeniedTools...)
	c.IPAllowlist = append([]string(nil), r.IPAllowlist...)
	if r.Tags != nil {
		c.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			c.Tags[k] = v
		}
	}
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		c.LastUsedAt = &t
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.AutoTopup != nil {
		t := *r.AutoTopup
		c.AutoTopup = &t
	}
	if r.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(r.extra))
		for k, v := range r.extra {
			c.extra[k] = v
		}
	}
	return &c
}

// IsExpiredAt reports whether the record has an expiry in the past.
func (r *Record) IsExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// ToolAllowed applies the record's own ACL: whitelist first (non-empty
// allowedTools must contain the tool), then blacklist.
func (r *Record) ToolAllowed(tool string) (whitelisted, blacklisted bool) {
	whitelisted = true
	if len(r.AllowedTools) > 0 {
		whitelisted = containsString(r.AllowedTools, tool)
	}
	blacklisted = containsString(r.DeniedTools, tool)
	return whitelisted, blacklisted
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
