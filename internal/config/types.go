package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server       ServerConfig           `yaml:"server"`
	Logging      LoggingConfig          `yaml:"logging"`
	State        StateConfig            `yaml:"state"`
	Gate         GateConfig             `yaml:"gate"`
	Quota        QuotaConfig            `yaml:"quota"`
	Reservations ReservationConfig      `yaml:"reservations"`
	Concurrency  ConcurrencyConfig      `yaml:"concurrency"`
	Webhook      WebhookConfig          `yaml:"webhook"`
	Redis        RedisConfig            `yaml:"redis"`
	Archive      ArchiveConfig          `yaml:"archive"`
	Admin        AdminConfig            `yaml:"admin"`
	Tokens       TokenConfig            `yaml:"scoped_tokens"`
	Upstream     UpstreamConfig         `yaml:"upstream"`
	KeyGroups    map[string]GroupConfig `yaml:"key_groups"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`    // Optional prefix for all routes (e.g., "/api")
	MetricsAPIKey      string   `yaml:"metrics_api_key"` // Optional bearer key protecting /metrics (empty = open)
	IPRateLimit        int      `yaml:"ip_rate_limit"`   // HTTP-level per-IP request cap (0 = disabled)
	IPRateWindow       Duration `yaml:"ip_rate_window"`  // Window for the per-IP cap (default: 1m)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// StateConfig holds key-store persistence configuration.
type StateConfig struct {
	Path          string   `yaml:"path"`           // Snapshot file path; empty runs in-memory only
	FlushInterval Duration `yaml:"flush_interval"` // Debounce for scheduled saves (default: 100ms)
}

// GateConfig holds the decision-engine configuration.
type GateConfig struct {
	DefaultCreditsPerCall int64                 `yaml:"default_credits_per_call"` // Price for tools without explicit pricing (default: 1)
	CreditsPerKbInput     float64               `yaml:"credits_per_kb_input"`     // Input-size surcharge per KiB of serialized arguments (0 = off)
	Tools                 map[string]ToolConfig `yaml:"tools"`                    // Per-tool pricing and limits
	GlobalRateLimitPerMin int                   `yaml:"global_rate_limit_per_min"`
	ShadowMode            bool                  `yaml:"shadow_mode"`       // Log denials but allow everything
	RefundOnFailure       bool                  `yaml:"refund_on_failure"` // Refund charges when the upstream call fails
	FreeMethods           []string              `yaml:"free_methods"`      // Extra JSON-RPC methods that bypass gating
	HookTimeout           Duration              `yaml:"hook_timeout"`      // Abandon external hooks after this long (default: 5s)
	TopUpURL              string                `yaml:"top_up_url"`        // Advertised in payment-required errors
	PricingURL            string                `yaml:"pricing_url"`
}

// ToolConfig defines pricing and limits for a single tool.
type ToolConfig struct {
	CreditsPerCall  int64 `yaml:"credits_per_call"`
	RateLimitPerMin int   `yaml:"rate_limit_per_min"` // 0 = no per-tool limit
}

// QuotaConfig holds process-wide quota limits applied on top of per-key quotas.
// Zero means unlimited for that boundary.
type QuotaConfig struct {
	DailyCalls     int64 `yaml:"daily_calls"`
	MonthlyCalls   int64 `yaml:"monthly_calls"`
	DailyCredits   int64 `yaml:"daily_credits"`
	MonthlyCredits int64 `yaml:"monthly_credits"`
}

// ReservationConfig holds credit-reservation configuration.
type ReservationConfig struct {
	DefaultTTL    Duration `yaml:"default_ttl"`    // Hold lifetime when the caller gives none (default: 5m)
	SweepInterval Duration `yaml:"sweep_interval"` // Expiry sweeper period (default: 1s)
}

// ConcurrencyConfig holds inflight-call caps. Zero disables a dimension.
type ConcurrencyConfig struct {
	MaxPerKey  int `yaml:"max_per_key"`
	MaxPerTool int `yaml:"max_per_tool"`
}

// WebhookConfig holds usage-event webhook delivery configuration.
type WebhookConfig struct {
	URL           string            `yaml:"url"`    // Empty disables delivery
	Secret        string            `yaml:"secret"` // HMAC-SHA256 signing secret (empty = unsigned)
	Headers       map[string]string `yaml:"headers"`
	Timeout       Duration          `yaml:"timeout"`        // Per-attempt timeout (default: 10s)
	MaxBodyBytes  int64             `yaml:"max_body_bytes"` // Payload cap before truncation (default: 1MiB)
	Workers       int               `yaml:"workers"`        // Dispatch workers (default: 2)
	QueueSize     int               `yaml:"queue_size"`     // Pending deliveries before drop (default: 1024)
	RatePerSecond float64           `yaml:"rate_per_second"` // Delivery pacing (0 = unpaced)
	Retry         RetryConfig       `yaml:"retry"`
	Breaker       BreakerConfig     `yaml:"breaker"`
}

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`          // Enable retry with exponential backoff (default: true)
	MaxAttempts     int      `yaml:"max_attempts"`     // Maximum attempts (default: 5)
	InitialInterval Duration `yaml:"initial_interval"` // Initial backoff interval (default: 1s)
	MaxInterval     Duration `yaml:"max_interval"`     // Maximum backoff interval (default: 5m)
	Multiplier      float64  `yaml:"multiplier"`       // Backoff multiplier (default: 2.0)
}

// BreakerConfig configures the webhook delivery circuit breaker.
type BreakerConfig struct {
	Enabled             bool     `yaml:"enabled"`              // Enable the breaker (default: true)
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 5)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 60s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 10)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.7)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 20)
}

// RedisConfig holds optional Redis integration configuration.
type RedisConfig struct {
	URL          string `yaml:"url"`            // redis://[:pass@]host[:port][/db]; empty disables
	MirrorList   string `yaml:"mirror_list"`    // List key receiving usage events (default: creditrail:usage)
	MirrorMaxLen int64  `yaml:"mirror_max_len"` // LTRIM bound for the mirror list (default: 10000)
}

// ArchiveConfig holds the optional Postgres usage-event archive.
type ArchiveConfig struct {
	PostgresURL string             `yaml:"postgres_url"` // Empty disables archiving
	Table       string             `yaml:"table"`        // Target table (default: usage_events)
	Pool        PostgresPoolConfig `yaml:"pool"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// AdminConfig holds the admin API bootstrap credentials.
type AdminConfig struct {
	APIKey string `yaml:"api_key"` // X-Admin-Key value; empty disables the admin surface
}

// TokenConfig holds scoped-token issuance configuration.
type TokenConfig struct {
	Secret     string   `yaml:"secret"`      // HMAC secret; empty disables minting and verification
	DefaultTTL Duration `yaml:"default_ttl"` // Token lifetime when the mint request gives none (default: 1h)
}

// UpstreamConfig points at the tool backend gated calls are forwarded to.
type UpstreamConfig struct {
	URL     string   `yaml:"url"`     // Empty = answer with decision stubs instead of proxying
	Timeout Duration `yaml:"timeout"` // Forward timeout (default: 30s)
}

// GroupConfig defines a named key group: pricing overrides and group ACLs
// applied to every member key.
type GroupConfig struct {
	ToolPricing  map[string]int64 `yaml:"tool_pricing"`
	AllowedTools []string         `yaml:"allowed_tools"`
	DeniedTools  []string         `yaml:"denied_tools"`
}
