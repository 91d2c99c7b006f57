package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/CreditRail/gateway/internal/keystore"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.IPRateWindow.Duration <= 0 {
		c.Server.IPRateWindow = Duration{Duration: 1 * time.Minute}
	}
	if c.State.FlushInterval.Duration <= 0 {
		c.State.FlushInterval = Duration{Duration: 100 * time.Millisecond}
	}

	if c.Gate.DefaultCreditsPerCall < 0 {
		c.Gate.DefaultCreditsPerCall = 0
	}
	if c.Gate.CreditsPerKbInput < 0 {
		c.Gate.CreditsPerKbInput = 0
	}
	if c.Gate.Tools == nil {
		c.Gate.Tools = map[string]ToolConfig{}
	}
	if c.Gate.HookTimeout.Duration <= 0 {
		c.Gate.HookTimeout = Duration{Duration: 5 * time.Second}
	}

	if c.Reservations.DefaultTTL.Duration <= 0 {
		c.Reservations.DefaultTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.Reservations.SweepInterval.Duration <= 0 {
		c.Reservations.SweepInterval = Duration{Duration: 1 * time.Second}
	}

	if c.Webhook.Timeout.Duration <= 0 {
		c.Webhook.Timeout = Duration{Duration: 10 * time.Second}
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = 1 << 20
	}
	if c.Webhook.Workers <= 0 {
		c.Webhook.Workers = 2
	}
	if c.Webhook.QueueSize <= 0 {
		c.Webhook.QueueSize = 1024
	}
	if c.Webhook.Headers == nil {
		c.Webhook.Headers = make(map[string]string)
	}
	if c.Webhook.Retry.MaxAttempts <= 0 {
		c.Webhook.Retry.MaxAttempts = 5
	}
	if c.Webhook.Retry.InitialInterval.Duration <= 0 {
		c.Webhook.Retry.InitialInterval = Duration{Duration: 1 * time.Second}
	}
	if c.Webhook.Retry.MaxInterval.Duration <= 0 {
		c.Webhook.Retry.MaxInterval = Duration{Duration: 5 * time.Minute}
	}
	if c.Webhook.Retry.Multiplier <= 1 {
		c.Webhook.Retry.Multiplier = 2.0
	}

	if c.Redis.MirrorList == "" {
		c.Redis.MirrorList = "creditrail:usage"
	}
	if c.Redis.MirrorMaxLen <= 0 {
		c.Redis.MirrorMaxLen = 10000
	}

	if c.Archive.Table == "" {
		c.Archive.Table = "usage_events"
	}

	if c.Tokens.DefaultTTL.Duration <= 0 {
		c.Tokens.DefaultTTL = Duration{Duration: 1 * time.Hour}
	}
	if c.Upstream.Timeout.Duration <= 0 {
		c.Upstream.Timeout = Duration{Duration: 30 * time.Second}
	}
	if c.KeyGroups == nil {
		c.KeyGroups = map[string]GroupConfig{}
	}

	// Clamp per-tool pricing so config cannot exceed the admin input ceilings.
	for name, tool := range c.Gate.Tools {
		tool.CreditsPerCall = keystore.ClampCredits(tool.CreditsPerCall)
		if tool.RateLimitPerMin < 0 {
			tool.RateLimitPerMin = 0
		}
		c.Gate.Tools[name] = tool
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Gate.GlobalRateLimitPerMin < 0 {
		errs = append(errs, "gate.global_rate_limit_per_min must be >= 0")
	}
	if c.Concurrency.MaxPerKey < 0 || c.Concurrency.MaxPerTool < 0 {
		errs = append(errs, "concurrency limits must be >= 0")
	}
	for _, boundary := range []struct {
		name  string
		value int64
	}{
		{"quota.daily_calls", c.Quota.DailyCalls},
		{"quota.monthly_calls", c.Quota.MonthlyCalls},
		{"quota.daily_credits", c.Quota.DailyCredits},
		{"quota.monthly_credits", c.Quota.MonthlyCredits},
	} {
		if boundary.value < 0 {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", boundary.name))
		}
	}

	if c.Webhook.URL != "" {
		if err := validateHTTPURL(c.Webhook.URL); err != nil {
			errs = append(errs, fmt.Sprintf("webhook.url: %v", err))
		}
	}
	if c.Upstream.URL != "" {
		if err := validateHTTPURL(c.Upstream.URL); err != nil {
			errs = append(errs, fmt.Sprintf("upstream.url: %v", err))
		}
	}
	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		errs = append(errs, "redis.url must use the redis:// or rediss:// scheme")
	}

	for name, group := range c.KeyGroups {
		for tool, price := range group.ToolPricing {
			if price < 0 {
				errs = append(errs, fmt.Sprintf("key_groups.%s.tool_pricing.%s must be >= 0", name, tool))
			}
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateHTTPURL checks a URL parses and uses an http(s) scheme.
func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
