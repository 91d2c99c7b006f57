package config

import (
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the CREDITRAIL_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "CREDITRAIL_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "CREDITRAIL_ROUTE_PREFIX")
	setIfEnv(&c.Server.MetricsAPIKey, "CREDITRAIL_METRICS_API_KEY")
	setIntIfEnv(&c.Server.IPRateLimit, "CREDITRAIL_IP_RATE_LIMIT")

	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "CREDITRAIL_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "CREDITRAIL_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "CREDITRAIL_ENVIRONMENT")

	// State config
	setIfEnv(&c.State.Path, "CREDITRAIL_STATE_PATH")
	setDurationIfEnv(&c.State.FlushInterval, "CREDITRAIL_STATE_FLUSH_INTERVAL")

	// Gate config
	setInt64IfEnv(&c.Gate.DefaultCreditsPerCall, "CREDITRAIL_DEFAULT_CREDITS_PER_CALL")
	setIntIfEnv(&c.Gate.GlobalRateLimitPerMin, "CREDITRAIL_GLOBAL_RATE_LIMIT_PER_MIN")
	setBoolIfEnv(&c.Gate.ShadowMode, "CREDITRAIL_SHADOW_MODE")
	setBoolIfEnv(&c.Gate.RefundOnFailure, "CREDITRAIL_REFUND_ON_FAILURE")
	setDurationIfEnv(&c.Gate.HookTimeout, "CREDITRAIL_HOOK_TIMEOUT")
	setIfEnv(&c.Gate.TopUpURL, "CREDITRAIL_TOP_UP_URL")
	setIfEnv(&c.Gate.PricingURL, "CREDITRAIL_PRICING_URL")
	if v := os.Getenv("CREDITRAIL_FREE_METHODS"); v != "" {
		c.Gate.FreeMethods = splitCSV(v)
	}

	// Webhook config
	setIfEnv(&c.Webhook.URL, "CREDITRAIL_WEBHOOK_URL")
	setIfEnv(&c.Webhook.Secret, "CREDITRAIL_WEBHOOK_SECRET")
	setDurationIfEnv(&c.Webhook.Timeout, "CREDITRAIL_WEBHOOK_TIMEOUT")
	setIntIfEnv(&c.Webhook.Retry.MaxAttempts, "CREDITRAIL_WEBHOOK_MAX_ATTEMPTS")

	// Load webhook headers (CREDITRAIL_WEBHOOK_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "CREDITRAIL_WEBHOOK_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "CREDITRAIL_WEBHOOK_HEADER_")
		if name == "" {
			continue
		}
		if c.Webhook.Headers == nil {
			c.Webhook.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Webhook.Headers[headerName] = parts[1]
	}

	// Redis config
	setIfEnv(&c.Redis.URL, "CREDITRAIL_REDIS_URL")
	setIfEnv(&c.Redis.MirrorList, "CREDITRAIL_REDIS_MIRROR_LIST")

	// Archive config
	setIfEnv(&c.Archive.PostgresURL, "CREDITRAIL_ARCHIVE_POSTGRES_URL")
	setIfEnv(&c.Archive.Table, "CREDITRAIL_ARCHIVE_TABLE")

	// Admin config
	setIfEnv(&c.Admin.APIKey, "CREDITRAIL_ADMIN_API_KEY")

	// Scoped tokens
	setIfEnv(&c.Tokens.Secret, "CREDITRAIL_TOKEN_SECRET")
	setDurationIfEnv(&c.Tokens.DefaultTTL, "CREDITRAIL_TOKEN_DEFAULT_TTL")

	// Upstream config
	setIfEnv(&c.Upstream.URL, "CREDITRAIL_UPSTREAM_URL")
	setDurationIfEnv(&c.Upstream.Timeout, "CREDITRAIL_UPSTREAM_TIMEOUT")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// splitCSV splits a comma-separated env value into trimmed non-empty parts.
func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
