package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
			IPRateLimit:  600,
			IPRateWindow: Duration{Duration: 1 * time.Minute},
		},
		State: StateConfig{
			FlushInterval: Duration{Duration: 100 * time.Millisecond},
		},
		Gate: GateConfig{
			DefaultCreditsPerCall: 1,
			Tools:                 map[string]ToolConfig{},
			GlobalRateLimitPerMin: 60,
			FreeMethods:           []string{},
			HookTimeout:           Duration{Duration: 5 * time.Second},
		},
		Reservations: ReservationConfig{
			DefaultTTL:    Duration{Duration: 5 * time.Minute},
			SweepInterval: Duration{Duration: 1 * time.Second},
		},
		Webhook: WebhookConfig{
			Headers:      make(map[string]string),
			Timeout:      Duration{Duration: 10 * time.Second},
			MaxBodyBytes: 1 << 20,
			Workers:      2,
			QueueSize:    1024,
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
			Breaker: BreakerConfig{
				Enabled:             true,
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
		Redis: RedisConfig{
			MirrorList:   "creditrail:usage",
			MirrorMaxLen: 10000,
		},
		Archive: ArchiveConfig{
			Table: "usage_events",
		},
		Tokens: TokenConfig{
			DefaultTTL: Duration{Duration: 1 * time.Hour},
		},
		Upstream: UpstreamConfig{
			Timeout: Duration{Duration: 30 * time.Second},
		},
		KeyGroups: map[string]GroupConfig{},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
