package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultMirrorList    = "creditrail:usage:events"
	defaultMirrorMaxLen  = 10_000
	defaultMirrorTimeout = 2 * time.Second
)

// Mirror replicates usage events into a bounded Redis list so sibling
// processes (dashboards, alerting) can tail recent activity without
// hitting the gateway. Delivery is fail-soft: Redis being down must
// never affect live traffic.
type Mirror struct {
	client  redis.UniversalClient
	list    string
	maxLen  int64
	timeout time.Duration
	logger  zerolog.Logger

	// ErrorHook, when set, observes publish failures (metrics counter).
	ErrorHook func(error)
}

// NewMirror builds a mirror over an existing Redis client. Empty list
// name and non-positive maxLen fall back to the defaults.
func NewMirror(client redis.UniversalClient, list string, maxLen int64, logger zerolog.Logger) *Mirror {
	if list == "" {
		list = defaultMirrorList
	}
	if maxLen <= 0 {
		maxLen = defaultMirrorMaxLen
	}
	return &Mirror{
		client:  client,
		list:    list,
		maxLen:  maxLen,
		timeout: defaultMirrorTimeout,
		logger:  logger,
	}
}

// Observer adapts the mirror to the fan-out chain.
func (m *Mirror) Observer() Observer {
	return m.publish
}

func (m *Mirror) publish(e UsageEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		m.fail(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	pipe := m.client.TxPipeline()
	pipe.LPush(ctx, m.list, data)
	pipe.LTrim(ctx, m.list, 0, m.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		m.fail(err)
	}
}

func (m *Mirror) fail(err error) {
	m.logger.Warn().Err(err).Str("list", m.list).Msg("usage event mirror publish failed")
	if m.ErrorHook != nil {
		m.ErrorHook(err)
	}
}
