package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisKeyPrefix = "creditrail:rl:"

// luaSlidingWindow prunes, counts, and conditionally records in a
// single round trip so concurrent gateway instances share one window
// without racing between the count and the insert.
var luaSlidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return 1
end
return 0
`)

// RedisLimiter is the cross-instance variant of the sliding window,
// backed by one sorted set per key. Unlike SlidingWindow, a successful
// check also records; the script is the atomicity boundary.
type RedisLimiter struct {
	client redis.UniversalClient
	logger zerolog.Logger

	// ErrorHook, when set, observes Redis failures (metrics counter).
	ErrorHook func(error)
}

// NewRedisLimiter wraps an existing Redis client.
func NewRedisLimiter(client redis.UniversalClient, logger zerolog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, logger: logger}
}

// CheckRateLimit reports whether key may make another call under
// maxCalls per windowMs, recording the call when allowed. maxCalls <= 0
// means unlimited; windowMs <= 0 falls back to the standard window.
// Fail-open: when Redis is unreachable the call is allowed and the
// failure logged, so a cache outage cannot take down live traffic.
func (l *RedisLimiter) CheckRateLimit(ctx context.Context, key string, maxCalls int, windowMs int64) bool {
	if maxCalls <= 0 {
		return true
	}
	if windowMs <= 0 {
		windowMs = Window.Milliseconds()
	}

	nowMs := strconv.FormatInt(time.Now().UnixMilli(), 10)
	allowed, err := luaSlidingWindow.Run(ctx, l.client,
		[]string{redisKeyPrefix + key},
		nowMs, windowMs, maxCalls, uuid.NewString(),
	).Int()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("redis rate limit check failed, allowing")
		if l.ErrorHook != nil {
			l.ErrorHook(err)
		}
		return true
	}
	return allowed == 1
}
