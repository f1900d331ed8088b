package limits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// now is swappable so the local limiter tests can freeze time.
var timeNow = time.Now

// tokenBucketScript refills and consumes atomically server-side.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time (fractional seconds)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter shares token buckets across processes. Any redis failure
// admits the request; throttling is advisory, never a point of failure.
type RedisLimiter struct {
	client *redis.Client
	policy Policy
	logger *slog.Logger
}

func NewRedisLimiter(client *redis.Client, policy Policy, logger *slog.Logger) *RedisLimiter {
	if policy.PerSecond <= 0 {
		policy = DefaultPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{
		client: client,
		policy: policy,
		logger: logger.With("component", "limiter"),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, cost int) (bool, error) {
	if cost <= 0 {
		cost = 1
	}
	bucketKey := fmt.Sprintf("provenact:limiter:%s", key)
	now := float64(timeNow().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{bucketKey},
		l.policy.PerSecond, l.policy.Burst, cost, now).Int64()
	if err != nil {
		l.logger.Warn("redis limiter unavailable, admitting", "key", key, "error", err)
		return true, nil
	}
	return res == 1, nil
}
