package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the token bucket atomically in Redis so multiple
// engine instances share one budget.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time (seconds, fractional)
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
redis.call("EXPIRE", key, 3600)

return allowed
`)

// RedisLimiter is a distributed token bucket shared by every engine instance
// pointing at the same Redis.
type RedisLimiter struct {
	client   *redis.Client
	perSec   float64
	burst    int
	keyspace string
}

// RedisLimiterConfig configures a RedisLimiter.
type RedisLimiterConfig struct {
	Addr      string
	Password  string
	DB        int
	PerMinute int
	Burst     int
	// Keyspace prefixes bucket keys; defaults to "fiscalpilot:limiter".
	Keyspace string
}

// NewRedisLimiter connects to Redis and returns the limiter.
func NewRedisLimiter(cfg RedisLimiterConfig) *RedisLimiter {
	perSec := float64(cfg.PerMinute) / 60.0
	if perSec <= 0 {
		perSec = 1.0
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	keyspace := cfg.Keyspace
	if keyspace == "" {
		keyspace = "fiscalpilot:limiter"
	}
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		perSec:   perSec,
		burst:    burst,
		keyspace: keyspace,
	}
}

// Allow consumes one token for the key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := fmt.Sprintf("%s:%s", l.keyspace, key)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{bucket},
		l.perSec, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("engine: redis limiter: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("engine: redis limiter: unexpected script result %T", res)
	}
	return allowed == 1, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
