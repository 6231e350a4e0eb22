package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills the bucket for the elapsed time, takes the
// requested tokens when available and returns {allowed, remaining}.
//
// Keys: KEYS[1] = bucket key
// Args: ARGV[1] = max_tokens, ARGV[2] = refill_rate, ARGV[3] = requested, ARGV[4] = now (unix microseconds)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local bucket = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil then
    tokens = max_tokens
    last_refill = now
end

local elapsed = (now - last_refill) / 1000000.0
if elapsed > 0 then
    tokens = math.min(max_tokens, tokens + elapsed * refill_rate)
end

local allowed = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
end

redis.call("HMSET", key, "tokens", tostring(tokens), "last_refill", tostring(now))
-- idle buckets expire after twice the refill time
local ttl = math.ceil(max_tokens / refill_rate * 2)
if ttl < 60 then ttl = 60 end
redis.call("EXPIRE", key, ttl)

return {allowed, math.floor(tokens)}
`)

// RedisBackend shares buckets between processes through a Lua script.
type RedisBackend struct {
	client *redis.Client
	prefix string
	now    func() int64
}

// NewRedisBackend creates a Redis bucket store. Keys are namespaced by
// prefix, default "heroquote:rl:".
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "heroquote:rl:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		now:    func() int64 { return time.Now().UnixMicro() },
	}
}

// CheckRateLimit runs the token bucket script for key.
func (b *RedisBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	bucketKey := b.prefix + key

	nowMicro := b.now()

	result, err := tokenBucketScript.Run(ctx, b.client, []string{bucketKey},
		maxTokens, refillRate, requested, nowMicro,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis rate limit check: %w", err)
	}

	if len(result) != 2 {
		return false, 0, fmt.Errorf("redis rate limit check: unexpected result %v", result)
	}
	return result[0] == 1, int(result[1]), nil
}
