package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"auth-engine/internal/client"
	"auth-engine/internal/util"
)

const (
	rateLimitPrefix = "rate_limit:"
	tempLockPrefix  = "temp_lock:"
	slidingPrefix   = "sliding:"
)

// RateLimitCache provides fixed-window counters, temporary locks and an
// atomic sliding window. The recovery controller and the lockout logic
// build on these primitives.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

func (c *RateLimitCache) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int, error) {
	count, err := c.client.IncrWithExpire(ctx, rateLimitPrefix+key, ttl)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	util.Debug("Rate limit counter incremented",
		zap.String("key", key),
		zap.Int64("count", count))
	return int(count), nil
}

func (c *RateLimitCache) GetCounter(ctx context.Context, key string) (int, error) {
	countStr, found, err := c.client.GetMiss(ctx, rateLimitPrefix+key)
	if err != nil {
		return 0, fmt.Errorf("failed to get rate limit counter: %w", err)
	}
	if !found {
		return 0, nil
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		util.Error("Invalid counter format",
			zap.String("key", key),
			zap.String("count_str", countStr),
			zap.Error(err))
		return 0, fmt.Errorf("invalid counter format: %w", err)
	}
	return count, nil
}

func (c *RateLimitCache) ResetCounter(ctx context.Context, key string) error {
	keys := []string{
		rateLimitPrefix + key,
		tempLockPrefix + key,
	}
	if err := c.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to reset rate limit counter",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}

	util.Debug("Rate limit counter reset", zap.String("key", key))
	return nil
}

func (c *RateLimitCache) SetTemporaryLock(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Set(ctx, tempLockPrefix+key, "locked", ttl); err != nil {
		util.Error("Failed to set temporary lock",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to set temporary lock: %w", err)
	}

	util.Debug("Temporary lock set",
		zap.String("key", key),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *RateLimitCache) IsLocked(ctx context.Context, key string) (bool, error) {
	exists, err := c.client.Exists(ctx, tempLockPrefix+key)
	if err != nil {
		return false, fmt.Errorf("failed to check temporary lock: %w", err)
	}
	return exists, nil
}

// LockTTL returns how long the lock has left, zero when unlocked.
func (c *RateLimitCache) LockTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, tempLockPrefix+key)
	if err != nil {
		return 0, fmt.Errorf("failed to get lock ttl: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// SlidingWindowAllow admits the request if fewer than limit events landed
// inside the window. Prune, count and admit run in one Lua script so the
// decision is atomic under concurrency.
func (c *RateLimitCache) SlidingWindowAllow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	now := time.Now().UnixNano()
	windowStart := now - window.Nanoseconds()

	luaScript := `
        local key = KEYS[1]
        local now = tonumber(ARGV[1])
        local window_start = tonumber(ARGV[2])
        local limit = tonumber(ARGV[3])

        redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

        local current_count = redis.call('ZCARD', key)

        if current_count < limit then
            redis.call('ZADD', key, now, now)
            redis.call('EXPIRE', key, math.ceil(tonumber(ARGV[4])))
            return {1, current_count + 1}
        else
            return {0, current_count}
        end
    `

	result, err := c.client.Eval(ctx, luaScript, []string{slidingPrefix + key},
		now, windowStart, limit, int(window.Seconds()))
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script")
	}

	allowed := resultSlice[0].(int64) == 1
	currentCount := int(resultSlice[1].(int64))

	util.Debug("Sliding window checked",
		zap.String("key", key),
		zap.Bool("allowed", allowed),
		zap.Int("count", currentCount))
	return allowed, currentCount, nil
}
