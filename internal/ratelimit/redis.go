package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter with a fixed window counter per key,
// coordinated across instances through Redis.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
}

// NewRedisLimiter allows up to limit requests per key per window.
// The caller owns the client's lifecycle; Close does not close it.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "torii:rl"
	}
	return &RedisLimiter{client: client, limit: int64(limit), window: window, prefix: prefix}
}

// Allow increments the window counter for key. The first increment of a
// window sets its expiry, so abandoned keys clean themselves up.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucketKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, time.Now().Unix()/int64(l.window.Seconds()))

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, bucketKey)
	pipe.Expire(ctx, bucketKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return incr.Val() <= l.limit, nil
}

// Close is a no-op; the Redis client is shared.
func (l *RedisLimiter) Close() error { return nil }
