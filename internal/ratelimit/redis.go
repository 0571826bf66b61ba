package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisWindow = time.Second

// RedisBackend shares the global budget between processes through Redis. It
// counts requests in fixed one-second windows and stores pauses as a key
// with a millisecond TTL.
type RedisBackend struct {
	client            *redis.Client
	prefix            string
	requestsPerSecond int
	now               func() time.Time
}

// NewRedisBackend creates a backend using client. Keys are namespaced by
// prefix, which should identify the bot token so that separate applications
// do not share a budget.
func NewRedisBackend(client *redis.Client, prefix string, requestsPerSecond int) *RedisBackend {
	return &RedisBackend{
		client:            client,
		prefix:            prefix,
		requestsPerSecond: requestsPerSecond,
		now:               time.Now,
	}
}

func (r *RedisBackend) pauseKey() string {
	return r.prefix + "paused"
}

func (r *RedisBackend) windowKey(slot int64) string {
	return fmt.Sprintf("%swindow:%d", r.prefix, slot)
}

// Reserve implements GlobalBackend.
func (r *RedisBackend) Reserve(ctx context.Context) (time.Duration, error) {
	pttl, err := r.client.PTTL(ctx, r.pauseKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("read global pause: %w", err)
	}
	if pttl > 0 {
		return pttl, nil
	}

	if r.requestsPerSecond <= 0 {
		return 0, nil
	}

	now := r.now()
	slot := now.UnixMilli() / redisWindow.Milliseconds()

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, r.windowKey(slot))
	pipe.PExpire(ctx, r.windowKey(slot), 2*redisWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("reserve global slot: %w", err)
	}

	if incr.Val() > int64(r.requestsPerSecond) {
		next := time.UnixMilli((slot + 1) * redisWindow.Milliseconds())
		return next.Sub(now), nil
	}
	return 0, nil
}

// Pause implements GlobalBackend. A shorter pause never cuts a longer one.
func (r *RedisBackend) Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	current, err := r.client.PTTL(ctx, r.pauseKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read global pause: %w", err)
	}
	if current >= d {
		return nil
	}
	if err := r.client.Set(ctx, r.pauseKey(), "1", d).Err(); err != nil {
		return fmt.Errorf("set global pause: %w", err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
