package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "geminigateway:ratelimit:"

// RedisRateLimiter keeps a sliding one-minute window per caller in a sorted
// set, shared by every gateway instance.
type RedisRateLimiter struct {
	client *redis.Client
}

func NewRedisRateLimiter(redisURL string) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisRateLimiter{client: client}, nil
}

func NewRedisRateLimiterFromClient(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, callerID string, limit int) (bool, int, time.Time, error) {
	key := keyPrefix + callerID
	now := time.Now()
	windowStart := now.Add(-time.Minute)
	windowEnd := now.Add(time.Minute)

	pipe := r.client.Pipeline()

	pipe.ZRemRangeByScore(ctx, key, "0", formatTime(windowStart))

	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	})

	countCmd := pipe.ZCard(ctx, key)

	pipe.Expire(ctx, key, time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit pipeline: %w", err)
	}

	count := int(countCmd.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	if count > limit {
		return false, remaining, windowEnd, nil
	}

	return true, remaining, windowEnd, nil
}

func formatTime(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixNano())
}

// Client exposes the underlying connection for health checks.
func (r *RedisRateLimiter) Client() *redis.Client {
	return r.client
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
