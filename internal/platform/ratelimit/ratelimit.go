package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bpark/bparkd/pkg/logger"
)

// Limiter throttles sign-in attempts per key with a fixed window counter
// in Redis. It fails open: when Redis is down, attempts are allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

type redisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) Limiter {
	return &redisLimiter{client: client, limit: limit, window: window}
}

func (l *redisLimiter) Allow(ctx context.Context, key string) bool {
	rkey := fmt.Sprintf("ratelimit:signin:%s", key)

	count, err := l.client.Incr(ctx, rkey).Result()
	if err != nil {
		logger.WarnContext(ctx, "rate limiter unavailable, allowing", "error", err)
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, rkey, l.window).Err(); err != nil {
			logger.WarnContext(ctx, "set rate limit window", "error", err)
		}
	}
	return count <= int64(l.limit)
}

// Unlimited never throttles. Used when Redis is not configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) bool { return true }
