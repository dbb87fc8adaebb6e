package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces a sliding-window request limit per caller
// identity using a Redis sorted set, the same ZADD/ZREMRANGEBYSCORE/
// ZCARD technique the teacher's rate limiter uses per-IP
// (internal/middleware/ratelimit.go's allowIPRequest). PowerAuth
// activation attempts and admin logins are exactly the endpoints a
// brute-force actor would hammer, so the enrollment server wires this
// in front of both.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter shares client with a NonceCache/CounterLock (see
// cache.NonceCache.Client) so the service opens one Redis pool.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

// Allow reports whether key (typically "ip:<addr>" or
// "activation:<id>") is still within its sliding window, recording the
// current attempt as a side effect when it is.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	zkey := "pa:ratelimit:" + key
	now := time.Now()
	windowStart := now.Add(-rl.window).UnixNano()

	if err := rl.client.ZRemRangeByScore(ctx, zkey, "-inf", fmt.Sprintf("(%d", windowStart)).Err(); err != nil {
		return false, err
	}
	count, err := rl.client.ZCard(ctx, zkey).Result()
	if err != nil {
		return false, err
	}
	if count >= int64(rl.limit) {
		return false, nil
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	if err := rl.client.ZAdd(ctx, zkey, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return false, err
	}
	if err := rl.client.Expire(ctx, zkey, rl.window).Err(); err != nil {
		return false, err
	}
	return true, nil
}
