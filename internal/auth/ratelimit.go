package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter in redis, used for the endpoints
// whose limits the API contract fixes (token exchange, token refresh).
// The global per-IP limiter is Fiber middleware; this one survives multiple
// server processes and keys on caller identity rather than transport.
type RateLimiter struct {
	rdb *redis.Client
}

// NewRateLimiter creates the limiter.
func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{rdb: rdb}
}

// Allow consumes one attempt under key. It returns ok=false and the remaining
// window when the limit is exhausted.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (ok bool, retryAfter time.Duration, err error) {
	full := "ratelimit:" + key

	n, err := l.rdb.Incr(ctx, full).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit incr: %w", err)
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, full, window).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	if n > int64(limit) {
		ttl, err := l.rdb.TTL(ctx, full).Result()
		if err != nil {
			return false, 0, fmt.Errorf("rate limit ttl: %w", err)
		}
		if ttl < 0 {
			ttl = window
		}
		return false, ttl, nil
	}
	return true, 0, nil
}
