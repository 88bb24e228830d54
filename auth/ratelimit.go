package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/recasthq/recast/errdefs"
)

// Rate limit buckets. Limits are configured per bucket; counters are
// keyed by workspace for authenticated routes and by client IP for the
// anonymous auth routes.
const (
	BucketAuth            = "auth"
	BucketTransformations = "transformations"
	BucketAPI             = "api"
)

// RateLimiter implements fixed-window request counting in Redis. The
// window is aligned to wall-clock boundaries so all instances agree on
// the counter key.
type RateLimiter struct {
	client *redis.Client
	window time.Duration
	limits map[string]int
}

// NewRateLimiter builds a limiter. Buckets with a non-positive limit
// are unlimited.
func NewRateLimiter(client *redis.Client, window time.Duration, limits map[string]int) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		client: client,
		window: window,
		limits: limits,
	}
}

// Allow counts one request for (bucket, scope) and fails with
// throttled once the window's limit is exceeded. Redis outages fail
// open: availability wins over strict limiting.
func (r *RateLimiter) Allow(ctx context.Context, bucket, scope string) error {
	limit, ok := r.limits[bucket]
	if !ok || limit <= 0 {
		return nil
	}

	windowIndex := time.Now().Unix() / int64(r.window.Seconds())
	key := fmt.Sprintf("ratelimit:%s:%s:%d", bucket, scope, windowIndex)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return nil
	}
	if count == 1 {
		// Two windows of retention keeps the boundary race harmless.
		r.client.Expire(ctx, key, r.window*2)
	}
	if count > int64(limit) {
		return errdefs.E(errdefs.ErrThrottled,
			"rate limit exceeded for %s: %d requests per %s", bucket, limit, r.window)
	}
	return nil
}

// Remaining reports how many requests are left in the current window.
// Diagnostic use only.
func (r *RateLimiter) Remaining(ctx context.Context, bucket, scope string) (int, error) {
	limit, ok := r.limits[bucket]
	if !ok || limit <= 0 {
		return -1, nil
	}

	windowIndex := time.Now().Unix() / int64(r.window.Seconds())
	key := fmt.Sprintf("ratelimit:%s:%s:%d", bucket, scope, windowIndex)

	count, err := r.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return limit, nil
	}
	if err != nil {
		return 0, err
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
