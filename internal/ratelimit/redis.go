package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rate_limit:"

// Redis counts requests in fixed windows shared by every replica.
type Redis struct {
	client redis.Cmdable
	scope  string
	max    int
	window time.Duration
	now    func() time.Time
}

// NewRedis allows max requests per window for every key under scope.
func NewRedis(client redis.Cmdable, scope string, max int, window time.Duration) *Redis {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{client: client, scope: scope, max: max, window: window, now: time.Now}
}

// windowKey names the counter for key in the window containing now.
func (r *Redis) windowKey(key string, now time.Time) (string, time.Time) {
	start := now.Truncate(r.window)
	return fmt.Sprintf("%s%s:%s:%d", keyPrefix, r.scope, key, start.Unix()), start.Add(r.window)
}

// Allow fails open: when Redis is unreachable the request proceeds and the
// error is returned for logging.
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now()
	k, reset := r.windowKey(key, now)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true, Limit: r.max, Remaining: r.max, ResetAt: reset},
			fmt.Errorf("rate limit counter: %w", err)
	}
	count := int(incr.Val())
	remaining := r.max - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: count <= r.max, Limit: r.max, Remaining: remaining, ResetAt: reset}, nil
}
