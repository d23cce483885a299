// Package burstlimit is a defense-in-depth per-IP token bucket that sheds
// cheap abusive bursts before a request ever reaches the admission
// pipeline's heavier checks (abuse detector, facilitator verify, capacity).
package burstlimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// Limiter wraps redis_rate's GCRA limiter behind the burst/rate shape this
// gateway needs.
type Limiter struct {
	backend *redis_rate.Limiter
	rate    int
	burst   int
	period  time.Duration
}

// New constructs a Limiter allowing rate requests per period with burst
// headroom, per identifier key.
func New(client *redis.Client, rate, burst int, period time.Duration) *Limiter {
	return &Limiter{
		backend: redis_rate.NewLimiter(client),
		rate:    rate,
		burst:   burst,
		period:  period,
	}
}

// Result reports the outcome of an Allow call.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Allow consumes one token from id's bucket.
func (l *Limiter) Allow(ctx context.Context, id string) (Result, error) {
	res, err := l.backend.Allow(ctx, "burst:"+id, redis_rate.Limit{
		Rate:   l.rate,
		Burst:  l.burst,
		Period: l.period,
	})
	if err != nil {
		return Result{}, fmt.Errorf("burstlimit: allow: %w", err)
	}
	return Result{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// Reset clears id's bucket. Test/administrative use only.
func (l *Limiter) Reset(ctx context.Context, id string) error {
	return l.backend.Reset(ctx, "burst:"+id)
}
