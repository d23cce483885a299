// Package abuse implements the gateway's sliding-window request counter,
// ban list, and whitelist (spec §4.3), borrowing a connection from the
// shared kvpool.Pool for every command instead of holding one of its own.
// recordRequest fails open when Redis is unreachable; the administrative
// operations fail closed.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xbsc-402/x402-backend/internal/kvpool"
)

// ErrAdministrativeFailure wraps a failure of a ban/whitelist management
// operation. Unlike recordRequest, these never fail open.
var ErrAdministrativeFailure = errors.New("abuse: administrative operation failed")

// Decision is the outcome of recordRequest.
type Decision struct {
	Allowed    bool
	Banned     bool
	RetryAfter time.Duration
}

// Detector guards the abuse:* Redis namespace described in spec §3.
type Detector struct {
	pool          *kvpool.Pool
	window        time.Duration
	maxPerWindow  int64
	banDuration   time.Duration
}

// New constructs a Detector over pool.
func New(pool *kvpool.Pool, window time.Duration, maxPerWindow int64, banDuration time.Duration) *Detector {
	return &Detector{pool: pool, window: window, maxPerWindow: maxPerWindow, banDuration: banDuration}
}

func countKey(id string) string     { return "abuse:count:" + id }
func banKey(id string) string       { return "abuse:ban:" + id }
func whitelistKey(id string) string { return "abuse:whitelist:" + id }

// recordRequestScript implements the whole decision atomically: whitelist
// check, ban check (with remaining TTL), increment-and-maybe-ban.
//
// KEYS[1]=whitelist KEYS[2]=ban KEYS[3]=count
// ARGV[1]=window(seconds) ARGV[2]=maxPerWindow ARGV[3]=banDuration(seconds)
//
// Returns {allowed(0/1), banned(0/1), retryAfter(seconds)}.
var recordRequestScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 1 then
		return {1, 0, 0}
	end

	local banTTL = redis.call("TTL", KEYS[2])
	if banTTL and banTTL > 0 then
		return {0, 1, banTTL}
	end

	local count = redis.call("INCR", KEYS[3])
	if count == 1 then
		redis.call("EXPIRE", KEYS[3], ARGV[1])
	end

	if count > tonumber(ARGV[2]) then
		redis.call("SET", KEYS[2], "1", "EX", ARGV[3])
		return {0, 1, tonumber(ARGV[3])}
	end

	return {1, 0, 0}
`)

// RecordRequest ticks id's sliding-window counter and returns whether the
// request is admitted. On Redis unavailability it fails open (returns
// Allowed: true, err set so callers can log the degraded mode) per spec
// §6's fail-open rule.
func (d *Detector) RecordRequest(ctx context.Context, id string) (Decision, error) {
	var res []any
	err := d.pool.Execute(ctx, func(c *redis.Client) error {
		r, err := recordRequestScript.Run(
			ctx, c,
			[]string{whitelistKey(id), banKey(id), countKey(id)},
			int64(d.window.Seconds()), d.maxPerWindow, int64(d.banDuration.Seconds()),
		).Slice()
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("abuse: record request degraded (failing open): %w", err)
	}

	allowed := toInt64(res[0]) == 1
	banned := toInt64(res[1]) == 1
	retryAfter := time.Duration(toInt64(res[2])) * time.Second

	return Decision{Allowed: allowed, Banned: banned, RetryAfter: retryAfter}, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	default:
		return 0
	}
}

// IsBanned reports whether id currently has an active ban, and the
// remaining TTL if so.
func (d *Detector) IsBanned(ctx context.Context, id string) (bool, time.Duration, error) {
	var ttl time.Duration
	err := d.pool.Execute(ctx, func(c *redis.Client) error {
		v, err := c.TTL(ctx, banKey(id)).Result()
		ttl = v
		return err
	})
	if err != nil {
		return false, 0, fmt.Errorf("%w: is banned: %w", ErrAdministrativeFailure, err)
	}
	if ttl <= 0 {
		return false, 0, nil
	}
	return true, ttl, nil
}

// Stats reports the current window count and ban status for id.
type Stats struct {
	Count      int64
	Banned     bool
	RetryAfter time.Duration
	Whitelisted bool
}

// GetStats reads id's current counter, ban, and whitelist state.
func (d *Detector) GetStats(ctx context.Context, id string) (Stats, error) {
	var countCmd *redis.StringCmd
	var banTTLCmd *redis.DurationCmd
	var whitelistCmd *redis.IntCmd
	tx := kvpool.NewTransaction().
		Queue(func(pipe redis.Pipeliner) error {
			countCmd = pipe.Get(ctx, countKey(id))
			return nil
		}).
		Queue(func(pipe redis.Pipeliner) error {
			banTTLCmd = pipe.TTL(ctx, banKey(id))
			return nil
		}).
		Queue(func(pipe redis.Pipeliner) error {
			whitelistCmd = pipe.Exists(ctx, whitelistKey(id))
			return nil
		})
	if _, err := d.pool.ExecuteTransaction(ctx, tx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("%w: get stats: %w", ErrAdministrativeFailure, err)
	}

	count, _ := countCmd.Int64()
	banTTL := banTTLCmd.Val()
	whitelisted := whitelistCmd.Val() == 1

	return Stats{
		Count:       count,
		Banned:      banTTL > 0,
		RetryAfter:  maxDuration(banTTL, 0),
		Whitelisted: whitelisted,
	}, nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// ManualBan forces a ban on id for the configured ban duration.
func (d *Detector) ManualBan(ctx context.Context, id string) error {
	err := d.pool.Execute(ctx, func(c *redis.Client) error {
		return c.Set(ctx, banKey(id), "1", d.banDuration).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: manual ban: %w", ErrAdministrativeFailure, err)
	}
	return nil
}

// Unban clears id's ban, if any.
func (d *Detector) Unban(ctx context.Context, id string) error {
	err := d.pool.Execute(ctx, func(c *redis.Client) error {
		return c.Del(ctx, banKey(id)).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: unban: %w", ErrAdministrativeFailure, err)
	}
	return nil
}

// AddToWhitelist admits id unconditionally until removed.
func (d *Detector) AddToWhitelist(ctx context.Context, id string) error {
	err := d.pool.Execute(ctx, func(c *redis.Client) error {
		return c.Set(ctx, whitelistKey(id), "1", 0).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: add to whitelist: %w", ErrAdministrativeFailure, err)
	}
	return nil
}

// RemoveFromWhitelist removes id's whitelist entry.
func (d *Detector) RemoveFromWhitelist(ctx context.Context, id string) error {
	err := d.pool.Execute(ctx, func(c *redis.Client) error {
		return c.Del(ctx, whitelistKey(id)).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: remove from whitelist: %w", ErrAdministrativeFailure, err)
	}
	return nil
}

// IsWhitelisted reports whether id is currently whitelisted.
func (d *Detector) IsWhitelisted(ctx context.Context, id string) (bool, error) {
	var n int64
	err := d.pool.Execute(ctx, func(c *redis.Client) error {
		v, err := c.Exists(ctx, whitelistKey(id)).Result()
		n = v
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: is whitelisted: %w", ErrAdministrativeFailure, err)
	}
	return n == 1, nil
}
