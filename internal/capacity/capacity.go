// Package capacity implements the gateway's three capacity caches and the
// CapacityManager that combines them into check/reserve/release operations
// (spec §4.2).
package capacity

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xbsc-402/x402-backend/internal/kvpool"
)

// ChainReader reads the two mutable/immutable on-chain counters this
// package needs.
type ChainReader interface {
	MaxMintCount(ctx context.Context, contractAddr string) (uint64, error)
	MintCount(ctx context.Context, contractAddr string) (uint64, error)
}

// MaxMintCountCache never expires: maxMintCount is a contract constant.
type MaxMintCountCache struct {
	reader ChainReader
	cache  *lru.Cache[string, uint64]
}

// NewMaxMintCountCache builds a permanent cache for up to size tokens.
func NewMaxMintCountCache(reader ChainReader, size int) (*MaxMintCountCache, error) {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[string, uint64](size)
	if err != nil {
		return nil, fmt.Errorf("capacity: new max-mint-count lru: %w", err)
	}
	return &MaxMintCountCache{reader: reader, cache: c}, nil
}

// Get returns the cached max mint count, reading the chain at most once
// per token for the lifetime of the process under no-error conditions.
func (c *MaxMintCountCache) Get(ctx context.Context, token string) (uint64, error) {
	key := strings.ToLower(token)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.reader.MaxMintCount(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("capacity: read max mint count: %w", err)
	}
	c.cache.Add(key, v)
	return v, nil
}

// Clear removes every cached entry. Test use only.
func (c *MaxMintCountCache) Clear() { c.cache.Purge() }

// mintCountEntry pairs a cached value with the monotonic time it was read.
type mintCountEntry struct {
	value     uint64
	fetchedAt time.Time
}

// MintCountCache caches the mutable on-chain mint counter for 6 seconds. A
// read failure after a prior successful read falls back to the stale value
// (an explicit degraded-mode read) rather than failing the caller.
type MintCountCache struct {
	reader ChainReader
	cache  *ristretto.Cache[string, mintCountEntry]
	ttl    time.Duration
	now    func() time.Time
}

// NewMintCountCache builds a 6-second TTL cache of mutable mint counts.
func NewMintCountCache(reader ChainReader, ttl time.Duration) (*MintCountCache, error) {
	if ttl <= 0 {
		ttl = 6 * time.Second
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, mintCountEntry]{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("capacity: new mint-count cache: %w", err)
	}
	return &MintCountCache{reader: reader, cache: rc, ttl: ttl, now: time.Now}, nil
}

// Get returns the current mint count, refreshing from chain when the
// cached entry is missing or older than the TTL. On a refresh failure, if a
// (now stale) cached value exists it is returned instead of the error.
func (c *MintCountCache) Get(ctx context.Context, token string) (uint64, error) {
	key := strings.ToLower(token)

	entry, found := c.cache.Get(key)
	fresh := found && c.now().Sub(entry.fetchedAt) < c.ttl
	if fresh {
		return entry.value, nil
	}

	v, err := c.reader.MintCount(ctx, token)
	if err != nil {
		if found {
			return entry.value, nil
		}
		return 0, fmt.Errorf("capacity: read mint count: %w", err)
	}

	newEntry := mintCountEntry{value: v, fetchedAt: c.now()}
	c.cache.SetWithTTL(key, newEntry, 1, c.ttl*10)
	c.cache.Wait()
	return v, nil
}

// Clear removes every cached entry. Test use only.
func (c *MintCountCache) Clear() { c.cache.Clear() }

// Close releases the underlying ristretto cache's background goroutines.
func (c *MintCountCache) Close() { c.cache.Close() }

// PendingMintCounter is a Redis-backed counter of in-flight (reserved but
// not yet settled) mints per token. The key carries a 1-hour safety TTL on
// every increment to bound leaks from a crashed process that never
// released; decrement deletes the key once it reaches zero or below.
type PendingMintCounter struct {
	pool    *kvpool.Pool
	safeTTL time.Duration
}

// NewPendingMintCounter borrows connections from pool for pending-counter
// bookkeeping.
func NewPendingMintCounter(pool *kvpool.Pool, safeTTL time.Duration) *PendingMintCounter {
	if safeTTL <= 0 {
		safeTTL = time.Hour
	}
	return &PendingMintCounter{pool: pool, safeTTL: safeTTL}
}

func pendingKey(token string) string {
	return "pending_mint:" + strings.ToLower(token)
}

var decrementScript = redis.NewScript(`
	local v = redis.call("DECRBY", KEYS[1], ARGV[1])
	if v <= 0 then
		redis.call("DEL", KEYS[1])
		return 0
	end
	return v
`)

// Increment adds n to token's pending count and refreshes its safety TTL,
// replayed atomically on one pooled connection via kvpool's
// transaction-replay builder.
func (p *PendingMintCounter) Increment(ctx context.Context, token string, n int64) (int64, error) {
	key := pendingKey(token)
	var incr *redis.IntCmd
	tx := kvpool.NewTransaction().
		Queue(func(pipe redis.Pipeliner) error {
			incr = pipe.IncrBy(ctx, key, n)
			return nil
		}).
		Queue(func(pipe redis.Pipeliner) error {
			pipe.Expire(ctx, key, p.safeTTL)
			return nil
		})
	if _, err := p.pool.ExecuteTransaction(ctx, tx); err != nil {
		return 0, fmt.Errorf("capacity: increment pending: %w", err)
	}
	return incr.Val(), nil
}

// Decrement subtracts n from token's pending count, deleting the key once
// it reaches zero or below — the conservation invariant of spec §8.
func (p *PendingMintCounter) Decrement(ctx context.Context, token string, n int64) (int64, error) {
	key := pendingKey(token)
	var v int64
	err := p.pool.Execute(ctx, func(c *redis.Client) error {
		result, err := decrementScript.Run(ctx, c, []string{key}, n).Int64()
		v = result
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("capacity: decrement pending: %w", err)
	}
	return v, nil
}

// Get returns token's current pending count, 0 if the key is absent.
func (p *PendingMintCounter) Get(ctx context.Context, token string) (int64, error) {
	var v int64
	err := p.pool.Execute(ctx, func(c *redis.Client) error {
		result, err := c.Get(ctx, pendingKey(token)).Int64()
		if err == redis.Nil {
			return nil
		}
		v = result
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("capacity: get pending: %w", err)
	}
	return v, nil
}

// Clear removes token's pending counter entirely. Test use only.
func (p *PendingMintCounter) Clear(ctx context.Context, token string) error {
	return p.pool.Execute(ctx, func(c *redis.Client) error {
		return c.Del(ctx, pendingKey(token)).Err()
	})
}

// Info mirrors spec §4's CapacityInfo: the four numbers a caller needs to
// decide whether a mint of n recipients can be admitted.
type Info struct {
	Max       uint64
	Current   uint64
	Pending   int64
	Available int64
}

// Manager combines the three caches into the check/reserve/release
// operations the admission pipeline calls directly.
type Manager struct {
	maxCache     *MaxMintCountCache
	currentCache *MintCountCache
	pending      *PendingMintCounter
}

// NewManager wires the three capacity primitives together.
func NewManager(maxCache *MaxMintCountCache, currentCache *MintCountCache, pending *PendingMintCounter) *Manager {
	return &Manager{maxCache: maxCache, currentCache: currentCache, pending: pending}
}

// ErrCapacityExceeded is returned by CheckCapacity when the requested count
// would push current+pending past max.
var ErrCapacityExceeded = fmt.Errorf("capacity: CAPACITY_EXCEEDED")

// CheckCapacity computes Info and fails with ErrCapacityExceeded if
// current+pending+n would exceed max. It does not reserve anything: the
// check-and-reserve pair is deliberately non-atomic (spec §5's ordering
// note (e)).
func (m *Manager) CheckCapacity(ctx context.Context, token string, n int64) (Info, error) {
	maxCount, err := m.maxCache.Get(ctx, token)
	if err != nil {
		return Info{}, err
	}
	current, err := m.currentCache.Get(ctx, token)
	if err != nil {
		return Info{}, err
	}
	pending, err := m.pending.Get(ctx, token)
	if err != nil {
		return Info{}, err
	}

	available := int64(maxCount) - int64(current) - pending
	info := Info{Max: maxCount, Current: current, Pending: pending, Available: available}

	if int64(current)+pending+n > int64(maxCount) {
		return info, ErrCapacityExceeded
	}
	return info, nil
}

// ReserveCapacity increments the pending counter by n, the soft reservation
// made once admission has decided to proceed past the capacity check.
func (m *Manager) ReserveCapacity(ctx context.Context, token string, n int64) error {
	_, err := m.pending.Increment(ctx, token, n)
	return err
}

// ReleaseCapacity decrements the pending counter by n. Every failure path
// from ReserveCapacity onward must call this before responding to the
// client.
func (m *Manager) ReleaseCapacity(ctx context.Context, token string, n int64) error {
	_, err := m.pending.Decrement(ctx, token, n)
	return err
}
