package capacity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/xbsc-402/x402-backend/internal/kvpool"
)

type fakeChainReader struct {
	maxCalls   atomic.Int64
	countCalls atomic.Int64
	max        uint64
	count      uint64
	countErr   error
}

func (f *fakeChainReader) MaxMintCount(ctx context.Context, contractAddr string) (uint64, error) {
	f.maxCalls.Add(1)
	return f.max, nil
}

func (f *fakeChainReader) MintCount(ctx context.Context, contractAddr string) (uint64, error) {
	f.countCalls.Add(1)
	return f.count, f.countErr
}

func TestMaxMintCountCache_ReadsOnce(t *testing.T) {
	reader := &fakeChainReader{max: 100}
	c, err := NewMaxMintCountCache(reader, 16)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, err := c.Get(ctx, "0xToken")
		require.NoError(t, err)
		require.Equal(t, uint64(100), v)
	}
	require.EqualValues(t, 1, reader.maxCalls.Load())
}

func TestMintCountCache_RefreshesAfterTTL(t *testing.T) {
	reader := &fakeChainReader{count: 5}
	c, err := NewMintCountCache(reader, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	v, err := c.Get(ctx, "0xToken")
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)

	reader.count = 9
	time.Sleep(30 * time.Millisecond)

	v, err = c.Get(ctx, "0xToken")
	require.NoError(t, err)
	require.Equal(t, uint64(9), v)
}

func TestMintCountCache_DegradedReadOnFailure(t *testing.T) {
	reader := &fakeChainReader{count: 5}
	c, err := NewMintCountCache(reader, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	v, err := c.Get(ctx, "0xToken")
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)

	reader.countErr = require.AnError
	time.Sleep(30 * time.Millisecond)

	v, err = c.Get(ctx, "0xToken")
	require.NoError(t, err, "a stale value must be returned instead of the read error")
	require.Equal(t, uint64(5), v)
}

func newTestPool(t *testing.T) (*kvpool.Pool, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	pool, err := kvpool.New("redis://"+mr.Addr(), kvpool.Options{})
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return pool, client
}

func TestPendingMintCounter_IncrementDecrement(t *testing.T) {
	pool, _ := newTestPool(t)
	p := NewPendingMintCounter(pool, time.Hour)
	ctx := context.Background()

	v, err := p.Increment(ctx, "0xToken", 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)

	got, err := p.Get(ctx, "0xToken")
	require.NoError(t, err)
	require.Equal(t, int64(3), got)

	v, err = p.Decrement(ctx, "0xToken", 3)
	require.NoError(t, err)
	require.Equal(t, int64(0), v)

	got, err = p.Get(ctx, "0xToken")
	require.NoError(t, err)
	require.Equal(t, int64(0), got, "key must be absent once decremented to zero")
}

func TestPendingMintCounter_DecrementBelowZeroDeletesKey(t *testing.T) {
	pool, client := newTestPool(t)
	p := NewPendingMintCounter(pool, time.Hour)
	ctx := context.Background()

	_, err := p.Increment(ctx, "0xToken", 2)
	require.NoError(t, err)

	_, err = p.Decrement(ctx, "0xToken", 5)
	require.NoError(t, err)

	exists, err := client.Exists(ctx, "pending_mint:0xtoken").Result()
	require.NoError(t, err)
	require.Zero(t, exists)
}

func TestManager_CheckCapacity_ExceededWhenOverMax(t *testing.T) {
	pool, _ := newTestPool(t)
	reader := &fakeChainReader{max: 100, count: 95}
	maxCache, err := NewMaxMintCountCache(reader, 16)
	require.NoError(t, err)
	countCache, err := NewMintCountCache(reader, time.Minute)
	require.NoError(t, err)
	defer countCache.Close()
	pending := NewPendingMintCounter(pool, time.Hour)

	ctx := context.Background()
	_, err = pending.Increment(ctx, "0xToken", 3)
	require.NoError(t, err)

	m := NewManager(maxCache, countCache, pending)
	info, err := m.CheckCapacity(ctx, "0xToken", 5)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, int64(2), info.Available)
}

func TestManager_ReserveThenRelease_ConservesZero(t *testing.T) {
	pool, _ := newTestPool(t)
	reader := &fakeChainReader{max: 100, count: 10}
	maxCache, err := NewMaxMintCountCache(reader, 16)
	require.NoError(t, err)
	countCache, err := NewMintCountCache(reader, time.Minute)
	require.NoError(t, err)
	defer countCache.Close()
	pending := NewPendingMintCounter(pool, time.Hour)

	ctx := context.Background()
	m := NewManager(maxCache, countCache, pending)

	_, err = m.CheckCapacity(ctx, "0xToken", 4)
	require.NoError(t, err)
	require.NoError(t, m.ReserveCapacity(ctx, "0xToken", 4))
	require.NoError(t, m.ReleaseCapacity(ctx, "0xToken", 4))

	got, err := pending.Get(ctx, "0xToken")
	require.NoError(t, err)
	require.Zero(t, got)
}
