package abuse

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/xbsc-402/x402-backend/internal/kvpool"
)

func newTestDetector(t *testing.T, window time.Duration, max int64, ban time.Duration) (*Detector, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	pool, err := kvpool.New("redis://"+mr.Addr(), kvpool.Options{})
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)

	return New(pool, window, max, ban), mr
}

func TestDetector_AdmitsExactlyLimitThenDenies(t *testing.T) {
	d, _ := newTestDetector(t, time.Minute, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec, err := d.RecordRequest(ctx, "ip:1.2.3.4")
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	dec, err := d.RecordRequest(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.True(t, dec.Banned)
	require.Greater(t, dec.RetryAfter, time.Duration(0))
}

func TestDetector_BannedIdentifierStaysDenied(t *testing.T) {
	d, _ := newTestDetector(t, time.Minute, 1, time.Minute)
	ctx := context.Background()

	_, err := d.RecordRequest(ctx, "ip:5.6.7.8")
	require.NoError(t, err)
	dec, err := d.RecordRequest(ctx, "ip:5.6.7.8")
	require.NoError(t, err)
	require.True(t, dec.Banned)

	dec, err = d.RecordRequest(ctx, "ip:5.6.7.8")
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.True(t, dec.Banned)
}

func TestDetector_WhitelistOverridesLimit(t *testing.T) {
	d, _ := newTestDetector(t, time.Minute, 1, time.Minute)
	ctx := context.Background()

	require.NoError(t, d.AddToWhitelist(ctx, "ip:9.9.9.9"))

	for i := 0; i < 10; i++ {
		dec, err := d.RecordRequest(ctx, "ip:9.9.9.9")
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}
}

func TestDetector_ManualBanAndUnban(t *testing.T) {
	d, _ := newTestDetector(t, time.Minute, 100, time.Minute)
	ctx := context.Background()

	require.NoError(t, d.ManualBan(ctx, "ip:1.1.1.1"))
	banned, ttl, err := d.IsBanned(ctx, "ip:1.1.1.1")
	require.NoError(t, err)
	require.True(t, banned)
	require.Greater(t, ttl, time.Duration(0))

	require.NoError(t, d.Unban(ctx, "ip:1.1.1.1"))
	banned, _, err = d.IsBanned(ctx, "ip:1.1.1.1")
	require.NoError(t, err)
	require.False(t, banned)
}

func TestDetector_RecordRequest_FailsOpenWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	pool, err := kvpool.New("redis://"+mr.Addr(), kvpool.Options{
		PingTimeout:      50 * time.Millisecond,
		AcquireTimeout:   time.Second,
		MaxCreateRetries: 1,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)
	d := New(pool, time.Minute, 3, time.Minute)

	mr.Close()

	dec, err := d.RecordRequest(context.Background(), "ip:2.2.2.2")
	require.Error(t, err, "caller should still observe the degraded mode")
	require.True(t, dec.Allowed, "must fail open when redis is unreachable")
}

func TestDetector_GetStats(t *testing.T) {
	d, _ := newTestDetector(t, time.Minute, 5, time.Minute)
	ctx := context.Background()

	_, err := d.RecordRequest(ctx, "ip:3.3.3.3")
	require.NoError(t, err)
	_, err = d.RecordRequest(ctx, "ip:3.3.3.3")
	require.NoError(t, err)

	stats, err := d.GetStats(ctx, "ip:3.3.3.3")
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Count)
	require.False(t, stats.Banned)
}
