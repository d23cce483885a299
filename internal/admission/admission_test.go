package admission

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/stretchr/testify/require"

	"github.com/xbsc-402/x402-backend/internal/abuse"
	"github.com/xbsc-402/x402-backend/internal/capacity"
	"github.com/xbsc-402/x402-backend/internal/coalescer"
	"github.com/xbsc-402/x402-backend/internal/deadline"
	"github.com/xbsc-402/x402-backend/internal/facilitator"
	"github.com/xbsc-402/x402-backend/internal/kvpool"
)

type fakeDeadlineReader struct {
	deadline int64
}

func (f *fakeDeadlineReader) DeploymentDeadline(ctx context.Context, contractAddr string) (int64, error) {
	return f.deadline, nil
}

type fakeCapacityReader struct {
	max   uint64
	count uint64
}

func (f *fakeCapacityReader) MaxMintCount(ctx context.Context, contractAddr string) (uint64, error) {
	return f.max, nil
}

func (f *fakeCapacityReader) MintCount(ctx context.Context, contractAddr string) (uint64, error) {
	return f.count, nil
}

type testHarness struct {
	pipeline *Pipeline
	client   *goredislib.Client
	mr       *miniredis.Miniredis
}

func newHarness(t *testing.T, facilitatorHandler http.Handler, maxMint, currentMint uint64, deploymentDeadline int64) *testHarness {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredislib.NewClient(&goredislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	kvPool, err := kvpool.New("redis://"+mr.Addr(), kvpool.Options{})
	require.NoError(t, err)
	t.Cleanup(kvPool.Shutdown)

	dlCache, err := deadline.New(&fakeDeadlineReader{deadline: deploymentDeadline}, 16)
	require.NoError(t, err)

	abuseDet := abuse.New(kvPool, time.Minute, 1000, time.Minute)

	maxCache, err := capacity.NewMaxMintCountCache(&fakeCapacityReader{max: maxMint, count: currentMint}, 16)
	require.NoError(t, err)
	countCache, err := capacity.NewMintCountCache(&fakeCapacityReader{max: maxMint, count: currentMint}, time.Minute)
	require.NoError(t, err)
	t.Cleanup(countCache.Close)
	pending := capacity.NewPendingMintCounter(kvPool, time.Hour)
	capMgr := capacity.NewManager(maxCache, countCache, pending)

	srv := httptest.NewServer(facilitatorHandler)
	t.Cleanup(srv.Close)
	fc := facilitator.New(srv.URL, facilitator.Options{MaxRetries: 1})

	co, err := coalescer.New(fc, coalescer.Options{BatchSize: 1, BatchTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(co.Shutdown)

	redsyncPool := goredis.NewPool(client)
	locker := redsync.New(redsyncPool)

	cfg := Config{
		Network:            "base-sepolia",
		AssetAddress:       "0xasset",
		AssetName:          "USDC",
		AssetDomainVersion: "2",
		AmountMinorUnits:   "1000000",
		VerifyTimeout:      2 * time.Second,
		SettleTimeout:      2 * time.Second,
	}

	return &testHarness{
		pipeline: New(cfg, dlCache, abuseDet, capMgr, fc, co, locker),
		client:   client,
		mr:       mr,
	}
}

func TestHandle_MalformedRequest(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), 100, 0, time.Now().Add(time.Hour).Unix())

	out := h.pipeline.Handle(context.Background(), MintRequest{TokenAddress: "", Recipients: []string{"0xr1"}}, "1.2.3.4", "", false)
	require.NotNil(t, out.Err)
	require.Equal(t, 400, out.Err.Status())
}

func TestHandle_ExpiredTokenReturns410(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), 100, 0, time.Now().Add(-time.Hour).Unix())

	out := h.pipeline.Handle(context.Background(), MintRequest{TokenAddress: "0xToken", Recipients: []string{"0xr1"}}, "1.2.3.4", "", false)
	require.NotNil(t, out.Err)
	require.Equal(t, 410, out.Err.Status())
}

func TestHandle_NoPaymentHeaderIssuesChallenge(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), 100, 0, time.Now().Add(time.Hour).Unix())

	out := h.pipeline.Handle(context.Background(), MintRequest{TokenAddress: "0xToken", Recipients: []string{"0xr1"}}, "1.2.3.4", "", false)
	require.NotNil(t, out.Err)
	require.Equal(t, 402, out.Err.Status())
	require.NotNil(t, out.Challenge)
	require.Contains(t, out.Headers["X-Payment-Options"], "scheme=")
}

func TestHandle_FullSuccessPath(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/verify":
			_ = json.NewEncoder(w).Encode(facilitator.VerifyResponse{IsValid: true})
		case "/settle/batch":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(facilitator.SettleBatchResponse{
				Success: true,
				Results: []facilitator.BatchResult{{Index: 0, Success: true, Transaction: "0xsettled"}},
				TotalSubmitted: 1, TotalSuccess: 1,
			})
		}
	})
	h := newHarness(t, handler, 100, 0, time.Now().Add(time.Hour).Unix())

	payment := base64.StdEncoding.EncodeToString([]byte(`{"nonce":"abc"}`))
	out := h.pipeline.Handle(context.Background(), MintRequest{TokenAddress: "0xToken", Recipients: []string{"0xr1", "0xr2"}}, "1.2.3.4", payment, true)

	require.Nil(t, out.Err)
	require.NotNil(t, out.Response)
	require.True(t, out.Response.Success)
	require.Equal(t, "0xsettled", out.Response.PaymentTxHash)

	pending, err := h.client.Get(context.Background(), "pending_mint:0xtoken").Result()
	require.Equal(t, goredislib.Nil, err)
	require.Empty(t, pending)
}

func TestHandle_CapacityExceededReturns429(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/verify" {
			_ = json.NewEncoder(w).Encode(facilitator.VerifyResponse{IsValid: true})
		}
	}), 10, 9, time.Now().Add(time.Hour).Unix())

	payment := base64.StdEncoding.EncodeToString([]byte(`{"nonce":"xyz"}`))
	out := h.pipeline.Handle(context.Background(), MintRequest{TokenAddress: "0xToken", Recipients: []string{"0xr1", "0xr2"}}, "5.6.7.8", payment, true)

	require.NotNil(t, out.Err)
	require.Equal(t, 429, out.Err.Status())
}

func TestHandle_SettlementFailureReleasesReservation(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/verify":
			_ = json.NewEncoder(w).Encode(facilitator.VerifyResponse{IsValid: true})
		case "/settle/batch":
			_ = json.NewEncoder(w).Encode(facilitator.SettleBatchResponse{
				Success: false,
				Results: []facilitator.BatchResult{{Index: 0, Success: false, Error: "signature_invalid"}},
				TotalSubmitted: 1, TotalFailed: 1,
			})
		}
	})
	h := newHarness(t, handler, 100, 0, time.Now().Add(time.Hour).Unix())

	payment := base64.StdEncoding.EncodeToString([]byte(`{"nonce":"fail"}`))
	out := h.pipeline.Handle(context.Background(), MintRequest{TokenAddress: "0xToken", Recipients: []string{"0xr1"}}, "9.9.9.9", payment, true)

	require.NotNil(t, out.Err)

	pending, err := h.client.Get(context.Background(), "pending_mint:0xtoken").Result()
	require.Equal(t, goredislib.Nil, err)
	require.Empty(t, pending)
}
