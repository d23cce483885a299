// Command gateway runs the x402 payment-gated mint API: it loads
// configuration from the environment, wires the admission pipeline and
// its supporting Redis-backed components together, and serves the HTTP
// surface described in spec §6 until a termination signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	redislib "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/xbsc-402/x402-backend/internal/abuse"
	"github.com/xbsc-402/x402-backend/internal/admission"
	"github.com/xbsc-402/x402-backend/internal/burstlimit"
	"github.com/xbsc-402/x402-backend/internal/capacity"
	"github.com/xbsc-402/x402-backend/internal/chain"
	"github.com/xbsc-402/x402-backend/internal/coalescer"
	"github.com/xbsc-402/x402-backend/internal/config"
	"github.com/xbsc-402/x402-backend/internal/deadline"
	"github.com/xbsc-402/x402-backend/internal/facilitator"
	"github.com/xbsc-402/x402-backend/internal/httpapi"
	"github.com/xbsc-402/x402-backend/internal/kvpool"
	"github.com/xbsc-402/x402-backend/internal/logging"
	"github.com/xbsc-402/x402-backend/internal/metrics"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Version is injected at build time, mirroring the teacher debug CLI's
// ldflags convention.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run())
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:    "gateway",
		Usage:   "x402 payment-gated mint API gateway",
		Version: fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		Action: func(ctx context.Context, _ *cli.Command) error {
			return serve(ctx)
		},
		// Matches xdbgctl's convention of letting run() own exit-code
		// mapping instead of letting the CLI framework call os.Exit.
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(os.Stderr, err)
			}
		},
	}
}

func run() int {
	app := createApp()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		return 1
	}
	return 0
}

// serve builds every component named in SPEC_FULL.md's dependency graph and
// runs the HTTP server until ctx is cancelled, then drains in-flight
// requests for the configured grace period before returning.
func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogFormat, cfg.LogLevel)
	logger.Info(ctx, "starting gateway", slog.String("http_addr", cfg.HTTPAddr), slog.String("network", cfg.Network))

	redisClient := redislib.NewClient(mustParseRedisURL(cfg.RedisURL))
	defer redisClient.Close()

	kvPool, err := kvpool.New(cfg.RedisURL, kvpool.Options{
		MinConns:            cfg.PoolMinConns,
		MaxConns:             cfg.PoolMaxConns,
		AcquireTimeout:       cfg.PoolAcquireTimeout,
		IdleTimeout:          cfg.PoolIdleTimeout,
		CommandTimeout:       cfg.PoolCommandTimeout,
		PingTimeout:          cfg.PoolPingTimeout,
		MaxCreateRetries:     cfg.PoolMaxCreateRetries,
		OnUnhealthy: func() {
			logger.Warn(ctx, "kv pool has zero healthy connections")
		},
	})
	if err != nil {
		return fmt.Errorf("build kv pool: %w", err)
	}
	defer kvPool.Shutdown()

	chainClient, err := chain.New(cfg.ChainRPCURLs, chain.Options{ReadTimeout: cfg.ChainReadTimeout})
	if err != nil {
		return fmt.Errorf("build chain client: %w", err)
	}

	deadlines, err := deadline.New(chainClient, 4096)
	if err != nil {
		return fmt.Errorf("build deadline cache: %w", err)
	}

	abuseDet := abuse.New(kvPool, cfg.AbuseWindow, int64(cfg.AbuseMaxRequestsPerWindow), cfg.AbuseBanDuration)

	maxMintCache, err := capacity.NewMaxMintCountCache(chainClient, 4096)
	if err != nil {
		return fmt.Errorf("build max mint cache: %w", err)
	}
	mintCountCache, err := capacity.NewMintCountCache(chainClient, cfg.MintCountCacheTTL)
	if err != nil {
		return fmt.Errorf("build mint count cache: %w", err)
	}
	defer mintCountCache.Close()
	pendingMints := capacity.NewPendingMintCounter(kvPool, cfg.PendingMintTTL)
	capacityMgr := capacity.NewManager(maxMintCache, mintCountCache, pendingMints)

	fc := facilitator.New(cfg.FacilitatorURL, facilitator.Options{
		VerifyTimeout: cfg.FacilitatorVerifyTimeout,
		SettleTimeout: cfg.FacilitatorSettleTimeout,
	})

	co, err := coalescer.New(fc, coalescer.Options{
		BatchSize:     cfg.BatchSize,
		BatchTimeout:  cfg.BatchTimeout,
		StaleAge:      cfg.BatchStaleAge,
		SweepInterval: cfg.BatchSweepInterval,
		VerifyTimeout: cfg.FacilitatorVerifyTimeout,
		SettleTimeout: cfg.FacilitatorSettleTimeout,
	})
	if err != nil {
		return fmt.Errorf("build coalescer: %w", err)
	}
	defer co.Shutdown()

	locker := redsync.New(goredis.NewPool(redisClient))

	pipeline := admission.New(admission.Config{
		Network:            cfg.Network,
		AssetAddress:       cfg.AssetAddress,
		AssetName:          cfg.AssetName,
		AssetDomainVersion: cfg.AssetDomainVersion,
		AmountMinorUnits:   fmt.Sprintf("%d", cfg.AmountMinorUnits),
		MaxTimeoutSeconds:  cfg.MaxTimeoutSeconds,
		VerifyTimeout:      cfg.FacilitatorVerifyTimeout,
		SettleTimeout:      cfg.FacilitatorSettleTimeout,
	}, deadlines, abuseDet, capacityMgr, fc, co, locker)

	limiter := burstlimit.New(redisClient, cfg.BurstLimitRate, cfg.BurstLimitBurst, time.Second)

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := metrics.New(meterProvider)
	if err != nil {
		return fmt.Errorf("build metrics: %w", err)
	}

	server := httpapi.New(httpapi.Deps{
		Pipeline:           pipeline,
		AbuseDetector:      abuseDet,
		CapacityManager:    capacityMgr,
		Deadlines:          deadlines,
		BurstLimiter:       limiter,
		Metrics:            m,
		FacilitatorHealth:  fc,
		KVHealth:           kvPool,
		InternalMintSecret: cfg.InternalMintSecret,
		Logger:             logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server,
	}

	// Grounded on xrun.Group's HTTPServer helper: an errgroup goroutine
	// serves until ctx is cancelled, then Shutdown drains within the
	// configured grace period while the goroutine that was blocked in
	// ListenAndServe returns its (expected) ErrServerClosed.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		logger.Info(shutdownCtx, "shutting down", slog.Duration("grace_period", cfg.ShutdownGracePeriod))
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func mustParseRedisURL(redisURL string) *redislib.Options {
	opts, err := redislib.ParseURL(redisURL)
	if err != nil {
		opts = &redislib.Options{Addr: redisURL}
	}
	return opts
}
