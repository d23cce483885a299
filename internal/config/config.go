// Package config loads gateway configuration from the environment, with an
// optional YAML/JSON file overlay for local development.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GATEWAY_"

// Config holds every environment-configurable knob named in spec §6.
type Config struct {
	HTTPAddr string `koanf:"http_addr"`

	// InternalMintSecret is the opaque path segment that gates
	// POST /internal/mint/<secret>. The handler additionally requires the
	// caller's IP to be on the abuse detector's whitelist.
	InternalMintSecret string `koanf:"internal_mint_secret"`

	RedisURL string `koanf:"redis_url"`

	PoolMinConns         int           `koanf:"pool_min_conns"`
	PoolMaxConns         int           `koanf:"pool_max_conns"`
	PoolAcquireTimeout   time.Duration `koanf:"pool_acquire_timeout"`
	PoolIdleTimeout      time.Duration `koanf:"pool_idle_timeout"`
	PoolCommandTimeout   time.Duration `koanf:"pool_command_timeout"`
	PoolPingTimeout      time.Duration `koanf:"pool_ping_timeout"`
	PoolMaxCreateRetries int           `koanf:"pool_max_create_retries"`

	AbuseWindow               time.Duration `koanf:"abuse_window"`
	AbuseMaxRequestsPerWindow int           `koanf:"abuse_max_requests_per_window"`
	AbuseBanDuration          time.Duration `koanf:"abuse_ban_duration"`

	BurstLimitRate  int `koanf:"burst_limit_rate"`
	BurstLimitBurst int `koanf:"burst_limit_burst"`

	BatchSize          int           `koanf:"batch_size"`
	BatchTimeout       time.Duration `koanf:"batch_timeout"`
	BatchMaxRetries    int           `koanf:"batch_max_retries"`
	BatchStaleAge      time.Duration `koanf:"batch_stale_age"`
	BatchSweepInterval time.Duration `koanf:"batch_sweep_interval"`

	FacilitatorURL           string        `koanf:"facilitator_url"`
	FacilitatorTimeout       time.Duration `koanf:"facilitator_timeout"`
	FacilitatorVerifyTimeout time.Duration `koanf:"facilitator_verify_timeout"`
	FacilitatorSettleTimeout time.Duration `koanf:"facilitator_settle_timeout"`

	// ChainRPCURLsRaw is comma-separated; ChainRPCURLs is derived from it
	// after Unmarshal since flat env vars don't carry native slices.
	ChainRPCURLsRaw string   `koanf:"chain_rpc_urls"`
	ChainRPCURLs    []string `koanf:"-"`
	ChainReadTimeout time.Duration `koanf:"chain_read_timeout"`

	MintCountCacheTTL time.Duration `koanf:"mint_count_cache_ttl"`
	PendingMintTTL    time.Duration `koanf:"pending_mint_ttl"`

	Network            string `koanf:"network"`
	AssetAddress       string `koanf:"asset_address"`
	AssetName          string `koanf:"asset_name"`
	AssetDomainVersion string `koanf:"asset_domain_version"`
	AmountMinorUnits   int64  `koanf:"amount_minor_units"`
	MaxTimeoutSeconds  int    `koanf:"max_timeout_seconds"`

	ShutdownGracePeriod time.Duration `koanf:"shutdown_grace_period"`
	LogLevel            string        `koanf:"log_level"`
	LogFormat           string        `koanf:"log_format"`
}

func defaults() *Config {
	return &Config{
		HTTPAddr:             ":8080",
		PoolMinConns:         2,
		PoolMaxConns:         20,
		PoolAcquireTimeout:   5 * time.Second,
		PoolIdleTimeout:      5 * time.Minute,
		PoolCommandTimeout:   30 * time.Second,
		PoolPingTimeout:      500 * time.Millisecond,
		PoolMaxCreateRetries: 5,

		AbuseWindow:               60 * time.Second,
		AbuseMaxRequestsPerWindow: 30,
		AbuseBanDuration:          15 * time.Minute,

		BurstLimitRate:  10,
		BurstLimitBurst: 20,

		BatchSize:          10,
		BatchTimeout:       200 * time.Millisecond,
		BatchMaxRetries:    3,
		BatchStaleAge:      2 * time.Minute,
		BatchSweepInterval: 30 * time.Second,

		FacilitatorTimeout:       30 * time.Second,
		FacilitatorVerifyTimeout: 60 * time.Second,
		FacilitatorSettleTimeout: 180 * time.Second,

		ChainReadTimeout: 10 * time.Second,

		MintCountCacheTTL: 6 * time.Second,
		PendingMintTTL:    time.Hour,

		Network:            "bsc",
		AssetDomainVersion: "2",
		MaxTimeoutSeconds:  300,

		ShutdownGracePeriod: 10 * time.Second,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// Load builds a Config from environment variables (prefixed GATEWAY_, with
// "__" standing in for a nested-key "."), optionally overlaid with a
// YAML/JSON file named by GATEWAY_CONFIG_FILE. Environment values always
// win over file values, matching 12-factor precedence.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: seed defaults: %w", err)
	}

	if path := os.Getenv(envPrefix + "CONFIG_FILE"); path != "" {
		var parser koanf.Parser
		switch {
		case strings.HasSuffix(path, ".json"):
			parser = json.Parser()
		case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
			parser = yaml.Parser()
		default:
			return nil, fmt.Errorf("config: unsupported file extension for %q", path)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("config: load file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	out := &Config{}
	if err := k.Unmarshal("", out); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	out.ChainRPCURLs = splitNonEmpty(out.ChainRPCURLsRaw, ",")

	if err := out.validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("config: GATEWAY_REDIS_URL is required")
	}
	if c.FacilitatorURL == "" {
		return fmt.Errorf("config: GATEWAY_FACILITATOR_URL is required")
	}
	if len(c.ChainRPCURLs) == 0 {
		return fmt.Errorf("config: GATEWAY_CHAIN_RPC_URLS is required")
	}
	if c.PoolMinConns < 0 || c.PoolMaxConns < c.PoolMinConns {
		return fmt.Errorf("config: pool_min_conns/pool_max_conns invalid (%d/%d)", c.PoolMinConns, c.PoolMaxConns)
	}
	if c.InternalMintSecret == "" {
		return fmt.Errorf("config: GATEWAY_INTERNAL_MINT_SECRET is required")
	}
	return nil
}
