package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime settings for the escrow service.
type Config struct {
	ListenAddress string            `toml:"listen"`
	Environment   string            `toml:"environment"`
	Database      DatabaseConfig    `toml:"database"`
	Auth          AuthConfig        `toml:"auth"`
	Governance    GovernanceConfig  `toml:"governance"`
	Oracle        OracleConfig      `toml:"oracle"`
	Webhooks      WebhookConfig     `toml:"webhooks"`
	Marketplace   MarketplaceConfig `toml:"marketplace"`
	Log           LogConfig         `toml:"log"`
	Telemetry     TelemetryConfig   `toml:"telemetry"`
	RateLimit     RateLimitConfig   `toml:"ratelimit"`
	Engagements   []Engagement      `toml:"engagements"`
	Wallets       map[string]string `toml:"wallets"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// AuthConfig carries the JWT verification settings for the gateway.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
	Audience  string `toml:"audience"`
}

// GovernanceConfig carries the proposal admission and payout policy.
type GovernanceConfig struct {
	VotingPeriodHours    int64  `toml:"voting_period_hours"`
	Quorum               uint64 `toml:"quorum"`
	MinActivityPoints    uint64 `toml:"min_activity_points"`
	SettlementPercentage uint64 `toml:"settlement_percentage"`
	FiatSymbol           string `toml:"fiat_symbol"`
	CryptoSymbol         string `toml:"crypto_symbol"`
	CryptoDecimals       uint8  `toml:"crypto_decimals"`
	MinPayoutUnit        string `toml:"min_payout_unit"`
}

// VotingPeriod converts the configured hours into a duration.
func (g GovernanceConfig) VotingPeriod() time.Duration {
	if g.VotingPeriodHours <= 0 {
		return 0
	}
	return time.Duration(g.VotingPeriodHours) * time.Hour
}

// OracleConfig controls the price oracle aggregator.
type OracleConfig struct {
	Priority           []string          `toml:"priority"`
	MaxQuoteAgeSeconds int64             `toml:"max_quote_age_seconds"`
	CoinGeckoEndpoint  string            `toml:"coingecko_endpoint"`
	CoinGeckoAssetIDs  map[string]string `toml:"coingecko_asset_ids"`
	ManualRate         string            `toml:"manual_rate"`
}

// MaxQuoteAge returns the configured freshness window as a duration.
func (o OracleConfig) MaxQuoteAge() time.Duration {
	if o.MaxQuoteAgeSeconds <= 0 {
		return 0
	}
	return time.Duration(o.MaxQuoteAgeSeconds) * time.Second
}

// WebhookConfig points at the YAML subscription manifest.
type WebhookConfig struct {
	ManifestPath string `toml:"manifest"`
	QueueSize    int    `toml:"queue_size"`
	MaxAttempts  int    `toml:"max_attempts"`
}

// MarketplaceConfig points at the marketplace callback that closes linked
// work items once an engagement is confirmed. Empty URL disables the sync.
type MarketplaceConfig struct {
	CompletionURL string `toml:"completion_url"`
	Secret        string `toml:"secret"`
}

// LogConfig controls structured log output and rotation.
type LogConfig struct {
	FilePath   string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// TelemetryConfig controls the OpenTelemetry exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
	Headers  string `toml:"headers"`
	Metrics  bool   `toml:"metrics"`
	Traces   bool   `toml:"traces"`
}

// RateLimitConfig bounds per-client request rates at the gateway.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// Engagement is a statically configured client-talent relationship. In
// production the marketplace supplies engagements over its own API; the static
// list keeps development and test deployments self-contained.
type Engagement struct {
	ID             string `toml:"id"`
	ClientID       string `toml:"client_id"`
	TalentID       string `toml:"talent_id"`
	LinkedWorkID   string `toml:"linked_work_id"`
	LinkedWorkKind string `toml:"linked_work_kind"`
}

// Load reads the TOML configuration from disk and applies defaults.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8545",
		Environment:   "dev",
		Database:      DatabaseConfig{Path: "escrowd.db"},
	}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8545"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "escrowd.db"
	}
	if cfg.Governance.VotingPeriodHours <= 0 {
		cfg.Governance.VotingPeriodHours = 72
	}
	if cfg.Governance.SettlementPercentage == 0 || cfg.Governance.SettlementPercentage > 100 {
		cfg.Governance.SettlementPercentage = 90
	}
	if cfg.Governance.FiatSymbol == "" {
		cfg.Governance.FiatSymbol = "USD"
	}
	if cfg.Governance.CryptoSymbol == "" {
		cfg.Governance.CryptoSymbol = "ETH"
	}
	if cfg.Governance.CryptoDecimals == 0 {
		cfg.Governance.CryptoDecimals = 18
	}
	if len(cfg.Oracle.Priority) == 0 {
		cfg.Oracle.Priority = []string{"manual"}
	}
	if cfg.Oracle.MaxQuoteAgeSeconds <= 0 {
		cfg.Oracle.MaxQuoteAgeSeconds = 120
	}
	if cfg.Webhooks.QueueSize <= 0 {
		cfg.Webhooks.QueueSize = 256
	}
	if cfg.Webhooks.MaxAttempts <= 0 {
		cfg.Webhooks.MaxAttempts = 5
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return cfg, fmt.Errorf("auth.jwt_secret is required")
	}
	return cfg, nil
}
