// Package config defines the top-level configuration for venuearb and
// provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by VENUEARB_* environment variables.
type Config struct {
	Venues      map[string]VenueConfig `toml:"venues"`
	Credentials CredentialsConfig      `toml:"credentials"`
	Fees        FeesConfig             `toml:"fees"`
	Aliases     map[string]string      `toml:"aliases"`
	Scan        ScanConfig             `toml:"scan"`
	Settlement  SettlementConfig       `toml:"settlement"`
	Postgres    PostgresConfig         `toml:"postgres"`
	Redis       RedisConfig            `toml:"redis"`
	S3          S3Config               `toml:"s3"`
	Server      ServerConfig           `toml:"server"`
	Notify      NotifyConfig           `toml:"notify"`
	Metrics     MetricsConfig          `toml:"metrics"`
	Mode        string                 `toml:"mode"`
	LogLevel    string                 `toml:"log_level"`
}

// VenueConfig describes one configured venue. The map key in Config.Venues is
// the venue id.
type VenueConfig struct {
	Kind           string  `toml:"kind"`
	Enabled        bool    `toml:"enabled"`
	APIKey         string  `toml:"api_key"`
	APISecret      string  `toml:"api_secret"`
	BaseURL        string  `toml:"base_url"`
	Testnet        bool    `toml:"testnet"`
	TakerFeePct    float64 `toml:"taker_fee_pct"`
	RateLimitRPS   float64 `toml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst"`
	// Prices seeds a paper venue, keyed by canonical symbol ("BTC/USDT").
	Prices map[string]float64 `toml:"prices"`
	// Balances seeds a paper venue's wallet, keyed by asset.
	Balances map[string]float64 `toml:"balances"`
}

// CredentialsConfig points at an encrypted file of venue API keys.
type CredentialsConfig struct {
	Path     string `toml:"path"`
	Password string `toml:"password"`
}

// FeesConfig is the taker fee schedule, in percent.
type FeesConfig struct {
	DefaultPct  float64            `toml:"default_pct"`
	PerVenue    map[string]float64 `toml:"per_venue"`
	FetchLive   bool               `toml:"fetch_live"`
	ProbeSymbol string             `toml:"probe_symbol"`
}

// ScanConfig holds opportunity-scan parameters.
type ScanConfig struct {
	Venues            []string `toml:"venues"`
	SymbolCap         int      `toml:"symbol_cap"`
	MaxOpportunities  int      `toml:"max_opportunities"`
	MinProfitPct      float64  `toml:"min_profit_pct"`
	RateLimitDelay    duration `toml:"rate_limit_delay"`
	Concurrency       int      `toml:"concurrency"`
	PerRequestTimeout duration `toml:"per_request_timeout"`
	OverallTimeout    duration `toml:"overall_timeout"`
	UniverseTimeout   duration `toml:"universe_timeout"`
	QuoteAssets       []string `toml:"quote_assets"`
	// Interval is the period of the monitor loop.
	Interval duration `toml:"interval"`
}

// SettlementConfig holds settlement workflow and pre-execution risk
// parameters.
type SettlementConfig struct {
	Enabled             bool     `toml:"enabled"`
	User                string   `toml:"user"`
	DefaultNetwork      string   `toml:"default_network"`
	StepTimeout         duration `toml:"step_timeout"`
	DepositPollInterval duration `toml:"deposit_poll_interval"`
	DepositTimeout      duration `toml:"deposit_timeout"`
	DepositClockSkew    duration `toml:"deposit_clock_skew"`
	LockTTL             duration `toml:"lock_ttl"`
	LockWait            duration `toml:"lock_wait"`
	DedupTTL            duration `toml:"dedup_ttl"`
	MaxTradeNotional    float64  `toml:"max_trade_notional"`
	MaxOpportunityAge   duration `toml:"max_opportunity_age"`
	Revalidate          bool     `toml:"revalidate"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
	// KeyPrefix namespaces every key, channel and stream.
	KeyPrefix   string   `toml:"key_prefix"`
	DialTimeout duration `toml:"dial_timeout"`
	// VenueRateLimit caps calls per venue across every process sharing this
	// Redis, per VenueRateLimitWindow. Zero disables the shared limiter.
	VenueRateLimit       int      `toml:"venue_rate_limit"`
	VenueRateLimitWindow duration `toml:"venue_rate_limit_window"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultFeePct is the taker fee assumed for venues absent from the schedule.
const DefaultFeePct = 0.1

// DefaultVenueFees is the built-in taker fee schedule, in percent.
func DefaultVenueFees() map[string]float64 {
	return map[string]float64{
		"binance": 0.1,
		"bybit":   0.075,
		"kraken":  0.26,
		"okx":     0.1,
		"bingx":   0.1,
		"kucoin":  0.1,
	}
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Venues: map[string]VenueConfig{
			"binance": {Kind: "binance", RateLimitRPS: 10, RateLimitBurst: 5},
			"bybit":   {Kind: "bybit", RateLimitRPS: 10, RateLimitBurst: 5},
			"kraken":  {Kind: "kraken", RateLimitRPS: 1, RateLimitBurst: 2},
		},
		Fees: FeesConfig{
			DefaultPct:  DefaultFeePct,
			PerVenue:    DefaultVenueFees(),
			FetchLive:   true,
			ProbeSymbol: "BTC/USDT",
		},
		Aliases: map[string]string{
			"XBT": "BTC",
			"XDG": "DOGE",
		},
		Scan: ScanConfig{
			SymbolCap:         100,
			MaxOpportunities:  10,
			MinProfitPct:      0.5,
			RateLimitDelay:    duration{time.Second},
			Concurrency:       1,
			PerRequestTimeout: duration{5 * time.Second},
			OverallTimeout:    duration{10 * time.Second},
			UniverseTimeout:   duration{30 * time.Second},
			QuoteAssets:       []string{"USDT"},
			Interval:          duration{time.Minute},
		},
		Settlement: SettlementConfig{
			Enabled:             false,
			User:                "default",
			StepTimeout:         duration{30 * time.Second},
			DepositPollInterval: duration{15 * time.Second},
			DepositTimeout:      duration{30 * time.Minute},
			DepositClockSkew:    duration{2 * time.Minute},
			LockTTL:             duration{time.Hour},
			LockWait:            duration{0},
			DedupTTL:            duration{10 * time.Minute},
			MaxTradeNotional:    1000,
			MaxOpportunityAge:   duration{2 * time.Minute},
			Revalidate:          true,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			TLSEnabled:   false,
			StreamMaxLen: 10000,
			KeyPrefix:    "venuearb:",
			DialTimeout:  duration{5 * time.Second},

			VenueRateLimit:       20,
			VenueRateLimitWindow: duration{time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "venuearb-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       60,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"opportunity_found", "settlement_completed", "settlement_aborted", "deposit_unresolved"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"monitor": true,
	"scan":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validVenueKinds enumerates the venue adapters this build ships.
var validVenueKinds = map[string]bool{
	"binance": true,
	"bybit":   true,
	"kraken":  true,
	"paper":   true,
}

// EnabledVenueIDs returns the ids of enabled venues in sorted order.
func (c *Config) EnabledVenueIDs() []string {
	ids := make([]string, 0, len(c.Venues))
	for id, v := range c.Venues {
		if v.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// FeeSchedule builds the domain fee schedule from the [fees] section and any
// per-venue taker_fee_pct overrides.
func (c *Config) FeeSchedule() domain.FeeSchedule {
	fees := domain.FeeSchedule{DefaultPct: c.Fees.DefaultPct, PerVenue: make(map[string]float64, len(c.Fees.PerVenue))}
	for id, pct := range c.Fees.PerVenue {
		fees.PerVenue[strings.ToLower(id)] = pct
	}
	for id, v := range c.Venues {
		if v.TakerFeePct > 0 {
			fees.PerVenue[id] = v.TakerFeePct
		}
	}
	return fees
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, monitor, scan)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venues
	enabled := c.EnabledVenueIDs()
	if len(enabled) < 2 {
		errs = append(errs, fmt.Sprintf("venues: at least two venues must be enabled, got %d", len(enabled)))
	}
	for _, id := range enabled {
		v := c.Venues[id]
		if id != strings.ToLower(id) {
			errs = append(errs, fmt.Sprintf("venues.%s: venue id must be lowercase", id))
		}
		if !validVenueKinds[v.Kind] {
			errs = append(errs, fmt.Sprintf("venues.%s: unknown kind %q (valid: binance, bybit, kraken, paper)", id, v.Kind))
		}
		if v.RateLimitRPS < 0 {
			errs = append(errs, fmt.Sprintf("venues.%s: rate_limit_rps must be >= 0", id))
		}
		if (v.APIKey == "") != (v.APISecret == "") {
			errs = append(errs, fmt.Sprintf("venues.%s: api_key and api_secret must be set together", id))
		}
		if v.Kind == "paper" {
			for sym, price := range v.Prices {
				if _, err := domain.ParseSymbol(sym); err != nil {
					errs = append(errs, fmt.Sprintf("venues.%s: prices: %v", id, err))
				}
				if price <= 0 {
					errs = append(errs, fmt.Sprintf("venues.%s: prices: %s must be > 0", id, sym))
				}
			}
		}
	}
	for _, id := range c.Scan.Venues {
		if v, ok := c.Venues[id]; !ok || !v.Enabled {
			errs = append(errs, fmt.Sprintf("scan: venue %q is not an enabled venue", id))
		}
	}

	// Credentials
	if c.Credentials.Path != "" && c.Credentials.Password == "" {
		errs = append(errs, "credentials: password is required when path is set")
	}

	// Fees
	if c.Fees.DefaultPct < 0 || c.Fees.DefaultPct >= 100 {
		errs = append(errs, "fees: default_pct must be in [0, 100)")
	}
	for id, pct := range c.Fees.PerVenue {
		if pct < 0 || pct >= 100 {
			errs = append(errs, fmt.Sprintf("fees: per_venue.%s must be in [0, 100)", id))
		}
	}
	if c.Fees.FetchLive {
		if _, err := domain.ParseSymbol(c.Fees.ProbeSymbol); err != nil {
			errs = append(errs, fmt.Sprintf("fees: probe_symbol: %v", err))
		}
	}

	// Scan
	if c.Scan.SymbolCap < 1 {
		errs = append(errs, "scan: symbol_cap must be >= 1")
	}
	if c.Scan.MaxOpportunities < 1 {
		errs = append(errs, "scan: max_opportunities must be >= 1")
	}
	if c.Scan.MinProfitPct < 0 {
		errs = append(errs, "scan: min_profit_pct must be >= 0")
	}
	if c.Scan.Concurrency < 1 {
		errs = append(errs, "scan: concurrency must be >= 1")
	}
	if c.Scan.RateLimitDelay.Duration < 0 {
		errs = append(errs, "scan: rate_limit_delay must be >= 0")
	}
	if c.Scan.PerRequestTimeout.Duration <= 0 {
		errs = append(errs, "scan: per_request_timeout must be > 0")
	}
	if c.Scan.OverallTimeout.Duration < c.Scan.PerRequestTimeout.Duration {
		errs = append(errs, "scan: overall_timeout must be >= per_request_timeout")
	}
	if len(c.Scan.QuoteAssets) == 0 {
		errs = append(errs, "scan: quote_assets must not be empty")
	}
	if strings.ToLower(c.Mode) == "monitor" && c.Scan.Interval.Duration <= 0 {
		errs = append(errs, "scan: interval must be > 0 for monitor mode")
	}

	// Settlement
	if c.Settlement.Enabled {
		if c.Settlement.User == "" {
			errs = append(errs, "settlement: user must not be empty")
		}
		if c.Settlement.StepTimeout.Duration <= 0 {
			errs = append(errs, "settlement: step_timeout must be > 0")
		}
		if c.Settlement.DepositPollInterval.Duration <= 0 {
			errs = append(errs, "settlement: deposit_poll_interval must be > 0")
		}
		if c.Settlement.DepositTimeout.Duration < c.Settlement.DepositPollInterval.Duration {
			errs = append(errs, "settlement: deposit_timeout must be >= deposit_poll_interval")
		}
		// The lock covers the deposit wait plus the buy, withdraw and sell
		// steps and the deposit lookup, each bounded by step_timeout.
		if minTTL := c.Settlement.DepositTimeout.Duration + 4*c.Settlement.StepTimeout.Duration; c.Settlement.LockTTL.Duration < minTTL {
			errs = append(errs, fmt.Sprintf("settlement: lock_ttl must be >= deposit_timeout + 4*step_timeout (%s)", minTTL))
		}
		if c.Settlement.MaxTradeNotional <= 0 {
			errs = append(errs, "settlement: max_trade_notional must be > 0")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.VenueRateLimit > 0 && c.Redis.VenueRateLimitWindow.Duration <= 0 {
			errs = append(errs, "redis: venue_rate_limit_window must be > 0 when venue_rate_limit is set")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
