package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix prefixes every environment override.
const envPrefix = "VENUEARB_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies VENUEARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known VENUEARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Venues ──
	// VENUEARB_VENUE_<ID>_API_KEY / _API_SECRET / _ENABLED / _BASE_URL
	for id, v := range cfg.Venues {
		key := envPrefix + "VENUE_" + strings.ToUpper(id) + "_"
		setStr(&v.APIKey, key+"API_KEY")
		setStr(&v.APISecret, key+"API_SECRET")
		setStr(&v.BaseURL, key+"BASE_URL")
		setBool(&v.Enabled, key+"ENABLED")
		setFloat64(&v.TakerFeePct, key+"TAKER_FEE_PCT")
		setFloat64(&v.RateLimitRPS, key+"RATE_LIMIT_RPS")
		cfg.Venues[id] = v
	}

	// ── Credentials ──
	setStr(&cfg.Credentials.Path, "VENUEARB_CREDENTIALS_PATH")
	setStr(&cfg.Credentials.Password, "VENUEARB_CREDENTIALS_PASSWORD")

	// ── Fees ──
	setFloat64(&cfg.Fees.DefaultPct, "VENUEARB_FEES_DEFAULT_PCT")
	setBool(&cfg.Fees.FetchLive, "VENUEARB_FEES_FETCH_LIVE")
	setStr(&cfg.Fees.ProbeSymbol, "VENUEARB_FEES_PROBE_SYMBOL")

	// ── Scan ──
	setStringSlice(&cfg.Scan.Venues, "VENUEARB_SCAN_VENUES")
	setInt(&cfg.Scan.SymbolCap, "VENUEARB_SCAN_SYMBOL_CAP")
	setInt(&cfg.Scan.MaxOpportunities, "VENUEARB_SCAN_MAX_OPPORTUNITIES")
	setFloat64(&cfg.Scan.MinProfitPct, "VENUEARB_SCAN_MIN_PROFIT_PCT")
	setDuration(&cfg.Scan.RateLimitDelay, "VENUEARB_SCAN_RATE_LIMIT_DELAY")
	setInt(&cfg.Scan.Concurrency, "VENUEARB_SCAN_CONCURRENCY")
	setDuration(&cfg.Scan.PerRequestTimeout, "VENUEARB_SCAN_PER_REQUEST_TIMEOUT")
	setDuration(&cfg.Scan.OverallTimeout, "VENUEARB_SCAN_OVERALL_TIMEOUT")
	setDuration(&cfg.Scan.UniverseTimeout, "VENUEARB_SCAN_UNIVERSE_TIMEOUT")
	setStringSlice(&cfg.Scan.QuoteAssets, "VENUEARB_SCAN_QUOTE_ASSETS")
	setDuration(&cfg.Scan.Interval, "VENUEARB_SCAN_INTERVAL")

	// ── Settlement ──
	setBool(&cfg.Settlement.Enabled, "VENUEARB_SETTLEMENT_ENABLED")
	setStr(&cfg.Settlement.User, "VENUEARB_SETTLEMENT_USER")
	setStr(&cfg.Settlement.DefaultNetwork, "VENUEARB_SETTLEMENT_DEFAULT_NETWORK")
	setDuration(&cfg.Settlement.StepTimeout, "VENUEARB_SETTLEMENT_STEP_TIMEOUT")
	setDuration(&cfg.Settlement.DepositPollInterval, "VENUEARB_SETTLEMENT_DEPOSIT_POLL_INTERVAL")
	setDuration(&cfg.Settlement.DepositTimeout, "VENUEARB_SETTLEMENT_DEPOSIT_TIMEOUT")
	setDuration(&cfg.Settlement.DepositClockSkew, "VENUEARB_SETTLEMENT_DEPOSIT_CLOCK_SKEW")
	setDuration(&cfg.Settlement.LockTTL, "VENUEARB_SETTLEMENT_LOCK_TTL")
	setDuration(&cfg.Settlement.LockWait, "VENUEARB_SETTLEMENT_LOCK_WAIT")
	setDuration(&cfg.Settlement.DedupTTL, "VENUEARB_SETTLEMENT_DEDUP_TTL")
	setFloat64(&cfg.Settlement.MaxTradeNotional, "VENUEARB_SETTLEMENT_MAX_TRADE_NOTIONAL")
	setDuration(&cfg.Settlement.MaxOpportunityAge, "VENUEARB_SETTLEMENT_MAX_OPPORTUNITY_AGE")
	setBool(&cfg.Settlement.Revalidate, "VENUEARB_SETTLEMENT_REVALIDATE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "VENUEARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "VENUEARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "VENUEARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "VENUEARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "VENUEARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "VENUEARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "VENUEARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "VENUEARB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "VENUEARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "VENUEARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "VENUEARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "VENUEARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "VENUEARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VENUEARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VENUEARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "VENUEARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "VENUEARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "VENUEARB_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "VENUEARB_REDIS_STREAM_MAX_LEN")
	setStr(&cfg.Redis.KeyPrefix, "VENUEARB_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.DialTimeout, "VENUEARB_REDIS_DIAL_TIMEOUT")
	setInt(&cfg.Redis.VenueRateLimit, "VENUEARB_REDIS_VENUE_RATE_LIMIT")
	setDuration(&cfg.Redis.VenueRateLimitWindow, "VENUEARB_REDIS_VENUE_RATE_LIMIT_WINDOW")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "VENUEARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "VENUEARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VENUEARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "VENUEARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "VENUEARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VENUEARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "VENUEARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "VENUEARB_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "VENUEARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "VENUEARB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "VENUEARB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "VENUEARB_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "VENUEARB_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "VENUEARB_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "VENUEARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "VENUEARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "VENUEARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "VENUEARB_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "VENUEARB_METRICS_ENABLED")
	setStr(&cfg.Metrics.Path, "VENUEARB_METRICS_PATH")

	// ── Top-level ──
	setStr(&cfg.Mode, "VENUEARB_MODE")
	setStr(&cfg.LogLevel, "VENUEARB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
