package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/venuearb/internal/blob/s3"
	"github.com/alanyoungcy/venuearb/internal/cache/memory"
	"github.com/alanyoungcy/venuearb/internal/cache/redis"
	"github.com/alanyoungcy/venuearb/internal/config"
	"github.com/alanyoungcy/venuearb/internal/crypto"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/metrics"
	"github.com/alanyoungcy/venuearb/internal/notify"
	"github.com/alanyoungcy/venuearb/internal/platform/binance"
	"github.com/alanyoungcy/venuearb/internal/platform/bybit"
	"github.com/alanyoungcy/venuearb/internal/platform/kraken"
	"github.com/alanyoungcy/venuearb/internal/platform/paper"
	"github.com/alanyoungcy/venuearb/internal/server/handler"
	"github.com/alanyoungcy/venuearb/internal/server/middleware"
	"github.com/alanyoungcy/venuearb/internal/settlement"
	"github.com/alanyoungcy/venuearb/internal/store/postgres"
	"github.com/alanyoungcy/venuearb/internal/venue"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Registry *venue.Registry

	// Metrics is nil when [metrics] is disabled.
	Metrics *metrics.Metrics

	// Stores. Both are nil without Postgres; settlements are then kept in
	// memory.
	SettlementStore domain.SettlementStore
	AuditStore      domain.AuditStore

	// Coordination. Redis-backed when [redis] is enabled, in-process
	// otherwise.
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	Claims      settlement.Claimer

	// Blob storage, nil without S3.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	Notifier *notify.Notifier

	// Pingers back the health endpoint, keyed by component.
	Pingers map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Pingers: make(map[string]handler.Pinger)}

	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New()
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.SettlementStore = postgres.NewSettlementStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Pingers["postgres"] = pgClient
	}

	// --- Redis, or in-process equivalents ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,

			DialTimeout: cfg.Redis.DialTimeout.Duration,
			KeyPrefix:   cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		streamMaxLen := int64(10000)
		if cfg.Redis.StreamMaxLen > 0 {
			streamMaxLen = cfg.Redis.StreamMaxLen
		}
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.Claims = redis.NewClaimStore(redisClient)
		deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, streamMaxLen)
		deps.Pingers["redis"] = redisClient
	} else {
		logger.InfoContext(ctx, "redis disabled; using in-process locks, rate limits and bus")
		deps.RateLimiter = middleware.NewLocalRateLimiter()
		deps.LockManager = settlement.NewMemoryLocks()
		deps.Claims = settlement.NewDedup()
		deps.SignalBus = memory.NewSignalBus(int(cfg.Redis.StreamMaxLen))
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Prefix:         cfg.S3.Prefix,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.BlobReader, deps.AuditStore)
		deps.Pingers["s3"] = handler.PingFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Venues ---
	reg, err := wireVenues(ctx, cfg, deps, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Registry = reg
	deps.Pingers["venues"] = handler.PingFunc(func(context.Context) error {
		if len(reg.IDs()) < 2 {
			return fmt.Errorf("%d venues configured: %w", len(reg.IDs()), domain.ErrVenueUnavailable)
		}
		return nil
	})

	return deps, cleanup, nil
}

// wireVenues builds the registry from the enabled venues. Keys from the
// encrypted credentials file take precedence over inline ones.
func wireVenues(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*venue.Registry, error) {
	creds := crypto.Credentials{}
	if cfg.Credentials.Path != "" {
		loaded, err := crypto.LoadCredentials(cfg.Credentials.Path, cfg.Credentials.Password)
		if err != nil {
			return nil, fmt.Errorf("wire: credentials: %w", err)
		}
		creds = loaded
		logger.InfoContext(ctx, "loaded venue credentials",
			slog.String("venues", strings.Join(creds.Venues(), ",")),
		)
	}

	entries, err := venueEntries(cfg, creds)
	if err != nil {
		return nil, err
	}

	session := &venue.Session{
		Entries: entries,
		Fees:    cfg.FeeSchedule(),
		Aliases: domain.NewAliasTable(cfg.Aliases),
		Logger:  logger,
	}
	if cfg.Redis.Enabled && cfg.Redis.VenueRateLimit > 0 {
		session.Shared = deps.RateLimiter
		session.SharedLimit = cfg.Redis.VenueRateLimit
		session.SharedWindow = cfg.Redis.VenueRateLimitWindow.Duration
	}
	if deps.Metrics != nil {
		session.OnCall = deps.Metrics.VenueCall
	}

	reg, err := venue.NewRegistry(session)
	if err != nil {
		return nil, fmt.Errorf("wire: venues: %w", err)
	}

	if cfg.Fees.FetchLive {
		probe, err := domain.ParseSymbol(cfg.Fees.ProbeSymbol)
		if err != nil {
			return nil, fmt.Errorf("wire: fees probe symbol: %w", err)
		}
		for id, ferr := range reg.ResolveFees(ctx, probe) {
			logger.WarnContext(ctx, "live taker fee unavailable; using configured fee",
				slog.String("venue", id),
				slog.String("error", ferr.Error()),
			)
		}
	}
	return reg, nil
}

// venueEntries turns the enabled [venues.<id>] sections into registry
// entries. Paper venues share one simulated chain so transfers between them
// settle.
func venueEntries(cfg *config.Config, creds crypto.Credentials) ([]venue.Entry, error) {
	var (
		entries []venue.Entry
		chain   *paper.Chain
	)
	for _, id := range cfg.EnabledVenueIDs() {
		v := cfg.Venues[id]
		key, secret := v.APIKey, v.APISecret
		if c, ok := creds[id]; ok {
			key, secret = c.APIKey, c.APISecret
		}

		var client domain.VenueClient
		switch v.Kind {
		case "binance":
			client = binance.NewClient(binance.Config{ID: id, APIKey: key, APISecret: secret, BaseURL: v.BaseURL, Testnet: v.Testnet})
		case "bybit":
			client = bybit.NewClient(bybit.Config{ID: id, APIKey: key, APISecret: secret, BaseURL: v.BaseURL, Testnet: v.Testnet})
		case "kraken":
			client = kraken.NewClient(id, v.BaseURL)
		case "paper":
			if chain == nil {
				chain = paper.NewChain(0)
			}
			prices := make(map[domain.Symbol]float64, len(v.Prices))
			for raw, price := range v.Prices {
				sym, err := domain.ParseSymbol(raw)
				if err != nil {
					return nil, fmt.Errorf("wire: venue %s: %w", id, err)
				}
				prices[sym] = price
			}
			opts := []paper.Option{paper.WithPrices(prices), paper.WithChain(chain)}
			if v.TakerFeePct > 0 {
				opts = append(opts, paper.WithTakerFee(v.TakerFeePct))
			}
			for asset, amount := range v.Balances {
				opts = append(opts, paper.WithBalance(strings.ToUpper(asset), amount))
			}
			client = paper.New(id, opts...)
		default:
			return nil, fmt.Errorf("wire: venue %s: unknown kind %q: %w", id, v.Kind, domain.ErrInvalidRequest)
		}

		entries = append(entries, venue.Entry{
			Client:         client,
			Kind:           v.Kind,
			RateLimitRPS:   v.RateLimitRPS,
			RateLimitBurst: v.RateLimitBurst,
		})
	}
	return entries, nil
}
