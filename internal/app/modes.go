package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/venuearb/internal/arbitrage"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/server"
	"github.com/alanyoungcy/venuearb/internal/server/handler"
	"github.com/alanyoungcy/venuearb/internal/server/ws"
	"github.com/alanyoungcy/venuearb/internal/service"
	"github.com/alanyoungcy/venuearb/internal/settlement"
)

// archiveDelay is how long after UTC midnight the daily archive runs, so
// settlements finishing on the boundary are stored first.
const archiveDelay = 10 * time.Minute

// services are the long-lived services shared by every mode.
type services struct {
	scan *service.ScanService
	// settle is nil when settlement is disabled.
	settle *service.SettlementService
}

// ScanMode runs one scan over the configured venues and prints the result as
// JSON.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scan mode")

	svcs := a.buildServices(deps)
	res, err := svcs.scan.Scan(ctx, a.scanRequest())
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan mode: %w", err)
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("scan mode: encode result: %w", err)
	}
	return nil
}

// ServerMode serves the HTTP API until ctx is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)
	a.startSettlement(ctx, g, deps, svcs)
	a.startHTTPServer(ctx, g, deps, svcs)
	return g.Wait()
}

// MonitorMode rescans on a fixed interval, publishing and notifying every
// opportunity found. The HTTP API runs alongside when enabled.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode",
		slog.Duration("interval", a.cfg.Scan.Interval.Duration),
	)

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)

	monitor := arbitrage.NewMonitor(arbitrage.MonitorConfig{
		Scan:     svcs.scan.Scan,
		Request:  a.scanRequest(),
		Interval: a.cfg.Scan.Interval.Duration,
		Logger:   a.logger,
	})
	g.Go(func() error {
		return monitor.Run(ctx)
	})

	a.startSettlement(ctx, g, deps, svcs)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs)
	}
	return g.Wait()
}

func (a *App) scanRequest() arbitrage.ScanRequest {
	return arbitrage.ScanRequest{
		VenueIDs:     a.cfg.Scan.Venues,
		SymbolCap:    a.cfg.Scan.SymbolCap,
		MinProfitPct: a.cfg.Scan.MinProfitPct,
	}
}

func (a *App) buildServices(deps *Dependencies) services {
	scanner := arbitrage.NewScanner(arbitrage.ScannerConfig{
		Registry: deps.Registry,
		Universe: arbitrage.UniverseOptions{
			QuoteAssets: a.cfg.Scan.QuoteAssets,
			Timeout:     a.cfg.Scan.UniverseTimeout.Duration,
		},
		Fetch:            a.fetchOptions(),
		RateLimitDelay:   a.cfg.Scan.RateLimitDelay.Duration,
		Concurrency:      a.cfg.Scan.Concurrency,
		MaxOpportunities: a.cfg.Scan.MaxOpportunities,
		Logger:           a.logger,
	})

	var scanRecorder service.ScanRecorder
	if deps.Metrics != nil {
		scanRecorder = deps.Metrics
	}
	svcs := services{
		scan: service.NewScanService(scanner, deps.SignalBus, deps.Notifier, scanRecorder, service.ScanConfig{}, a.logger),
	}
	if !a.cfg.Settlement.Enabled {
		return svcs
	}

	s := a.cfg.Settlement
	risk := service.NewRiskService(deps.Registry, service.RiskConfig{
		MaxTradeNotional:  s.MaxTradeNotional,
		MaxOpportunityAge: s.MaxOpportunityAge.Duration,
		Revalidate:        s.Revalidate,
		MinProfitPct:      a.cfg.Scan.MinProfitPct,
		Fetch:             a.fetchOptions(),
	}, a.logger)

	settleDeps := service.SettlementDeps{
		Registry: deps.Registry,
		Guard:    settlement.NewGuard(deps.LockManager, s.LockTTL.Duration, s.LockWait.Duration),
		Claims:   deps.Claims,
		Risk:     risk,
		Store:    deps.SettlementStore,
		Audit:    deps.AuditStore,
		Bus:      deps.SignalBus,
		Notifier: deps.Notifier,
	}
	if deps.Archiver != nil {
		settleDeps.Archiver = deps.Archiver
	}
	if deps.Metrics != nil {
		settleDeps.Recorder = deps.Metrics
	}
	svcs.settle = service.NewSettlementService(settleDeps, service.SettlementConfig{
		User:           s.User,
		DefaultNetwork: s.DefaultNetwork,
		DedupTTL:       s.DedupTTL.Duration,
		Workflow: settlement.Options{
			StepTimeout:         s.StepTimeout.Duration,
			DepositPollInterval: s.DepositPollInterval.Duration,
			DepositTimeout:      s.DepositTimeout.Duration,
			DepositClockSkew:    s.DepositClockSkew.Duration,
		},
	}, a.logger)
	return svcs
}

// scanTimeout bounds an HTTP-triggered scan: universe resolution plus one
// paced price fetch per symbol.
func (a *App) scanTimeout() time.Duration {
	sc := a.cfg.Scan
	perSymbol := sc.RateLimitDelay.Duration + sc.OverallTimeout.Duration
	return sc.UniverseTimeout.Duration + time.Duration(max(sc.SymbolCap, 1))*perSymbol
}

func (a *App) fetchOptions() arbitrage.FetchOptions {
	return arbitrage.FetchOptions{
		PerRequestTimeout: a.cfg.Scan.PerRequestTimeout.Duration,
		OverallTimeout:    a.cfg.Scan.OverallTimeout.Duration,
	}
}

// startSettlement runs the settlement service housekeeping and, with S3
// configured, the daily archive job.
func (a *App) startSettlement(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs services) {
	if svcs.settle == nil {
		return
	}
	g.Go(func() error {
		return svcs.settle.Serve(ctx)
	})
	if deps.Archiver == nil {
		return
	}
	g.Go(func() error {
		return a.archiveDaily(ctx, svcs.settle, deps.Archiver)
	})
}

// settlementLister is the part of the settlement service the archive job
// reads from.
type settlementLister interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.SettlementState, error)
}

// archiveDaily writes one batch object per UTC day holding every settlement
// created that day. It runs shortly after each midnight until ctx is done.
func (a *App) archiveDaily(ctx context.Context, src settlementLister, archiver domain.SettlementArchiver) error {
	for {
		wait := time.Until(nextArchiveRun(time.Now().UTC()))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		day := time.Now().UTC().Add(-24 * time.Hour).Truncate(24 * time.Hour)
		path, n, err := archiveDay(ctx, src, archiver, day)
		if err != nil {
			a.logger.ErrorContext(ctx, "daily settlement archive failed",
				slog.String("day", day.Format("2006-01-02")),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.logger.InfoContext(ctx, "daily settlement archive written",
			slog.String("path", path),
			slog.Int("settlements", n),
		)
	}
}

// nextArchiveRun returns the first archive slot strictly after now.
func nextArchiveRun(now time.Time) time.Time {
	next := now.Truncate(24 * time.Hour).Add(archiveDelay)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// archiveDay archives the settlements created on day. An empty day writes
// nothing.
func archiveDay(ctx context.Context, src settlementLister, archiver domain.SettlementArchiver, day time.Time) (string, int, error) {
	since := day
	until := day.Add(24*time.Hour - time.Nanosecond)

	var all []domain.SettlementState
	const page = 500
	for offset := 0; ; offset += page {
		batch, err := src.List(ctx, domain.ListOpts{Since: &since, Until: &until, Limit: page, Offset: offset})
		if err != nil {
			return "", 0, fmt.Errorf("list settlements: %w", err)
		}
		all = append(all, batch...)
		if len(batch) < page {
			break
		}
	}
	if len(all) == 0 {
		return "", 0, nil
	}
	path, err := archiver.ArchiveBatch(ctx, all, day)
	if err != nil {
		return "", 0, err
	}
	return path, len(all), nil
}

// startHTTPServer builds the handlers, the WebSocket hub and the server and
// runs them in g. The server is shut down when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs services) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		Venues:         deps.Registry.IDs(),
		StartedAt:      a.started,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var settlements handler.SettlementService
	if svcs.settle != nil {
		settlements = svcs.settle
	}

	cfg := server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
		Limiter:         deps.RateLimiter,
	}
	if deps.Metrics != nil {
		cfg.MetricsPath = a.cfg.Metrics.Path
		cfg.Metrics = deps.Metrics.Handler()
	}

	srv := server.NewServer(cfg, server.Handlers{
		Health: handler.NewHealthHandler(deps.Pingers, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, svcs.settle != nil, a.started),
		Venues: handler.NewVenueHandler(deps.Registry),
		Scan: handler.NewScanHandler(svcs.scan, handler.ScanDefaults{
			VenueIDs:     a.cfg.Scan.Venues,
			SymbolCap:    a.cfg.Scan.SymbolCap,
			MinProfitPct: a.cfg.Scan.MinProfitPct,
			Timeout:      a.scanTimeout(),
		}, a.logger),
		Settlements: handler.NewSettlementHandler(settlements, a.logger),
	}, hub, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
