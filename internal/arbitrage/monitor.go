package arbitrage

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ScanFunc runs one scan pass; the scan service's Scan method satisfies it.
type ScanFunc func(ctx context.Context, req ScanRequest) (ScanResult, error)

// MonitorConfig configures the periodic scan loop.
type MonitorConfig struct {
	Scan     ScanFunc
	Request  ScanRequest
	Interval time.Duration
	Logger   *slog.Logger
}

// Monitor repeats a scan at a fixed interval.
type Monitor struct {
	cfg    MonitorConfig
	logger *slog.Logger
}

// NewMonitor creates a monitor loop.
func NewMonitor(cfg MonitorConfig) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, logger: logger.With(slog.String("component", "arb_monitor"))}
}

// Run scans immediately and then every Interval until ctx is cancelled. A
// failed pass is logged and the loop continues.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("arb monitor started", slog.Duration("interval", m.cfg.Interval))
	defer m.logger.Info("arb monitor stopped")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.pass(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) pass(ctx context.Context) {
	res, err := m.cfg.Scan(ctx, m.cfg.Request)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		m.logger.WarnContext(ctx, "arb monitor: scan failed", slog.String("error", err.Error()))
		return
	}
	if len(res.Opportunities) > 0 {
		best := res.Opportunities[0]
		m.logger.InfoContext(ctx, "arb monitor: opportunities found",
			slog.Int("count", len(res.Opportunities)),
			slog.String("best_symbol", best.Symbol.String()),
			slog.Float64("best_profit_pct", best.ProfitPct),
		)
	}
}
