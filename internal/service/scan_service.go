package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/venuearb/internal/arbitrage"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/notify"
)

// ScanRecorder receives scan outcomes; metrics.Metrics implements it.
type ScanRecorder interface {
	ScanFinished(elapsed time.Duration, symbols int, opps []domain.Opportunity, venueFailures map[string]string, err error)
}

// ScanConfig holds the scan service parameters.
type ScanConfig struct {
	// NotifyCooldown suppresses repeat alerts for the same symbol and venue
	// pair.
	NotifyCooldown time.Duration
}

// ScanService runs scans and fans the results out to the bus, the notifier
// and metrics. Every collaborator except the scanner may be nil.
type ScanService struct {
	scanner  *arbitrage.Scanner
	bus      domain.SignalBus
	notifier *notify.Notifier
	recorder ScanRecorder
	cfg      ScanConfig
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	notified map[string]time.Time
	last     *arbitrage.ScanResult
}

// NewScanService creates a ScanService.
func NewScanService(
	scanner *arbitrage.Scanner,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	recorder ScanRecorder,
	cfg ScanConfig,
	logger *slog.Logger,
) *ScanService {
	if cfg.NotifyCooldown <= 0 {
		cfg.NotifyCooldown = 15 * time.Minute
	}
	return &ScanService{
		scanner:  scanner,
		bus:      bus,
		notifier: notifier,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "scan_service")),
		now:      time.Now,
		notified: make(map[string]time.Time),
	}
}

// Scan runs one pass. A cancelled scan still returns and publishes the
// opportunities found before cancellation.
func (s *ScanService) Scan(ctx context.Context, req arbitrage.ScanRequest) (arbitrage.ScanResult, error) {
	res, err := s.scanner.Scan(ctx, req)
	if s.recorder != nil {
		s.recorder.ScanFinished(res.Duration, res.SymbolsScanned, res.Opportunities, res.VenueFailures, err)
	}
	if len(res.OperationalVenues) == 0 && err == nil {
		s.logger.WarnContext(ctx, "scan: no operational venues", slog.Int("failures", len(res.VenueFailures)))
	}

	s.mu.Lock()
	snapshot := res
	s.last = &snapshot
	s.mu.Unlock()

	pubCtx := context.WithoutCancel(ctx)
	s.publish(pubCtx, domain.ChannelScans, res)
	for _, opp := range res.Opportunities {
		s.publish(pubCtx, domain.ChannelOpportunities, opp)
	}
	if len(res.Opportunities) > 0 {
		s.notifyBest(pubCtx, res.Opportunities[0])
	}
	return res, err
}

// Last returns the most recent scan result, if any.
func (s *ScanService) Last() (arbitrage.ScanResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return arbitrage.ScanResult{}, false
	}
	return *s.last, true
}

func (s *ScanService) notifyBest(ctx context.Context, opp domain.Opportunity) {
	if !s.notifier.Enabled(notify.EventOpportunityFound) {
		return
	}
	key := opp.Symbol.String() + "|" + opp.BuyVenueID + "|" + opp.SellVenueID
	now := s.now()

	s.mu.Lock()
	for k, at := range s.notified {
		if now.Sub(at) >= s.cfg.NotifyCooldown {
			delete(s.notified, k)
		}
	}
	_, recent := s.notified[key]
	if !recent {
		s.notified[key] = now
	}
	s.mu.Unlock()
	if recent {
		return
	}

	if err := s.notifier.OpportunityFound(ctx, opp); err != nil {
		s.logger.WarnContext(ctx, "scan: notify failed", slog.String("error", err.Error()))
	}
}

func (s *ScanService) publish(ctx context.Context, channel string, v any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.ErrorContext(ctx, "scan: marshal for bus", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "scan: publish failed", slog.String("channel", channel), slog.String("error", err.Error()))
	}
}
