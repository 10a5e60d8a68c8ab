// Package arbitrage detects cross-venue price gaps: it intersects venue symbol
// lists, fans out price requests and ranks fee-adjusted buy-low/sell-high pairs.
package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/venue"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultMaxOpportunities caps a scan's result list.
const DefaultMaxOpportunities = 10

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	Registry *venue.Registry
	Universe UniverseOptions
	Fetch    FetchOptions
	// RateLimitDelay is the minimum spacing between symbol evaluations.
	RateLimitDelay time.Duration
	// Concurrency bounds how many symbols are evaluated at once.
	Concurrency      int
	MaxOpportunities int
	Logger           *slog.Logger
	Now              func() time.Time
}

// ScanRequest selects what to scan. MinProfitPct is required and compared
// strictly.
type ScanRequest struct {
	VenueIDs     []string `json:"venue_ids"`
	SymbolCap    int      `json:"symbol_cap"`
	MinProfitPct float64  `json:"min_profit_pct"`
}

// ScanResult is the ranked output of one scan pass.
type ScanResult struct {
	Opportunities     []domain.Opportunity `json:"opportunities"`
	OperationalVenues []string             `json:"operational_venues"`
	UniverseSize      int                  `json:"universe_size"`
	SymbolsScanned    int                  `json:"symbols_scanned"`
	VenueFailures     map[string]string    `json:"venue_failures,omitempty"`
	StartedAt         time.Time            `json:"started_at"`
	Duration          time.Duration        `json:"duration_ns"`
}

// Scanner combines the symbol universe, price aggregation and evaluation into
// a ranked list of opportunities.
type Scanner struct {
	cfg    ScannerConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewScanner creates a Scanner.
func NewScanner(cfg ScannerConfig) *Scanner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxOpportunities < 1 {
		cfg.MaxOpportunities = DefaultMaxOpportunities
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Fetch.Now == nil {
		cfg.Fetch.Now = now
	}
	return &Scanner{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "scanner")),
		now:    now,
	}
}

// Scan runs one pass. Per-venue failures are absorbed into the result. If ctx
// is cancelled between symbols the opportunities found so far are returned
// together with ctx.Err().
func (s *Scanner) Scan(ctx context.Context, req ScanRequest) (res ScanResult, err error) {
	res = ScanResult{StartedAt: s.now(), VenueFailures: make(map[string]string)}
	defer func() { res.Duration = s.now().Sub(res.StartedAt) }()

	if req.SymbolCap < 1 {
		return res, fmt.Errorf("scan: symbol_cap must be >= 1: %w", domain.ErrInvalidRequest)
	}
	if req.MinProfitPct < 0 {
		return res, fmt.Errorf("scan: min_profit_pct must be >= 0: %w", domain.ErrInvalidRequest)
	}

	handles, err := s.cfg.Registry.Select(req.VenueIDs)
	if err != nil {
		return res, fmt.Errorf("scan: %w", err)
	}

	uni := CommonSymbols(ctx, handles, s.cfg.Universe)
	for id, ferr := range uni.Failures {
		res.VenueFailures[id] = ferr.Error()
	}
	res.OperationalVenues = operational(handles, uni.Failures)
	res.UniverseSize = len(uni.Symbols)

	s.logger.InfoContext(ctx, "scan universe resolved",
		slog.Int("operational_venues", len(res.OperationalVenues)),
		slog.Int("common_symbols", len(uni.Symbols)),
	)
	if len(uni.Symbols) == 0 {
		res.Opportunities = []domain.Opportunity{}
		return res, ctx.Err()
	}

	contributors := make([]*venue.Handle, 0, len(uni.Contributors))
	for _, id := range uni.Contributors {
		h, _ := s.cfg.Registry.Get(id)
		contributors = append(contributors, h)
	}

	symbols := uni.Symbols
	if len(symbols) > req.SymbolCap {
		symbols = symbols[:req.SymbolCap]
	}

	opps, scanned, scanErr := s.scanSymbols(ctx, symbols, contributors, req.MinProfitPct)
	res.SymbolsScanned = scanned
	res.Opportunities = Rank(opps, s.cfg.MaxOpportunities)

	s.logger.InfoContext(ctx, "scan finished",
		slog.Int("operational_venues", len(res.OperationalVenues)),
		slog.Int("symbols_scanned", scanned),
		slog.Int("opportunities", len(res.Opportunities)),
	)
	return res, scanErr
}

func (s *Scanner) scanSymbols(ctx context.Context, symbols []domain.Symbol, venues []*venue.Handle, minProfit float64) ([]domain.Opportunity, int, error) {
	var (
		mu      sync.Mutex
		found   []domain.Opportunity
		scanned int
	)
	enough := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(found) >= s.cfg.MaxOpportunities
	}

	var pacer *rate.Limiter
	if s.cfg.RateLimitDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(s.cfg.RateLimitDelay), 1)
	}

	fees := s.cfg.Registry.Fees()
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	var stopErr error
	for _, sym := range symbols {
		if enough() {
			break
		}
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				stopErr = ctx.Err()
				if stopErr == nil {
					stopErr = err
				}
				break
			}
		}
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}

		sym := sym
		g.Go(func() error {
			if enough() {
				return nil
			}
			pm := FetchPrices(ctx, sym, venues, s.cfg.Fetch)
			for id, ferr := range pm.Failures {
				s.logger.DebugContext(ctx, "price unavailable",
					slog.String("symbol", sym.String()),
					slog.String("venue", id),
					slog.String("error", ferr.Error()),
				)
			}
			opp, ok := Evaluate(EvaluateInput{
				Symbol:       sym,
				Prices:       pm.Quotes,
				Fees:         fees,
				MinProfitPct: minProfit,
				ComputedAt:   s.now(),
			})
			mu.Lock()
			defer mu.Unlock()
			scanned++
			if ok {
				found = append(found, opp)
			}
			return nil
		})
	}
	_ = g.Wait()
	return found, scanned, stopErr
}

// Rank sorts opportunities by descending profit (then symbol, then venues)
// and keeps at most limit.
func Rank(opps []domain.Opportunity, limit int) []domain.Opportunity {
	out := append([]domain.Opportunity{}, opps...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ProfitPct != b.ProfitPct {
			return a.ProfitPct > b.ProfitPct
		}
		if a.Symbol != b.Symbol {
			return a.Symbol.String() < b.Symbol.String()
		}
		if a.BuyVenueID != b.BuyVenueID {
			return a.BuyVenueID < b.BuyVenueID
		}
		return a.SellVenueID < b.SellVenueID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func operational(handles []*venue.Handle, failures map[string]error) []string {
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		if _, failed := failures[h.ID()]; !failed {
			out = append(out, h.ID())
		}
	}
	return out
}
