package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/venuearb/internal/arbitrage"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/venue"
)

// RiskConfig holds the pre-execution limits.
type RiskConfig struct {
	// MaxTradeNotional caps amount x buy price, in quote units. Zero disables
	// the check.
	MaxTradeNotional float64
	// MaxOpportunityAge rejects opportunities computed longer ago. Zero
	// disables the check.
	MaxOpportunityAge time.Duration
	// Revalidate re-prices both legs before buying.
	Revalidate bool
	// MinProfitPct is the threshold the re-priced opportunity must still beat.
	MinProfitPct float64
	Fetch        arbitrage.FetchOptions
}

// RiskService runs pre-execution checks on an opportunity.
type RiskService struct {
	registry *venue.Registry
	cfg      RiskConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewRiskService creates a RiskService.
func NewRiskService(registry *venue.Registry, cfg RiskConfig, logger *slog.Logger) *RiskService {
	return &RiskService{
		registry: registry,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "risk_service")),
		now:      time.Now,
	}
}

// PreTradeCheck validates opp and amount against the configured limits and
// returns the opportunity to execute. With Revalidate set this is a new
// Opportunity priced now; otherwise it is opp unchanged. Every rejection
// wraps domain.ErrInvalidRequest.
//
// Checks performed:
//  1. Amount is positive
//  2. Opportunity age within limit
//  3. Notional within limit
//  4. Still profitable at current prices
func (s *RiskService) PreTradeCheck(ctx context.Context, opp domain.Opportunity, amount float64) (domain.Opportunity, error) {
	if amount <= 0 {
		return opp, fmt.Errorf("risk_service: amount must be positive, got %v: %w", amount, domain.ErrInvalidRequest)
	}

	if s.cfg.MaxOpportunityAge > 0 && !opp.ComputedAt.IsZero() {
		if age := opp.Age(s.now()); age > s.cfg.MaxOpportunityAge {
			s.logger.WarnContext(ctx, "risk_service: opportunity too old",
				slog.String("opp_id", opp.ID),
				slog.Duration("age", age),
				slog.Duration("max", s.cfg.MaxOpportunityAge),
			)
			return opp, fmt.Errorf("risk_service: opportunity is %s old, max %s: %w",
				age.Round(time.Second), s.cfg.MaxOpportunityAge, domain.ErrInvalidRequest)
		}
	}

	if err := s.checkNotional(ctx, opp, amount); err != nil {
		return opp, err
	}
	if !s.cfg.Revalidate {
		return opp, nil
	}

	fresh, err := s.reprice(ctx, opp)
	if err != nil {
		return opp, err
	}
	return fresh, s.checkNotional(ctx, fresh, amount)
}

func (s *RiskService) checkNotional(ctx context.Context, opp domain.Opportunity, amount float64) error {
	if s.cfg.MaxTradeNotional <= 0 {
		return nil
	}
	notional := amount * opp.BuyPrice
	if notional > s.cfg.MaxTradeNotional {
		s.logger.WarnContext(ctx, "risk_service: trade notional exceeds limit",
			slog.String("opp_id", opp.ID),
			slog.Float64("notional", notional),
			slog.Float64("max", s.cfg.MaxTradeNotional),
		)
		return fmt.Errorf("risk_service: notional %.2f exceeds max %.2f: %w",
			notional, s.cfg.MaxTradeNotional, domain.ErrInvalidRequest)
	}
	return nil
}

// reprice fetches both legs again and re-evaluates the same venue pair.
func (s *RiskService) reprice(ctx context.Context, opp domain.Opportunity) (domain.Opportunity, error) {
	handles, err := s.registry.Select([]string{opp.BuyVenueID, opp.SellVenueID})
	if err != nil {
		return opp, fmt.Errorf("risk_service: %w", err)
	}
	pm := arbitrage.FetchPrices(ctx, opp.Symbol, handles, s.cfg.Fetch)
	buy, okBuy := pm.Quotes[opp.BuyVenueID]
	sell, okSell := pm.Quotes[opp.SellVenueID]
	if !okBuy || !okSell {
		return opp, fmt.Errorf("risk_service: re-price %s: %d of 2 legs answered: %w",
			opp.Symbol, len(pm.Quotes), domain.ErrInsufficientQuotes)
	}

	fresh, profit := arbitrage.Reprice(opp, buy.Price, sell.Price, s.registry.Fees(), s.now())
	if !(profit > s.cfg.MinProfitPct) {
		s.logger.InfoContext(ctx, "risk_service: opportunity gone at current prices",
			slog.String("opp_id", opp.ID),
			slog.Float64("was_pct", opp.ProfitPct),
			slog.Float64("now_pct", profit),
		)
		return fresh, fmt.Errorf("risk_service: %s now yields %.4f%%, threshold %.4f%%: %w",
			opp.Symbol, profit, s.cfg.MinProfitPct, domain.ErrInvalidRequest)
	}
	return fresh, nil
}
