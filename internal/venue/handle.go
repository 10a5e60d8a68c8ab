package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"golang.org/x/time/rate"
)

// Handle is the registry's view of one venue client.
type Handle struct {
	id      string
	kind    string
	client  domain.VenueClient
	caps    []domain.Capability
	aliases domain.AliasTable

	local        *rate.Limiter
	shared       domain.RateLimiter
	sharedLimit  int
	sharedWindow time.Duration

	onCall func(venueID, op string, elapsed time.Duration, err error)
	logger *slog.Logger

	mu          sync.RWMutex
	listed      bool
	nativeSym   map[domain.Symbol]domain.Symbol
	nativeAsset map[string]string
}

func newHandle(e Entry, s *Session, logger *slog.Logger) *Handle {
	h := &Handle{
		id:           e.Client.ID(),
		kind:         e.Kind,
		client:       e.Client,
		caps:         domain.CapabilitiesOf(e.Client),
		aliases:      s.Aliases,
		shared:       s.Shared,
		sharedLimit:  s.SharedLimit,
		sharedWindow: s.SharedWindow,
		onCall:       s.OnCall,
		logger:       logger.With(slog.String("venue", e.Client.ID())),
		nativeSym:    make(map[domain.Symbol]domain.Symbol),
		nativeAsset:  make(map[string]string),
	}
	if e.RateLimitRPS > 0 {
		burst := e.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		h.local = rate.NewLimiter(rate.Limit(e.RateLimitRPS), burst)
	}
	return h
}

// ID returns the venue id.
func (h *Handle) ID() string { return h.id }

// Kind returns the adapter kind (binance, bybit, kraken, paper).
func (h *Handle) Kind() string { return h.kind }

// Capabilities returns the operations the underlying client implements.
func (h *Handle) Capabilities() []domain.Capability {
	return append([]domain.Capability(nil), h.caps...)
}

// Has reports whether the venue supports c.
func (h *Handle) Has(c domain.Capability) bool {
	for _, have := range h.caps {
		if have == c {
			return true
		}
	}
	return false
}

// Missing returns the subset of want the venue does not support.
func (h *Handle) Missing(want ...domain.Capability) []domain.Capability {
	var out []domain.Capability
	for _, c := range want {
		if !h.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (h *Handle) unsupported(c domain.Capability) error {
	return fmt.Errorf("venue %s: %s: %w", h.id, c, domain.ErrCapabilityUnsupported)
}

// throttle waits for both the in-process and the shared budget.
func (h *Handle) throttle(ctx context.Context) error {
	if h.local != nil {
		if err := h.local.Wait(ctx); err != nil {
			return fmt.Errorf("venue %s: throttle: %w", h.id, err)
		}
	}
	if h.shared != nil && h.sharedLimit > 0 {
		if err := h.shared.Wait(ctx, "venue:"+h.id, h.sharedLimit, h.sharedWindow); err != nil {
			// The shared limiter is best-effort: a Redis outage must not halt
			// trading, only a cancelled context does.
			if ctx.Err() != nil {
				return fmt.Errorf("venue %s: throttle: %w", h.id, ctx.Err())
			}
			h.logger.WarnContext(ctx, "shared rate limiter unavailable", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (h *Handle) observe(op string, start time.Time, err error) {
	if h.onCall != nil {
		h.onCall(h.id, op, time.Since(start), err)
	}
}

// ListSymbols returns the venue's tradable symbols in canonical form. Native
// spellings are remembered so later calls can translate back.
func (h *Handle) ListSymbols(ctx context.Context) (out []domain.Symbol, err error) {
	lister, ok := h.client.(domain.SymbolLister)
	if !ok {
		return nil, h.unsupported(domain.CapListSymbols)
	}
	if err := h.throttle(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { h.observe(string(domain.CapListSymbols), start, err) }()

	native, err := lister.ListSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("venue %s: list symbols: %w", h.id, err)
	}

	seen := make(map[domain.Symbol]struct{}, len(native))
	out = make([]domain.Symbol, 0, len(native))
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range native {
		canon := n.Normalize(h.aliases)
		if !canon.Valid() {
			continue
		}
		if _, dup := seen[canon]; dup {
			continue
		}
		seen[canon] = struct{}{}
		upper := domain.NewSymbol(n.Base, n.Quote)
		h.nativeSym[canon] = upper
		if upper.Base != canon.Base {
			h.nativeAsset[canon.Base] = upper.Base
		}
		if upper.Quote != canon.Quote {
			h.nativeAsset[canon.Quote] = upper.Quote
		}
		out = append(out, canon)
	}
	h.listed = true
	return out, nil
}

// learnNative fills the native spellings from ListSymbols if no listing has
// succeeded yet. Failures leave canonical spellings in place.
func (h *Handle) learnNative(ctx context.Context) {
	h.mu.RLock()
	listed := h.listed
	h.mu.RUnlock()
	if listed || !h.Has(domain.CapListSymbols) {
		return
	}
	if _, err := h.ListSymbols(ctx); err != nil {
		h.logger.WarnContext(ctx, "venue: symbol listing for native names failed", slog.String("error", err.Error()))
	}
}

// native translates a canonical symbol to this venue's spelling. Names are
// learned from ListSymbols; callers run learnNative first.
func (h *Handle) native(sym domain.Symbol) domain.Symbol {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n, ok := h.nativeSym[sym]; ok {
		return n
	}
	return sym
}

// nativeAssetOf translates a canonical asset code to this venue's spelling.
func (h *Handle) nativeAssetOf(asset string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n, ok := h.nativeAsset[asset]; ok {
		return n
	}
	return asset
}

// LastPrice returns the venue's last-trade price for sym. A non-positive
// price is reported as domain.ErrSymbolUnsupported.
func (h *Handle) LastPrice(ctx context.Context, sym domain.Symbol) (price float64, err error) {
	src, ok := h.client.(domain.PriceSource)
	if !ok {
		return 0, h.unsupported(domain.CapLastPrice)
	}
	if err := h.throttle(ctx); err != nil {
		return 0, err
	}
	start := time.Now()
	defer func() { h.observe(string(domain.CapLastPrice), start, err) }()

	price, err = src.LastPrice(ctx, h.native(sym))
	if err != nil {
		return 0, fmt.Errorf("venue %s: last price %s: %w", h.id, sym, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("venue %s: last price %s is %v: %w", h.id, sym, price, domain.ErrSymbolUnsupported)
	}
	return price, nil
}

// Quote wraps LastPrice into a PriceQuote stamped with now.
func (h *Handle) Quote(ctx context.Context, sym domain.Symbol, now func() time.Time) (domain.PriceQuote, error) {
	price, err := h.LastPrice(ctx, sym)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	return domain.PriceQuote{VenueID: h.id, Symbol: sym, Price: price, ObservedAt: now()}, nil
}

// PlaceMarketOrder places a market order of amount base units.
func (h *Handle) PlaceMarketOrder(ctx context.Context, sym domain.Symbol, side domain.OrderSide, amount float64) (id string, err error) {
	placer, ok := h.client.(domain.MarketOrderPlacer)
	if !ok {
		return "", h.unsupported(domain.CapMarketOrder)
	}
	h.learnNative(ctx)
	if err := h.throttle(ctx); err != nil {
		return "", err
	}
	start := time.Now()
	defer func() { h.observe(string(domain.CapMarketOrder), start, err) }()

	id, err = placer.PlaceMarketOrder(ctx, h.native(sym), side, amount)
	if err != nil {
		return "", fmt.Errorf("venue %s: market %s %s: %w", h.id, side, sym, err)
	}
	return id, nil
}

// DepositAddress resolves the venue's deposit address for asset on network.
func (h *Handle) DepositAddress(ctx context.Context, asset, network string) (addr string, err error) {
	r, ok := h.client.(domain.DepositAddressResolver)
	if !ok {
		return "", h.unsupported(domain.CapDepositAddress)
	}
	h.learnNative(ctx)
	if err := h.throttle(ctx); err != nil {
		return "", err
	}
	start := time.Now()
	defer func() { h.observe(string(domain.CapDepositAddress), start, err) }()

	addr, err = r.DepositAddress(ctx, h.nativeAssetOf(asset), network)
	if err != nil {
		return "", fmt.Errorf("venue %s: deposit address %s/%s: %w", h.id, asset, network, err)
	}
	if addr == "" {
		return "", fmt.Errorf("venue %s: deposit address %s/%s: empty address: %w", h.id, asset, network, domain.ErrStepFailed)
	}
	return addr, nil
}

// RecentDeposits lists recent deposits of asset. Asset codes in the result are
// canonical.
func (h *Handle) RecentDeposits(ctx context.Context, asset string) (out []domain.Deposit, err error) {
	l, ok := h.client.(domain.DepositLister)
	if !ok {
		return nil, h.unsupported(domain.CapListDeposits)
	}
	h.learnNative(ctx)
	if err := h.throttle(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { h.observe(string(domain.CapListDeposits), start, err) }()

	deps, err := l.RecentDeposits(ctx, h.nativeAssetOf(asset))
	if err != nil {
		return nil, fmt.Errorf("venue %s: recent deposits %s: %w", h.id, asset, err)
	}
	for i := range deps {
		deps[i].Asset = h.aliases.Canonical(deps[i].Asset)
	}
	return deps, nil
}

// Withdraw sends amount of asset to address on network.
func (h *Handle) Withdraw(ctx context.Context, asset string, amount float64, address, network string) (id string, err error) {
	w, ok := h.client.(domain.Withdrawer)
	if !ok {
		return "", h.unsupported(domain.CapWithdraw)
	}
	h.learnNative(ctx)
	if err := h.throttle(ctx); err != nil {
		return "", err
	}
	start := time.Now()
	defer func() { h.observe(string(domain.CapWithdraw), start, err) }()

	id, err = w.Withdraw(ctx, h.nativeAssetOf(asset), amount, address, network)
	if err != nil {
		return "", fmt.Errorf("venue %s: withdraw %s: %w", h.id, asset, err)
	}
	return id, nil
}

// TakerFeePct asks the venue for its live taker fee on sym.
func (h *Handle) TakerFeePct(ctx context.Context, sym domain.Symbol) (fee float64, err error) {
	src, ok := h.client.(domain.TakerFeeSource)
	if !ok {
		return 0, h.unsupported(domain.CapTakerFee)
	}
	if err := h.throttle(ctx); err != nil {
		return 0, err
	}
	start := time.Now()
	defer func() { h.observe(string(domain.CapTakerFee), start, err) }()

	fee, err = src.TakerFeePct(ctx, h.native(sym))
	if err != nil {
		return 0, fmt.Errorf("venue %s: taker fee %s: %w", h.id, sym, err)
	}
	if fee < 0 || fee >= 100 {
		return 0, fmt.Errorf("venue %s: taker fee %v out of range: %w", h.id, fee, domain.ErrInvalidRequest)
	}
	return fee, nil
}
