// Package paper implements an in-memory venue with the full capability set.
// It backs dry runs (kind = "paper" in config) and every engine and
// settlement test. Withdrawals between paper venues that share a Chain arrive
// as deposits on the receiving venue.
package paper

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Chain routes withdrawals to the paper venue that owns the destination
// address.
type Chain struct {
	mu     sync.Mutex
	owners map[string]*Venue
	// Delay is how long a transfer takes to show up as a confirmed deposit.
	Delay time.Duration
}

// NewChain returns an empty chain with the given transfer delay.
func NewChain(delay time.Duration) *Chain {
	return &Chain{owners: make(map[string]*Venue), Delay: delay}
}

func (c *Chain) register(addr string, v *Venue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[addr] = v
}

func (c *Chain) owner(addr string) *Venue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[addr]
}

type pendingDeposit struct {
	domain.Deposit
	visibleAt time.Time
}

// Venue is an in-memory venue.
type Venue struct {
	id    string
	chain *Chain
	now   func() time.Time

	mu          sync.Mutex
	prices      map[domain.Symbol]float64
	takerFeePct float64
	balances    map[string]float64
	deposits    []pendingDeposit
	failures    map[domain.Capability]error
	delays      map[domain.Capability]time.Duration
	calls       []string
	seq         int
}

// Option configures a Venue.
type Option func(*Venue)

// WithPrices seeds last-trade prices. The symbol set is the key set.
func WithPrices(prices map[domain.Symbol]float64) Option {
	return func(v *Venue) {
		for s, p := range prices {
			v.prices[s] = p
		}
	}
}

// WithTakerFee sets the fee reported by TakerFeePct and charged on orders.
func WithTakerFee(pct float64) Option {
	return func(v *Venue) { v.takerFeePct = pct }
}

// WithBalance seeds an asset balance.
func WithBalance(asset string, amount float64) Option {
	return func(v *Venue) { v.balances[strings.ToUpper(asset)] = amount }
}

// WithChain connects the venue to a shared chain.
func WithChain(c *Chain) Option {
	return func(v *Venue) { v.chain = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Venue) { v.now = now }
}

// New returns a paper venue.
func New(id string, opts ...Option) *Venue {
	v := &Venue{
		id:          id,
		now:         time.Now,
		prices:      make(map[domain.Symbol]float64),
		takerFeePct: 0.1,
		balances:    make(map[string]float64),
		failures:    make(map[domain.Capability]error),
		delays:      make(map[domain.Capability]time.Duration),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// ID returns the venue id.
func (v *Venue) ID() string { return v.id }

// SetPrice updates the last-trade price of sym. A non-positive price removes
// the symbol.
func (v *Venue) SetPrice(sym domain.Symbol, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if price <= 0 {
		delete(v.prices, sym)
		return
	}
	v.prices[sym] = price
}

// Fail makes every call to capability c return err until cleared with a nil
// err.
func (v *Venue) Fail(c domain.Capability, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		delete(v.failures, c)
		return
	}
	v.failures[c] = err
}

// Delay makes every call to capability c take at least d, or until the
// caller's context ends.
func (v *Venue) Delay(c domain.Capability, d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.delays[c] = d
}

// Calls returns the capability calls made so far, in order, as
// "capability:detail" strings.
func (v *Venue) Calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.calls...)
}

// Balance returns the current balance of asset.
func (v *Venue) Balance(asset string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[strings.ToUpper(asset)]
}

// Credit records an incoming deposit that becomes visible after delay.
func (v *Venue) Credit(asset string, amount float64, txID string, delay time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	v.deposits = append(v.deposits, pendingDeposit{
		Deposit: domain.Deposit{
			Asset:     strings.ToUpper(asset),
			Amount:    amount,
			Status:    domain.DepositConfirmed,
			TxID:      txID,
			Timestamp: now,
		},
		visibleAt: now.Add(delay),
	})
	v.balances[strings.ToUpper(asset)] += amount
}

// enter records the call, applies any injected delay and returns any injected
// failure.
func (v *Venue) enter(ctx context.Context, c domain.Capability, detail string) error {
	v.mu.Lock()
	v.calls = append(v.calls, string(c)+":"+detail)
	delay := v.delays[c]
	fail := v.failures[c]
	v.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if fail != nil {
		return fail
	}
	return ctx.Err()
}

// ListSymbols returns every priced symbol.
func (v *Venue) ListSymbols(ctx context.Context) ([]domain.Symbol, error) {
	if err := v.enter(ctx, domain.CapListSymbols, ""); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.Symbol, 0, len(v.prices))
	for s := range v.prices {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// LastPrice returns the seeded price of sym.
func (v *Venue) LastPrice(ctx context.Context, sym domain.Symbol) (float64, error) {
	if err := v.enter(ctx, domain.CapLastPrice, sym.String()); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.prices[sym]
	if !ok {
		return 0, fmt.Errorf("paper %s: %s: %w", v.id, sym, domain.ErrSymbolUnsupported)
	}
	return p, nil
}

// PlaceMarketOrder fills amount base units at the current price.
func (v *Venue) PlaceMarketOrder(ctx context.Context, sym domain.Symbol, side domain.OrderSide, amount float64) (string, error) {
	if err := v.enter(ctx, domain.CapMarketOrder, string(side)+" "+sym.String()); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", fmt.Errorf("paper %s: amount %v: %w", v.id, amount, domain.ErrInvalidRequest)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	price, ok := v.prices[sym]
	if !ok {
		return "", fmt.Errorf("paper %s: %s: %w", v.id, sym, domain.ErrSymbolUnsupported)
	}
	notional := amount * price
	fee := notional * v.takerFeePct / 100
	switch side {
	case domain.OrderSideBuy:
		v.balances[sym.Base] += amount
		v.balances[sym.Quote] -= notional + fee
	case domain.OrderSideSell:
		v.balances[sym.Base] -= amount
		v.balances[sym.Quote] += notional - fee
	default:
		return "", fmt.Errorf("paper %s: side %q: %w", v.id, side, domain.ErrInvalidRequest)
	}
	v.seq++
	return v.id + "-order-" + strconv.Itoa(v.seq), nil
}

// DepositAddress returns a deterministic address for asset on network and
// registers it with the chain.
func (v *Venue) DepositAddress(ctx context.Context, asset, network string) (string, error) {
	if err := v.enter(ctx, domain.CapDepositAddress, asset+"/"+network); err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(v.id + "|" + strings.ToUpper(asset) + "|" + strings.ToUpper(network)))
	addr := "paper-" + hex.EncodeToString(sum[:8])
	if domain.IsEVMNetwork(network) {
		addr = "0x" + hex.EncodeToString(sum[:20])
	}
	if v.chain != nil {
		v.chain.register(addr, v)
	}
	return addr, nil
}

// RecentDeposits returns deposits of asset that have become visible.
func (v *Venue) RecentDeposits(ctx context.Context, asset string) ([]domain.Deposit, error) {
	if err := v.enter(ctx, domain.CapListDeposits, asset); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	var out []domain.Deposit
	for _, d := range v.deposits {
		if d.Asset == strings.ToUpper(asset) && !d.visibleAt.After(now) {
			out = append(out, d.Deposit)
		}
	}
	return out, nil
}

// Withdraw debits amount and, when address belongs to a paper venue on the
// same chain, credits it there.
func (v *Venue) Withdraw(ctx context.Context, asset string, amount float64, address, network string) (string, error) {
	if err := v.enter(ctx, domain.CapWithdraw, asset+"->"+address); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", fmt.Errorf("paper %s: amount %v: %w", v.id, amount, domain.ErrInvalidRequest)
	}
	v.mu.Lock()
	v.balances[strings.ToUpper(asset)] -= amount
	v.seq++
	id := v.id + "-wd-" + strconv.Itoa(v.seq)
	v.mu.Unlock()

	if v.chain != nil {
		if target := v.chain.owner(address); target != nil {
			target.Credit(asset, amount, "tx-"+id, v.chain.Delay)
		}
	}
	return id, nil
}

// TakerFeePct returns the configured taker fee.
func (v *Venue) TakerFeePct(ctx context.Context, sym domain.Symbol) (float64, error) {
	if err := v.enter(ctx, domain.CapTakerFee, sym.String()); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.takerFeePct, nil
}

// ReadOnly exposes only the market-data capabilities of a paper venue.
type ReadOnly struct {
	v *Venue
}

// NewReadOnly wraps v.
func NewReadOnly(v *Venue) ReadOnly { return ReadOnly{v: v} }

// ID returns the venue id.
func (r ReadOnly) ID() string { return r.v.ID() }

// ListSymbols delegates to the wrapped venue.
func (r ReadOnly) ListSymbols(ctx context.Context) ([]domain.Symbol, error) {
	return r.v.ListSymbols(ctx)
}

// LastPrice delegates to the wrapped venue.
func (r ReadOnly) LastPrice(ctx context.Context, sym domain.Symbol) (float64, error) {
	return r.v.LastPrice(ctx, sym)
}

var (
	_ domain.SymbolLister           = (*Venue)(nil)
	_ domain.PriceSource            = (*Venue)(nil)
	_ domain.MarketOrderPlacer      = (*Venue)(nil)
	_ domain.DepositAddressResolver = (*Venue)(nil)
	_ domain.DepositLister          = (*Venue)(nil)
	_ domain.Withdrawer             = (*Venue)(nil)
	_ domain.TakerFeeSource         = (*Venue)(nil)
)
