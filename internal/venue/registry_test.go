package venue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/platform/paper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, entries ...Entry) *Registry {
	t.Helper()
	r, err := NewRegistry(&Session{
		Entries: entries,
		Fees:    domain.FeeSchedule{DefaultPct: 0.1, PerVenue: map[string]float64{"kraken": 0.26}},
		Aliases: domain.NewAliasTable(map[string]string{"XBT": "BTC"}),
	})
	require.NoError(t, err)
	return r
}

func TestRegistry_GetAndSelect(t *testing.T) {
	r := newTestRegistry(t,
		Entry{Client: paper.New("b"), Kind: "paper"},
		Entry{Client: paper.New("a"), Kind: "paper"},
	)

	_, err := r.Get("zzz")
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)

	all, err := r.Select(nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID())

	_, err = r.Select([]string{"a", "nope"})
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)

	assert.Equal(t, []string{"a", "b"}, r.IDs())
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(&Session{Entries: []Entry{{Client: paper.New("a")}, {Client: paper.New("a")}}})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestHandle_MissingCapability(t *testing.T) {
	r := newTestRegistry(t, Entry{Client: paper.NewReadOnly(paper.New("kraken")), Kind: "kraken"})
	h, err := r.Get("kraken")
	require.NoError(t, err)

	assert.True(t, h.Has(domain.CapLastPrice))
	assert.Equal(t, []domain.Capability{domain.CapMarketOrder, domain.CapWithdraw},
		h.Missing(domain.CapLastPrice, domain.CapMarketOrder, domain.CapWithdraw))

	_, err = h.Withdraw(context.Background(), "BTC", 1, "addr", "BTC")
	assert.ErrorIs(t, err, domain.ErrCapabilityUnsupported)

	v := r.Venues()
	require.Len(t, v, 1)
	assert.Equal(t, 0.26, v[0].TakerFeePct)
	assert.False(t, v[0].Has(domain.CapWithdraw))
}

func TestHandle_TranslatesAliases(t *testing.T) {
	xbt := domain.NewSymbol("XBT", "USDT")
	p := paper.New("kraken", paper.WithPrices(map[domain.Symbol]float64{xbt: 50000}))
	r := newTestRegistry(t, Entry{Client: p})
	h, _ := r.Get("kraken")
	ctx := context.Background()

	syms, err := h.ListSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Symbol{domain.NewSymbol("BTC", "USDT")}, syms)

	price, err := h.LastPrice(ctx, domain.NewSymbol("BTC", "USDT"))
	require.NoError(t, err)
	assert.Equal(t, 50000.0, price)

	_, err = h.DepositAddress(ctx, "BTC", "BTC")
	require.NoError(t, err)
	assert.Contains(t, p.Calls(), "get_deposit_address:XBT/BTC", "canonical asset is sent in native form")
}

func TestHandle_OrderLearnsNativeNamesWithoutPriorListing(t *testing.T) {
	xbt := domain.NewSymbol("XBT", "USDT")
	p := paper.New("kraken", paper.WithPrices(map[domain.Symbol]float64{xbt: 50000}))
	r := newTestRegistry(t, Entry{Client: p})
	h, _ := r.Get("kraken")
	ctx := context.Background()

	_, err := h.PlaceMarketOrder(ctx, domain.NewSymbol("BTC", "USDT"), domain.OrderSideBuy, 0.1)
	require.NoError(t, err)
	_, err = h.Withdraw(ctx, "BTC", 0.1, "addr", "BTC")
	require.NoError(t, err)

	calls := p.Calls()
	assert.Contains(t, calls, string(domain.CapMarketOrder)+":"+string(domain.OrderSideBuy)+" XBT/USDT")
	assert.Contains(t, calls, string(domain.CapWithdraw)+":XBT->addr")
	listings := 0
	for _, c := range calls {
		if c == string(domain.CapListSymbols)+":" {
			listings++
		}
	}
	assert.Equal(t, 1, listings, "names are learned once")
}

func TestHandle_NonPositivePriceIsUnsupported(t *testing.T) {
	p := paper.New("a", paper.WithPrices(map[domain.Symbol]float64{domain.NewSymbol("BTC", "USDT"): 1}))
	r := newTestRegistry(t, Entry{Client: zeroPrice{p}})
	h, _ := r.Get("a")
	_, err := h.LastPrice(context.Background(), domain.NewSymbol("BTC", "USDT"))
	assert.ErrorIs(t, err, domain.ErrSymbolUnsupported)
}

type zeroPrice struct{ *paper.Venue }

func (zeroPrice) LastPrice(context.Context, domain.Symbol) (float64, error) { return 0, nil }

func TestHandle_LocalThrottleAndObserver(t *testing.T) {
	var mu sync.Mutex
	var ops []string
	p := paper.New("a", paper.WithPrices(map[domain.Symbol]float64{domain.NewSymbol("BTC", "USDT"): 1}))
	r, err := NewRegistry(&Session{
		Entries: []Entry{{Client: p, RateLimitRPS: 20, RateLimitBurst: 1}},
		OnCall: func(id, op string, _ time.Duration, err error) {
			mu.Lock()
			defer mu.Unlock()
			ops = append(ops, id+":"+op)
		},
	})
	require.NoError(t, err)
	h, _ := r.Get("a")

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := h.LastPrice(context.Background(), domain.NewSymbol("BTC", "USDT"))
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond, "burst 1 at 20 rps spaces calls 50ms apart")
	assert.Len(t, ops, 3)
	assert.Equal(t, "a:get_last_price", ops[0])
}

type fakeShared struct {
	calls int
	err   error
}

func (f *fakeShared) Allow(context.Context, string, int, time.Duration) (bool, error) { return true, nil }
func (f *fakeShared) Wait(context.Context, string, int, time.Duration) error {
	f.calls++
	return f.err
}

func TestHandle_SharedLimiterFailsOpen(t *testing.T) {
	shared := &fakeShared{err: errors.New("redis down")}
	p := paper.New("a", paper.WithPrices(map[domain.Symbol]float64{domain.NewSymbol("BTC", "USDT"): 1}))
	r, err := NewRegistry(&Session{
		Entries:      []Entry{{Client: p}},
		Shared:       shared,
		SharedLimit:  10,
		SharedWindow: time.Second,
	})
	require.NoError(t, err)
	h, _ := r.Get("a")

	_, err = h.LastPrice(context.Background(), domain.NewSymbol("BTC", "USDT"))
	require.NoError(t, err)
	assert.Equal(t, 1, shared.calls)
}

func TestRegistry_ResolveFees(t *testing.T) {
	good := paper.New("a", paper.WithTakerFee(0.075))
	bad := paper.New("b")
	bad.Fail(domain.CapTakerFee, errors.New("unauthorized"))
	r := newTestRegistry(t,
		Entry{Client: good},
		Entry{Client: bad},
		Entry{Client: paper.NewReadOnly(paper.New("kraken"))},
	)

	failures := r.ResolveFees(context.Background(), domain.NewSymbol("BTC", "USDT"))
	assert.Len(t, failures, 1)
	assert.Contains(t, failures, "b")

	fees := r.Fees()
	assert.Equal(t, 0.075, fees.For("a"))
	assert.Equal(t, 0.1, fees.For("b"))
	assert.Equal(t, 0.26, fees.For("kraken"))
}
