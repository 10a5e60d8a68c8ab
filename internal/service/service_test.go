package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/venuearb/internal/arbitrage"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/platform/paper"
	"github.com/alanyoungcy/venuearb/internal/settlement"
	"github.com/alanyoungcy/venuearb/internal/venue"
	"github.com/stretchr/testify/require"
)

var btcUSDT = domain.NewSymbol("BTC", "USDT")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memBus records publications and stream appends.
type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	stream    map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, stream: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

// Subscribe delivers nothing and closes when ctx ends.
func (b *memBus) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	out := make(chan []byte)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream[stream] = append(b.stream[stream], payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) list() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

type memArchiver struct {
	mu       sync.Mutex
	archived []string
}

func (a *memArchiver) Archive(_ context.Context, st domain.SettlementState) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, st.ID)
	return "settlements/" + st.ID + ".json", nil
}

func (a *memArchiver) ArchiveBatch(context.Context, []domain.SettlementState, time.Time) (string, error) {
	return "", nil
}

type countingRecorder struct {
	mu                sync.Mutex
	started, finished int
	transitions       int
}

func (r *countingRecorder) OnTransition(context.Context, domain.SettlementState) {
	r.mu.Lock()
	r.transitions++
	r.mu.Unlock()
}

func (r *countingRecorder) SettlementStarted() {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *countingRecorder) SettlementFinished() {
	r.mu.Lock()
	r.finished++
	r.mu.Unlock()
}

// pair builds two routed paper venues quoting BTC/USDT at 100 and 102 with a
// 0.1% fee on each.
func pair(t *testing.T) (*paper.Venue, *paper.Venue, *venue.Registry) {
	t.Helper()
	chain := paper.NewChain(0)
	alpha := paper.New("alpha",
		paper.WithPrices(map[domain.Symbol]float64{btcUSDT: 100}),
		paper.WithBalance("USDT", 10_000),
		paper.WithChain(chain),
	)
	beta := paper.New("beta",
		paper.WithPrices(map[domain.Symbol]float64{btcUSDT: 102}),
		paper.WithChain(chain),
	)
	reg, err := venue.NewRegistry(&venue.Session{
		Entries: []venue.Entry{{Client: alpha, Kind: "paper"}, {Client: beta, Kind: "paper"}},
		Fees:    domain.FeeSchedule{DefaultPct: 0.1},
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	return alpha, beta, reg
}

func opportunity(at time.Time) domain.Opportunity {
	opp, _ := arbitrage.Reprice(domain.Opportunity{
		Symbol:      btcUSDT,
		BuyVenueID:  "alpha",
		SellVenueID: "beta",
	}, 100, 102, domain.FeeSchedule{DefaultPct: 0.1}, at)
	return opp
}

func fastWorkflow() settlement.Options {
	return settlement.Options{
		StepTimeout:         time.Second,
		DepositPollInterval: 5 * time.Millisecond,
		DepositTimeout:      time.Second,
		DepositClockSkew:    time.Minute,
	}
}
