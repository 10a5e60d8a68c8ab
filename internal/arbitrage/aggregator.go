package arbitrage

import (
	"context"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/fanout"
	"github.com/alanyoungcy/venuearb/internal/venue"
)

// FetchOptions bounds one price fan-out.
type FetchOptions struct {
	PerRequestTimeout time.Duration
	OverallTimeout    time.Duration
	// Now stamps each quote. Defaults to time.Now.
	Now func() time.Time
}

// PriceMap is the partial result of FetchPrices: quotes from the venues that
// answered in time, plus the reason each other venue is missing.
type PriceMap struct {
	Quotes   map[string]domain.PriceQuote
	Failures map[string]error
}

// FetchPrices asks every venue for its last price of sym concurrently. Failed
// or late venues are simply absent from Quotes; nothing is retried.
func FetchPrices(ctx context.Context, sym domain.Symbol, venues []*venue.Handle, opts FetchOptions) PriceMap {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	byID := make(map[string]*venue.Handle, len(venues))
	ids := make([]string, 0, len(venues))
	for _, h := range venues {
		byID[h.ID()] = h
		ids = append(ids, h.ID())
	}

	results := fanout.Run(ctx, ids, fanout.Options{
		TaskTimeout: opts.PerRequestTimeout,
		Timeout:     opts.OverallTimeout,
	}, func(ctx context.Context, id string) (domain.PriceQuote, error) {
		return byID[id].Quote(ctx, sym, now)
	})

	pm := PriceMap{
		Quotes:   make(map[string]domain.PriceQuote, len(results)),
		Failures: make(map[string]error),
	}
	for id, res := range results {
		if res.Err != nil {
			pm.Failures[id] = res.Err
			continue
		}
		pm.Quotes[id] = res.Value
	}
	return pm
}
