package arbitrage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/fanout"
	"github.com/alanyoungcy/venuearb/internal/venue"
)

// UniverseOptions configures CommonSymbols.
type UniverseOptions struct {
	// QuoteAssets keeps only symbols quoted in one of these assets. Empty
	// keeps everything.
	QuoteAssets []string
	Timeout     time.Duration
}

// Universe is the outcome of CommonSymbols.
type Universe struct {
	Symbols []domain.Symbol
	// Contributors are the venues whose non-empty symbol lists formed the
	// intersection.
	Contributors []string
	// Failures holds one domain.ErrVenueUnavailable-wrapped error per venue
	// whose list could not be fetched.
	Failures map[string]error
}

// CommonSymbols returns the symbols listed by every venue that contributed a
// non-empty list, sorted. A venue whose list cannot be fetched is recorded in
// Failures and excluded; a venue listing nothing (after the quote filter)
// contributes nothing. Fewer than two contributing venues yield an empty set.
func CommonSymbols(ctx context.Context, venues []*venue.Handle, opts UniverseOptions) Universe {
	byID := make(map[string]*venue.Handle, len(venues))
	ids := make([]string, 0, len(venues))
	for _, h := range venues {
		byID[h.ID()] = h
		ids = append(ids, h.ID())
	}

	results := fanout.Run(ctx, ids, fanout.Options{Timeout: opts.Timeout},
		func(ctx context.Context, id string) ([]domain.Symbol, error) {
			return byID[id].ListSymbols(ctx)
		})

	quotes := make(map[string]bool, len(opts.QuoteAssets))
	for _, q := range opts.QuoteAssets {
		quotes[strings.ToUpper(strings.TrimSpace(q))] = true
	}

	u := Universe{Failures: make(map[string]error)}
	var sets []map[domain.Symbol]struct{}
	for _, id := range sortedKeys(results) {
		res := results[id]
		if res.Err != nil {
			u.Failures[id] = fmt.Errorf("%s: %w: %v", id, domain.ErrVenueUnavailable, res.Err)
			continue
		}
		set := make(map[domain.Symbol]struct{}, len(res.Value))
		for _, s := range res.Value {
			if len(quotes) > 0 && !quotes[s.Quote] {
				continue
			}
			set[s] = struct{}{}
		}
		if len(set) == 0 {
			continue
		}
		sets = append(sets, set)
		u.Contributors = append(u.Contributors, id)
	}

	if len(sets) < 2 {
		return u
	}

	for s := range sets[0] {
		inAll := true
		for _, other := range sets[1:] {
			if _, ok := other[s]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			u.Symbols = append(u.Symbols, s)
		}
	}
	sort.Slice(u.Symbols, func(i, j int) bool { return u.Symbols[i].String() < u.Symbols[j].String() })
	return u
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
