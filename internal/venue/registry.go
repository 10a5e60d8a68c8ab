package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Registry holds the configured venues keyed by id plus the fee schedule.
type Registry struct {
	handles map[string]*Handle
	ids     []string
	aliases domain.AliasTable
	logger  *slog.Logger

	mu   sync.RWMutex
	fees domain.FeeSchedule
}

// NewRegistry builds a Registry from s. Venue ids must be unique and
// non-empty.
func NewRegistry(s *Session) (*Registry, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "venue_registry"))

	r := &Registry{
		handles: make(map[string]*Handle, len(s.Entries)),
		aliases: s.Aliases,
		logger:  logger,
		fees:    s.Fees,
	}
	for _, e := range s.Entries {
		if e.Client == nil {
			return nil, fmt.Errorf("venue: nil client: %w", domain.ErrInvalidRequest)
		}
		id := e.Client.ID()
		if id == "" {
			return nil, fmt.Errorf("venue: empty id: %w", domain.ErrInvalidRequest)
		}
		if _, dup := r.handles[id]; dup {
			return nil, fmt.Errorf("venue: duplicate id %q: %w", id, domain.ErrAlreadyExists)
		}
		r.handles[id] = newHandle(e, s, logger)
		r.ids = append(r.ids, id)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Get returns the handle for id, or domain.ErrVenueUnavailable.
func (r *Registry) Get(id string) (*Handle, error) {
	h, ok := r.handles[id]
	if !ok {
		return nil, fmt.Errorf("venue %q: %w", id, domain.ErrVenueUnavailable)
	}
	return h, nil
}

// Select returns the handles for ids in id order. An empty ids selects every
// venue. Unknown ids are an error.
func (r *Registry) Select(ids []string) ([]*Handle, error) {
	if len(ids) == 0 {
		ids = r.ids
	}
	uniq := make(map[string]struct{}, len(ids))
	out := make([]*Handle, 0, len(ids))
	for _, id := range ids {
		if _, dup := uniq[id]; dup {
			continue
		}
		uniq[id] = struct{}{}
		h, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

// IDs returns every venue id in sorted order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

// Aliases returns the asset alias table.
func (r *Registry) Aliases() domain.AliasTable {
	return r.aliases
}

// Fees returns the current fee schedule.
func (r *Registry) Fees() domain.FeeSchedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fees
}

// Venues describes every configured venue.
func (r *Registry) Venues() []domain.Venue {
	fees := r.Fees()
	out := make([]domain.Venue, 0, len(r.ids))
	for _, id := range r.ids {
		h := r.handles[id]
		out = append(out, domain.Venue{
			ID:           id,
			Kind:         h.kind,
			Capabilities: h.Capabilities(),
			TakerFeePct:  fees.For(id),
		})
	}
	return out
}

// ResolveFees asks every venue with a live fee source for its taker fee on
// probe and folds successful answers into the schedule. Venues that fail keep
// their configured fee; their errors are returned keyed by venue id.
func (r *Registry) ResolveFees(ctx context.Context, probe domain.Symbol) map[string]error {
	failures := make(map[string]error)
	fees := r.Fees()
	for _, id := range r.ids {
		h := r.handles[id]
		if !h.Has(domain.CapTakerFee) {
			continue
		}
		fee, err := h.TakerFeePct(ctx, probe)
		if err != nil {
			failures[id] = err
			r.logger.WarnContext(ctx, "live taker fee unavailable, keeping configured fee",
				slog.String("venue", id),
				slog.Float64("fee_pct", fees.For(id)),
				slog.String("error", err.Error()),
			)
			continue
		}
		fees = fees.With(id, fee)
		r.logger.InfoContext(ctx, "resolved live taker fee",
			slog.String("venue", id),
			slog.Float64("fee_pct", fee),
		)
	}
	r.mu.Lock()
	r.fees = fees
	r.mu.Unlock()
	return failures
}
