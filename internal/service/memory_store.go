package service

import (
	"context"
	"sort"
	"sync"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// MemoryStore is a process-local domain.SettlementStore for deployments
// without PostgreSQL. It keeps at most capacity settlements, evicting the oldest.
type MemoryStore struct {
	mu    sync.RWMutex
	max   int
	byID  map[string]domain.SettlementState
	order []string
}

// NewMemoryStore creates a MemoryStore. capacity <= 0 defaults to 1000.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{max: capacity, byID: make(map[string]domain.SettlementState)}
}

// Save stores a snapshot of st, replacing any earlier one.
func (m *MemoryStore) Save(_ context.Context, st domain.SettlementState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[st.ID]; !ok {
		m.order = append(m.order, st.ID)
		if len(m.order) > m.max {
			delete(m.byID, m.order[0])
			m.order = m.order[1:]
		}
	}
	m.byID[st.ID] = st.Clone()
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (domain.SettlementState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.byID[id]
	if !ok {
		return domain.SettlementState{}, domain.ErrNotFound
	}
	return st.Clone(), nil
}

func (m *MemoryStore) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.SettlementState, error) {
	out := m.filter(func(st domain.SettlementState) bool {
		if opts.Since != nil && st.CreatedAt.Before(*opts.Since) {
			return false
		}
		return opts.Until == nil || !st.CreatedAt.After(*opts.Until)
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListUnresolved(_ context.Context) ([]domain.SettlementState, error) {
	return m.filter(func(st domain.SettlementState) bool { return st.Unresolved }), nil
}

// filter returns matching settlements, newest first.
func (m *MemoryStore) filter(keep func(domain.SettlementState) bool) []domain.SettlementState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SettlementState
	for i := len(m.order) - 1; i >= 0; i-- {
		st := m.byID[m.order[i]]
		if keep(st) {
			out = append(out, st.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

var _ domain.SettlementStore = (*MemoryStore)(nil)
