package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/poll"
	"github.com/google/uuid"
)

// Guard serializes settlements per user and venue. Locks are always taken in
// sorted venue order so two settlements touching the same pair of venues
// cannot deadlock.
type Guard struct {
	locks domain.LockManager
	ttl   time.Duration
	wait  time.Duration
	retry time.Duration
}

// NewGuard creates a Guard. wait is how long Acquire keeps retrying a held
// lock; zero means a single attempt.
func NewGuard(locks domain.LockManager, ttl, wait time.Duration) *Guard {
	return &Guard{locks: locks, ttl: ttl, wait: wait, retry: 250 * time.Millisecond}
}

// LockKey is the lock name for user on venueID.
func LockKey(user, venueID string) string {
	return "settle:" + user + ":" + venueID
}

// Acquire locks every venue for user. On failure nothing stays held. The
// returned release is safe to call more than once.
func (g *Guard) Acquire(ctx context.Context, user string, venueIDs ...string) (func(), error) {
	ids := append([]string(nil), venueIDs...)
	sort.Strings(ids)

	var held []func()
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
		held = nil
	}

	var prev string
	for _, id := range ids {
		if id == prev {
			continue
		}
		prev = id
		unlock, err := g.acquireOne(ctx, LockKey(user, id))
		if err != nil {
			release()
			return nil, fmt.Errorf("settlement: lock %s for %s: %w", id, user, err)
		}
		held = append(held, unlock)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (g *Guard) acquireOne(ctx context.Context, key string) (func(), error) {
	if g.wait <= 0 {
		return g.locks.Acquire(ctx, key, g.ttl)
	}
	var unlock func()
	_, err := poll.Until(ctx, poll.Options{Interval: g.retry, Timeout: g.wait}, func(ctx context.Context) (bool, error) {
		u, err := g.locks.Acquire(ctx, key, g.ttl)
		switch {
		case err == nil:
			unlock = u
			return true, nil
		case errors.Is(err, domain.ErrLockHeld):
			return false, nil
		default:
			return false, poll.Permanent(err)
		}
	})
	if errors.Is(err, poll.ErrTimeout) {
		return nil, domain.ErrLockHeld
	}
	if err != nil {
		return nil, err
	}
	return unlock, nil
}

// MemoryLocks is a process-local domain.LockManager used when Redis is not
// configured.
type MemoryLocks struct {
	mu    sync.Mutex
	held  map[string]memoryLock
	clock func() time.Time
}

type memoryLock struct {
	token   string
	expires time.Time
}

// NewMemoryLocks creates an empty MemoryLocks.
func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{held: make(map[string]memoryLock), clock: time.Now}
}

// Acquire takes key for ttl or returns domain.ErrLockHeld.
func (m *MemoryLocks) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if cur, ok := m.held[key]; ok && now.Before(cur.expires) {
		return nil, domain.ErrLockHeld
	}
	token := uuid.New().String()
	m.held[key] = memoryLock{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, ok := m.held[key]; ok && cur.token == token {
				delete(m.held, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*MemoryLocks)(nil)
