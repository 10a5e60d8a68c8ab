package settlement

import (
	"context"
	"sync"
	"time"
)

// Claimer records one-shot claims. The Redis ClaimStore implements it for
// deployments with more than one process.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Dedup prevents the same opportunity from being executed more than once
// within a time-to-live window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // key -> expiry
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates an in-memory Dedup.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]time.Time), now: time.Now}
}

// Claim returns true if key has not been claimed within ttl, recording the
// claim.
func (d *Dedup) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(ttl)
	return true, nil
}

// Cleanup removes expired entries. Call it periodically to bound memory.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
}

// DedupKey is the claim key for executing opportunity id.
func DedupKey(opportunityID string) string {
	return "settle:opp:" + opportunityID
}
