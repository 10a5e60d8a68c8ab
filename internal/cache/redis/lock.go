package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLua deletes KEYS[1] only while it still holds the caller's token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// releaseTimeout bounds the release call, which runs on a fresh context.
const releaseTimeout = 5 * time.Second

// LockManager serialises settlements per (user, buy venue) across processes.
// A lock is a SET NX key carrying a random token and a TTL, so a crashed
// holder's lock expires on its own.
type LockManager struct {
	c       *Client
	release *redis.Script
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{c: c, release: redis.NewScript(releaseLua)}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld. The returned
// release func may be called any number of times; only the first call acts,
// and only while this holder still owns the key.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	rk := lm.c.Key("lock:" + key)
	token := uuid.NewString()

	won, err := lm.c.rdb.SetNX(ctx, rk, token, ttl).Result()
	switch {
	case err != nil:
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	case !won:
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = lm.release.Run(rctx, lm.c.rdb, []string{rk}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)

// ClaimStore hands out one-shot execution claims keyed by opportunity id. A
// claim is never released; it lapses after its TTL.
type ClaimStore struct {
	c *Client
}

func NewClaimStore(c *Client) *ClaimStore {
	return &ClaimStore{c: c}
}

// Claim reports whether this caller is the first to claim key within ttl.
func (cs *ClaimStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	first, err := cs.c.rdb.SetNX(ctx, cs.c.Key("claim:"+key), stamp, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim %s: %w", key, err)
	}
	return first, nil
}
