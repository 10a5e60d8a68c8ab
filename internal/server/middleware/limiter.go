package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// LocalRateLimiter is an in-process domain.RateLimiter backed by one token
// bucket per key. It stands in for the Redis limiter when Redis is disabled.
type LocalRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalRateLimiter creates a LocalRateLimiter.
func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (l *LocalRateLimiter) bucket(key string, limit int, window time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		l.buckets[key] = b
	}
	return b
}

// Allow reports whether one more request for key fits in limit per window.
func (l *LocalRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	return l.bucket(key, limit, window).Allow(), nil
}

// Wait blocks until a request for key is allowed or ctx ends.
func (l *LocalRateLimiter) Wait(ctx context.Context, key string, limit int, window time.Duration) error {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return l.bucket(key, limit, window).Wait(ctx)
}

var _ domain.RateLimiter = (*LocalRateLimiter)(nil)
