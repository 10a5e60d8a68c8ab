package domain

import (
	"context"
	"time"
)

// RateLimiter counts calls per key over a sliding window. Allow never blocks;
// Wait blocks until the call is admitted or ctx ends.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager hands out TTL-bounded exclusive locks. Acquire returns
// ErrLockHeld when another holder has key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// StreamMessage is one entry of a durable stream. ID orders entries and is
// passed back to StreamRead to resume after it.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries opportunities and settlement transitions. Publish and
// Subscribe are fire-and-forget; channels may be subscribed by glob. Streams
// keep the settlement event log for consumers that join late.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channel and stream names.
const (
	ChannelOpportunities   = "opportunities"
	ChannelSettlements     = "settlements"
	ChannelScans           = "scans"
	StreamSettlementEvents = "settlement_events"
)

// SettlementChannel carries the transitions of one settlement.
func SettlementChannel(id string) string {
	return "settlement:" + id
}
