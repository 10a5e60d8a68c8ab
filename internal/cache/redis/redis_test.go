package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb), mr
}

func TestLockManager_AcquireRelease(t *testing.T) {
	c, _ := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "settle:alice:binance", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "settle:alice:binance", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock() // idempotent

	again, err := lm.Acquire(ctx, "settle:alice:binance", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLockManager_ExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	oldUnlock, err := lm.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = lm.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	oldUnlock()
	assert.True(t, mr.Exists("lock:k"), "new holder keeps its lock")
}

func TestRateLimiter_Allow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "venue:kraken", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "venue:kraken", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "venue:binance", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")
}

func TestRateLimiter_WaitHonoursContext(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)

	require.NoError(t, rl.Wait(context.Background(), "k", 1, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err := rl.Wait(ctx, "k", 1, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiter_WaitSleepsUntilSlotFrees(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()

	require.NoError(t, rl.Wait(ctx, "venue:bybit", 1, 150*time.Millisecond))
	ok, retry, err := rl.admit(ctx, "venue:bybit", 1, 150*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, 150*time.Millisecond)

	start := time.Now()
	require.NoError(t, rl.Wait(ctx, "venue:bybit", 1, 150*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func TestKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := WrapWithPrefix(rdb, "staging:")
	ctx := context.Background()

	release, err := NewLockManager(c).Acquire(ctx, "alice:binance", time.Minute)
	require.NoError(t, err)
	defer release()
	_, err = NewClaimStore(c).Claim(ctx, "opp-9", time.Minute)
	require.NoError(t, err)
	_, err = NewRateLimiter(c).Allow(ctx, "venue:kraken", 5, time.Minute)
	require.NoError(t, err)
	require.NoError(t, NewSignalBus(c).StreamAppend(ctx, domain.StreamSettlementEvents, []byte("x")))

	assert.ElementsMatch(t, []string{
		"staging:lock:alice:binance",
		"staging:claim:opp-9",
		"staging:ratelimit:venue:kraken",
		"staging:" + domain.StreamSettlementEvents,
	}, mr.Keys())

	msgs, err := NewSignalBus(c).StreamRead(ctx, domain.StreamSettlementEvents, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: ping 127.0.0.1:1")
}

func TestClaimStore(t *testing.T) {
	c, mr := newTestClient(t)
	cs := NewClaimStore(c)
	ctx := context.Background()

	ok, err := cs.Claim(ctx, "opp-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cs.Claim(ctx, "opp-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = cs.Claim(ctx, "opp-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBus_PublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "settlement:*")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.SettlementChannel("s-1"), []byte(`{"phase":"buying"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"phase":"buying"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestSignalBus_Streams(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBusWithMaxLen(c, 100)
	ctx := context.Background()

	msgs, err := bus.StreamRead(ctx, domain.StreamSettlementEvents, "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, bus.StreamAppend(ctx, domain.StreamSettlementEvents, []byte("a")))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamSettlementEvents, []byte("b")))

	msgs, err = bus.StreamRead(ctx, domain.StreamSettlementEvents, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Payload))

	rest, err := bus.StreamRead(ctx, domain.StreamSettlementEvents, msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", string(rest[0].Payload))
}
