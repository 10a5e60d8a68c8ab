package fanout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CollectsAllResults(t *testing.T) {
	keys := []string{"a", "b", "c", "a"}
	res := Run(context.Background(), keys, Options{Timeout: time.Second}, func(_ context.Context, k string) (string, error) {
		if k == "b" {
			return "", errors.New("down")
		}
		return k + "!", nil
	})

	require.Len(t, res, 3)
	assert.Equal(t, "a!", res["a"].Value)
	assert.True(t, res["a"].OK())
	assert.EqualError(t, res["b"].Err, "down")
	assert.Equal(t, "c!", res["c"].Value)
}

func TestRun_TaskTimeoutEvenWhenIgnoringContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	res := Run(context.Background(), []int{1, 2}, Options{TaskTimeout: 20 * time.Millisecond, Timeout: time.Second},
		func(_ context.Context, k int) (int, error) {
			if k == 2 {
				<-block
			}
			return k * 10, nil
		})

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 10, res[1].Value)
	assert.ErrorIs(t, res[2].Err, context.DeadlineExceeded)
}

func TestRun_OverallTimeoutAbandonsQueuedTasks(t *testing.T) {
	res := Run(context.Background(), []int{1, 2, 3}, Options{Limit: 1, Timeout: 30 * time.Millisecond},
		func(ctx context.Context, k int) (int, error) {
			select {
			case <-time.After(100 * time.Millisecond):
				return k, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		})

	require.Len(t, res, 3)
	for _, r := range res {
		assert.Error(t, r.Err)
	}
	abandoned := 0
	for _, r := range res {
		if errors.Is(r.Err, ErrAbandoned) {
			abandoned++
		}
	}
	assert.GreaterOrEqual(t, abandoned, 2)
}

func TestRun_LimitBoundsConcurrency(t *testing.T) {
	var running, peak int32
	keys := []int{1, 2, 3, 4, 5, 6}
	Run(context.Background(), keys, Options{Limit: 2, Timeout: 2 * time.Second}, func(_ context.Context, k int) (int, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return k, nil
	})
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRun_Empty(t *testing.T) {
	res := Run(context.Background(), nil, Options{}, func(context.Context, string) (int, error) { return 0, nil })
	assert.Empty(t, res)
}
