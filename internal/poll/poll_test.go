package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntil_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	out, err := Until(context.Background(), Options{Interval: time.Millisecond, Timeout: time.Second},
		func(context.Context) (bool, error) {
			calls++
			if calls == 2 {
				return false, errors.New("flaky")
			}
			return calls >= 3, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.EqualError(t, out.LastErr, "flaky")
}

func TestUntil_Timeout(t *testing.T) {
	var attempts []int
	_, err := Until(context.Background(), Options{
		Interval:  5 * time.Millisecond,
		Timeout:   30 * time.Millisecond,
		OnAttempt: func(n int, _ error) { attempts = append(attempts, n) },
	}, func(context.Context) (bool, error) { return false, errors.New("api down") })

	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "api down")
	assert.NotEmpty(t, attempts)
}

func TestUntil_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Until(ctx, Options{Interval: time.Millisecond, Timeout: time.Second},
		func(context.Context) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUntil_PermanentStopsImmediately(t *testing.T) {
	boom := errors.New("account frozen")
	out, err := Until(context.Background(), Options{Interval: time.Millisecond, Timeout: time.Second},
		func(context.Context) (bool, error) { return false, Permanent(boom) })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, out.Attempts)
}
