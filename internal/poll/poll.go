// Package poll repeats a check until it holds, the caller cancels, or a
// deadline passes.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when the condition never held within Timeout.
var ErrTimeout = errors.New("poll: timed out")

// Condition reports whether the awaited state has been reached. A returned
// error is treated as transient unless wrapped with Permanent.
type Condition func(ctx context.Context) (bool, error)

// Options configures Until.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// OnAttempt, if set, is called after every evaluation of the condition.
	OnAttempt func(attempt int, err error)
}

// Outcome describes how a poll ended.
type Outcome struct {
	Attempts int
	LastErr  error
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as fatal so Until stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Until evaluates cond immediately and then every Interval. It returns nil
// once cond reports true, ErrTimeout (wrapping the last transient error, if
// any) once Timeout has elapsed, or the parent context's error if it ends
// first.
func Until(ctx context.Context, opts Options, cond Condition) (Outcome, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var out Outcome
	for {
		out.Attempts++
		done, err := cond(ctx)
		if opts.OnAttempt != nil {
			opts.OnAttempt(out.Attempts, err)
		}
		if err != nil {
			var perm permanentError
			if errors.As(err, &perm) {
				out.LastErr = perm.err
				return out, perm.err
			}
			out.LastErr = err
		} else if done {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-deadline:
			if out.LastErr != nil {
				return out, fmt.Errorf("%w after %d attempts (last error: %v)", ErrTimeout, out.Attempts, out.LastErr)
			}
			return out, fmt.Errorf("%w after %d attempts", ErrTimeout, out.Attempts)
		case <-ticker.C:
		}
	}
}
