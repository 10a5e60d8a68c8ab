// Package fanout runs one task per key concurrently and collects whatever
// finishes inside a time budget.
package fanout

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrAbandoned marks a task that had not finished when the overall deadline
// passed.
var ErrAbandoned = errors.New("fanout: task abandoned at overall deadline")

// Options bounds a fan-out.
type Options struct {
	// Limit caps concurrently running tasks. Zero means one goroutine per key.
	Limit int
	// TaskTimeout bounds each task individually.
	TaskTimeout time.Duration
	// Timeout bounds the whole fan-out.
	Timeout time.Duration
}

// Result is the outcome of one task.
type Result[V any] struct {
	Value   V
	Err     error
	Elapsed time.Duration
}

// OK reports whether the task succeeded.
func (r Result[V]) OK() bool { return r.Err == nil }

type item[K comparable, V any] struct {
	key K
	res Result[V]
}

// Run calls fn once per distinct key and returns a result for every key.
// Tasks still running at the overall deadline are reported with
// ErrAbandoned; tasks exceeding TaskTimeout are reported with the context
// error even if fn ignores its context.
func Run[K comparable, V any](ctx context.Context, keys []K, opts Options, fn func(ctx context.Context, key K) (V, error)) map[K]Result[V] {
	unique := dedupe(keys)
	results := make(map[K]Result[V], len(unique))
	if len(unique) == 0 {
		return results
	}

	runCtx, cancel := context.WithCancel(ctx)
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	// Buffered so late finishers never block after we stop reading.
	out := make(chan item[K, V], len(unique))

	var sem *semaphore.Weighted
	if opts.Limit > 0 {
		sem = semaphore.NewWeighted(int64(opts.Limit))
	}

	go func() {
		for _, key := range unique {
			if sem != nil {
				if err := sem.Acquire(runCtx, 1); err != nil {
					return
				}
			}
			go func(key K) {
				if sem != nil {
					defer sem.Release(1)
				}
				out <- item[K, V]{key: key, res: runTask(runCtx, key, opts.TaskTimeout, fn)}
			}(key)
		}
	}()

	for len(results) < len(unique) {
		select {
		case it := <-out:
			results[it.key] = it.res
		case <-runCtx.Done():
			drain(out, results)
			for _, key := range unique {
				if _, ok := results[key]; !ok {
					results[key] = Result[V]{Err: ErrAbandoned}
				}
			}
			return results
		}
	}
	return results
}

func runTask[K comparable, V any](ctx context.Context, key K, timeout time.Duration, fn func(context.Context, K) (V, error)) Result[V] {
	taskCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan Result[V], 1)
	go func() {
		v, err := fn(taskCtx, key)
		done <- Result[V]{Value: v, Err: err}
	}()

	select {
	case r := <-done:
		r.Elapsed = time.Since(start)
		return r
	case <-taskCtx.Done():
		return Result[V]{Err: taskCtx.Err(), Elapsed: time.Since(start)}
	}
}

func drain[K comparable, V any](out <-chan item[K, V], results map[K]Result[V]) {
	for {
		select {
		case it := <-out:
			results[it.key] = it.res
		default:
			return
		}
	}
}

func dedupe[K comparable](keys []K) []K {
	seen := make(map[K]struct{}, len(keys))
	out := make([]K, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
