// Package pool provides a bounded worker pool with typed futures. The turn
// orchestrator dispatches parallel-safe tool calls through a Pool so total
// tool concurrency stays capped regardless of how many calls one model step
// requests, and folds results back in issuance order via Future.Get.
package pool

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by futures submitted after Close.
var ErrClosed = errors.New("pool: closed")

// Pool caps concurrent work at a fixed number of slots. The zero value is
// not usable; construct with New.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New builds a pool with the given number of slots. Sizes below one are
// raised to one.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Close marks the pool closed and waits for in-flight work to finish.
// Subsequent Submit calls resolve immediately with ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Future resolves to the result of one submitted call.
type Future[T any] struct {
	ready  chan struct{}
	result T
	err    error
}

// Get blocks until the work completes or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

// IsReady reports whether the result is available without blocking.
func (f *Future[T]) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

// Resolved returns an already-completed future. The scheduler uses it for
// results produced inline (serial-lane calls), so batch folding handles both
// lanes uniformly.
func Resolved[T any](result T, err error) *Future[T] {
	f := &Future[T]{ready: make(chan struct{}), result: result, err: err}
	close(f.ready)
	return f
}

// Go runs fn on its own goroutine outside the pool's slots. Dispatchers that
// hold a logical call open while nested work submits to the pool use it so a
// held slot can never starve the nested submissions.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{ready: make(chan struct{})}
	go func() {
		defer close(f.ready)
		f.result, f.err = fn(ctx)
	}()
	return f
}

// Submit schedules fn on the pool without blocking the caller. The returned
// future resolves with fn's result, with ctx's error when ctx ends before a
// slot frees up, or with ErrClosed when the pool is closed.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{ready: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		f.err = ErrClosed
		close(f.ready)
		return f
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer close(f.ready)
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			f.err = ctx.Err()
			return
		}
		f.result, f.err = fn(ctx)
	}()
	return f
}
