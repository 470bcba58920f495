// Package dedup collapses concurrent calls sharing a key into one execution.
package dedup

import (
	"context"
	"sync"
)

type call[T any] struct {
	done    chan struct{}
	value   T
	err     error
	waiters int
	cancel  context.CancelCauseFunc
}

// Registry tracks in-flight work by key. Unlike singleflight it counts the
// callers awaiting each call: a caller whose context ends detaches alone, and
// the work itself is cancelled only when no caller is left waiting for it.
type Registry[T any] struct {
	mu    sync.Mutex
	calls map[string]*call[T]
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{calls: map[string]*call[T]{}}
}

// Do runs work for key unless a call for key is already outstanding, in which
// case it waits for that call's result. shared reports whether the result was
// produced for another caller as well. The entry for key is removed before
// any waiter observes the result, so a later call starts fresh work.
//
// work receives a context that outlives the first caller: it carries the
// caller's values but is cancelled only when every waiter has gone.
func (r *Registry[T]) Do(ctx context.Context, key string, work func(context.Context) (T, error)) (value T, shared bool, err error) {
	r.mu.Lock()
	c, inFlight := r.calls[key]
	if inFlight {
		c.waiters++
	} else {
		workCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		c = &call[T]{
			done:    make(chan struct{}),
			waiters: 1,
			cancel:  cancel,
		}
		r.calls[key] = c
		go r.run(workCtx, key, c, work)
	}
	r.mu.Unlock()

	select {
	case <-c.done:
		r.mu.Lock()
		shared = c.waiters > 1
		r.mu.Unlock()
		return c.value, shared || inFlight, c.err
	case <-ctx.Done():
		r.detach(key, c, context.Cause(ctx))
		var zero T
		return zero, inFlight, context.Cause(ctx)
	}
}

// InFlight returns the number of outstanding calls.
func (r *Registry[T]) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Waiting returns the number of callers awaiting the call for key.
func (r *Registry[T]) Waiting(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[key]; ok {
		return c.waiters
	}
	return 0
}

func (r *Registry[T]) run(ctx context.Context, key string, c *call[T], work func(context.Context) (T, error)) {
	value, err := work(ctx)

	r.mu.Lock()
	if r.calls[key] == c {
		delete(r.calls, key)
	}
	c.value, c.err = value, err
	r.mu.Unlock()

	c.cancel(nil)
	close(c.done)
}

func (r *Registry[T]) detach(key string, c *call[T], cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.waiters--
	if c.waiters > 0 {
		return
	}

	// last waiter gone: abandon the work and let the next caller start afresh
	if r.calls[key] == c {
		delete(r.calls, key)
	}
	c.cancel(cause)
}
