// Package optimistic applies local state changes ahead of the server's
// confirmation and reverts them when the server rejects the change.
package optimistic

import (
	"context"
	"sync"

	"github.com/rewardly/sync-bridge/internal/pipeline"
	"github.com/rewardly/sync-bridge/internal/request"
	"github.com/rs/zerolog/log"
)

// Mutation is a change to caller-owned local state with an explicit inverse.
// Rollback must restore exactly the state Apply replaced.
type Mutation interface {
	Apply()
	Rollback()
}

// Reconciler is implemented by mutations that update the local state from the
// server's response once the change is confirmed.
type Reconciler interface {
	Reconcile(resp *request.Response) error
}

// Funcs adapts plain functions to a Mutation. ReconcileFunc is optional.
type Funcs struct {
	ApplyFunc     func()
	RollbackFunc  func()
	ReconcileFunc func(resp *request.Response) error
}

func (f Funcs) Apply()    { f.ApplyFunc() }
func (f Funcs) Rollback() { f.RollbackFunc() }

func (f Funcs) Reconcile(resp *request.Response) error {
	if f.ReconcileFunc == nil {
		return nil
	}
	return f.ReconcileFunc(resp)
}

// Executor sends requests. It is implemented by pipeline.Pipeline.
type Executor interface {
	Execute(ctx context.Context, d request.Descriptor) (pipeline.Result, error)
}

// Coordinator runs optimistic updates. Updates of the same aggregate are
// serialized, so a rollback always restores the state its own Apply saw.
type Coordinator struct {
	exec Executor

	mu    sync.Mutex
	locks map[string]*aggregateLock
}

type aggregateLock struct {
	held chan struct{}
	refs int
}

func NewCoordinator(exec Executor) *Coordinator {
	return &Coordinator{
		exec:  exec,
		locks: map[string]*aggregateLock{},
	}
}

// Apply applies m to local state, then executes d. If d fails, m is rolled
// back and the error returned. A mutation that was queued for later delivery
// counts as accepted and is kept.
func (c *Coordinator) Apply(ctx context.Context, aggregate string, m Mutation, d request.Descriptor) (pipeline.Result, error) {
	unlock, err := c.lock(ctx, aggregate)
	if err != nil {
		return pipeline.Result{}, err
	}
	defer unlock()

	m.Apply()

	res, err := c.exec.Execute(ctx, d)
	if err != nil {
		m.Rollback()
		log.Ctx(ctx).Info().Err(err).
			Str("aggregate", aggregate).
			Str("key", d.Key()).
			Msg("optimistic update rolled back")
		return res, err
	}

	if r, ok := m.(Reconciler); ok && res.Response != nil {
		if err := r.Reconcile(res.Response); err != nil {
			// the server accepted the change; the optimistic state stands
			log.Ctx(ctx).Warn().Err(err).Str("aggregate", aggregate).Msg("optimistic update could not be reconciled")
		}
	}

	return res, nil
}

// lock waits for exclusive use of the aggregate, or for ctx to end.
func (c *Coordinator) lock(ctx context.Context, aggregate string) (func(), error) {
	c.mu.Lock()
	l, ok := c.locks[aggregate]
	if !ok {
		l = &aggregateLock{held: make(chan struct{}, 1)}
		c.locks[aggregate] = l
	}
	l.refs++
	c.mu.Unlock()

	select {
	case l.held <- struct{}{}:
		return func() {
			<-l.held
			c.release(aggregate, l)
		}, nil
	case <-ctx.Done():
		c.release(aggregate, l)
		return nil, context.Cause(ctx)
	}
}

func (c *Coordinator) release(aggregate string, l *aggregateLock) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(c.locks, aggregate)
	}
}
