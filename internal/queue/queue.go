// Package queue holds mutations that could not be delivered and replays them
// once the backend is reachable again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rewardly/sync-bridge/internal/config"
	"github.com/rewardly/sync-bridge/internal/request"
	"github.com/rewardly/sync-bridge/internal/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var (
	ErrNotFound     = errors.New("queue entry not found")
	ErrInFlight     = errors.New("queue entry is being replayed")
	ErrNotQueueable = errors.New("only mutations can be queued")
)

// Entry is a queued mutation. Attempts counts the replays made so far.
type Entry struct {
	ID         string             `json:"id"`
	Descriptor request.Descriptor `json:"descriptor"`
	Attempts   int                `json:"attempts"`
	Status     Status             `json:"status"`
	LastError  string             `json:"lastError,omitempty"`
	EnqueuedAt time.Time          `json:"enqueuedAt"`
}

// Group is the resource group the entry is ordered within.
func (e Entry) Group() string {
	return e.Descriptor.Group()
}

// Replayer delivers a queued mutation. Errors are classified with apierror:
// network and server failures leave the entry queued, anything else removes
// it.
type Replayer interface {
	Replay(ctx context.Context, d request.Descriptor) error
}

// Queue is the durable list of undelivered mutations. Every change is written
// to the Store before it is visible in memory.
type Queue struct {
	store       Store
	maxAttempts int
	concurrency int
	limiter     *rate.Limiter
	newBackOff  func() backoff.BackOff
	clock       func() time.Time

	mu      sync.Mutex
	entries []Entry

	drainMu sync.Mutex
}

type Option func(*Queue)

// WithMaxAttempts caps the replays of an entry before it fails terminally.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithConcurrency limits the groups replayed in parallel.
func WithConcurrency(n int) Option {
	return func(q *Queue) { q.concurrency = n }
}

// WithRate paces replays to at most perSecond calls. Zero or less disables
// pacing.
func WithRate(perSecond float64) Option {
	return func(q *Queue) {
		if perSecond <= 0 {
			q.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		q.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithBackOff sets the delay policy between replays of an entry that failed
// with a server error.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(q *Queue) { q.newBackOff = newBackOff }
}

func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// New loads the persisted queue. Entries left in flight by a previous process
// are returned to pending: replay reuses their idempotency key.
func New(ctx context.Context, store Store, opts ...Option) (*Queue, error) {
	initMetrics()

	q := &Queue{
		store:       store,
		maxAttempts: 5,
		concurrency: 4,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	entries, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading queue: %w", err)
	}

	for i, e := range entries {
		if e.Status == StatusPending {
			continue
		}
		e.Status = StatusPending
		if err := store.Save(ctx, e); err != nil {
			return nil, fmt.Errorf("recovering queue entry %s: %w", e.ID, err)
		}
		entries[i] = e
		log.Ctx(ctx).Info().Str("queue_id", e.ID).Msg("recovered interrupted queue entry")
	}

	q.entries = entries

	log.Ctx(ctx).Info().Int("pending", len(entries)).Msg("queue loaded")

	return q, nil
}

// NewFromConfig creates a queue persisted in kv.
func NewFromConfig(ctx context.Context, cfg config.QueueConfig, kv storage.Store) (*Queue, error) {
	return New(ctx, NewKVStore(kv),
		WithMaxAttempts(cfg.MaxAttempts),
		WithConcurrency(cfg.DrainConcurrency),
		WithRate(cfg.ReplayRate),
	)
}

// Enqueue durably queues a mutation and returns its queue id. A mutation
// whose idempotency key is already queued is not queued twice: the id of the
// existing entry is returned.
func (q *Queue) Enqueue(ctx context.Context, d request.Descriptor) (string, error) {
	if d.IsRead() {
		return "", ErrNotQueueable
	}
	if err := d.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if i := slices.IndexFunc(q.entries, func(e Entry) bool {
		return e.Descriptor.IdempotencyKey == d.IdempotencyKey
	}); i >= 0 {
		return q.entries[i].ID, nil
	}

	e := Entry{
		ID:         uuid.NewString(),
		Descriptor: d,
		Status:     StatusPending,
		EnqueuedAt: q.clock().UTC(),
	}
	if err := q.store.Save(ctx, e); err != nil {
		return "", fmt.Errorf("queueing mutation: %w", err)
	}
	q.entries = append(q.entries, e)

	recordReplay(ctx, "enqueued")
	log.Ctx(ctx).Info().
		Str("queue_id", e.ID).
		Str("group", e.Group()).
		Str("key", d.Key()).
		Msg("mutation queued")

	return e.ID, nil
}

// Pending returns a copy of the queued entries in insertion order.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries)
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// HasPending reports whether any entry of the group is queued or being
// replayed. A new mutation for such a group must queue behind them.
func (q *Queue) HasPending(group string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.ContainsFunc(q.entries, func(e Entry) bool {
		return e.Group() == group
	})
}

func (q *Queue) Get(id string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return Entry{}, ErrNotFound
	}
	return q.entries[i], nil
}

// Remove discards a queued entry without replaying it.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return ErrNotFound
	}
	if q.entries[i].Status == StatusInFlight {
		return ErrInFlight
	}

	if err := q.store.Delete(ctx, id); err != nil {
		return err
	}
	q.entries = slices.Delete(q.entries, i, i+1)

	log.Ctx(ctx).Info().Str("queue_id", id).Msg("queue entry discarded")
	return nil
}

// update persists a changed entry and replaces the in-memory copy.
func (q *Queue) update(ctx context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(e.ID)
	if i < 0 {
		return ErrNotFound
	}
	if err := q.store.Save(ctx, e); err != nil {
		return err
	}
	q.entries[i] = e
	return nil
}

func (q *Queue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Delete(ctx, id); err != nil {
		return err
	}
	if i := q.indexLocked(id); i >= 0 {
		q.entries = slices.Delete(q.entries, i, i+1)
	}
	return nil
}

// next returns the oldest pending entry of the group.
func (q *Queue) next(group string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.Group() == group && e.Status == StatusPending {
			return e, true
		}
	}
	return Entry{}, false
}

func (q *Queue) indexLocked(id string) int {
	return slices.IndexFunc(q.entries, func(e Entry) bool { return e.ID == id })
}
