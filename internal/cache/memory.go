package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

type entry[T any] struct {
	value    T
	tags     []string
	storedAt time.Time
	ttl      time.Duration
	version  Version
}

// Memory is an in-memory TaggedCache backed by a bounded otter cache.
type Memory[T any] struct {
	cache   *otter.Cache[string, entry[T]]
	counter *stats.Counter
	clock   func() time.Time

	mu sync.Mutex
	// version increases on every put and every invalidation
	version Version
	// invalidated holds the version at which each tag was last invalidated
	invalidated map[string]Version
	clearedAt   Version
	// tagged indexes the keys stored under each tag for proactive eviction
	tagged map[string]map[string]struct{}
}

type MemoryOption[T any] func(*Memory[T])

// WithClock overrides the time source used for TTL checks.
func WithClock[T any](clock func() time.Time) MemoryOption[T] {
	return func(m *Memory[T]) { m.clock = clock }
}

// NewMemory creates an in-memory cache holding at most maxSize entries.
func NewMemory[T any](maxSize int, opts ...MemoryOption[T]) (*Memory[T], error) {
	counter := stats.NewCounter()
	c, err := otter.New(&otter.Options[string, entry[T]]{
		MaximumSize:   maxSize,
		StatsRecorder: counter,
		// per-entry TTLs are applied with SetExpiresAfter; this bounds entries
		// stored without one
		ExpiryCalculator: otter.ExpiryWriting[string, entry[T]](24 * time.Hour),
	})
	if err != nil {
		return nil, err
	}

	m := &Memory[T]{
		cache:       c,
		counter:     counter,
		clock:       time.Now,
		invalidated: map[string]Version{},
		tagged:      map[string]map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Memory[T]) Get(_ context.Context, key string) (T, bool, error) {
	var zero T

	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return zero, false, nil
	}

	m.mu.Lock()
	stale := m.staleLocked(e)
	m.mu.Unlock()

	if stale || m.expired(e) {
		m.cache.Invalidate(key)
		return zero, false, nil
	}

	return e.value, true, nil
}

func (m *Memory[T]) Put(ctx context.Context, key string, value T, tags []string, ttl time.Duration) error {
	_, err := m.PutIfFresh(ctx, key, value, tags, ttl, m.Version())
	return err
}

func (m *Memory[T]) PutIfFresh(_ context.Context, key string, value T, tags []string, ttl time.Duration, since Version) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}

	e := entry[T]{
		value:    value,
		tags:     slices.Compact(slices.Sorted(slices.Values(tags))),
		storedAt: m.clock(),
		ttl:      ttl,
		version:  since,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.staleLocked(e) {
		return false, nil
	}

	m.version++
	for _, tag := range e.tags {
		keys, ok := m.tagged[tag]
		if !ok {
			keys = map[string]struct{}{}
			m.tagged[tag] = keys
		}
		keys[key] = struct{}{}
	}

	m.cache.Set(key, e)
	m.cache.SetExpiresAfter(key, ttl)

	return true, nil
}

func (m *Memory[T]) Version() Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

func (m *Memory[T]) InvalidateTags(_ context.Context, tags ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.version++
	for _, tag := range tags {
		m.invalidated[tag] = m.version

		for key := range m.tagged[tag] {
			// the key may since have been overwritten without this tag
			if e, ok := m.cache.GetIfPresent(key); ok && slices.Contains(e.tags, tag) {
				m.cache.Invalidate(key)
			}
		}
		delete(m.tagged, tag)
	}

	return nil
}

func (m *Memory[T]) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.version++
	m.clearedAt = m.version
	clear(m.tagged)
	m.cache.InvalidateAll()

	return nil
}

func (m *Memory[T]) Close() error {
	m.cache.StopAllGoroutines()
	return nil
}

// staleLocked reports whether e predates a clear or an invalidation of one of
// its tags.
func (m *Memory[T]) staleLocked(e entry[T]) bool {
	if e.version < m.clearedAt {
		return true
	}
	for _, tag := range e.tags {
		if m.invalidated[tag] > e.version {
			return true
		}
	}
	return false
}

func (m *Memory[T]) expired(e entry[T]) bool {
	return m.clock().After(e.storedAt.Add(e.ttl))
}
