package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce     sync.Once
	cacheOperations metric.Int64Counter
	cacheDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/rewardly/sync-bridge/internal/cache")

		var err error
		cacheOperations, err = meter.Int64Counter(
			"cache.operations",
			metric.WithDescription("Total cache operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheDuration, err = meter.Float64Histogram(
			"cache.operation.duration",
			metric.WithDescription("Cache operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps a TaggedCache with metrics and span attributes.
type Instrumented[T any] struct {
	wrapped   TaggedCache[T]
	cacheType string
}

func NewInstrumented[T any](cache TaggedCache[T], cacheType string) *Instrumented[T] {
	initMetrics()
	return &Instrumented[T]{
		wrapped:   cache,
		cacheType: cacheType,
	}
}

func (i *Instrumented[T]) Get(ctx context.Context, key string) (T, bool, error) {
	start := time.Now()

	value, found, err := i.wrapped.Get(ctx, key)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	i.record(ctx, "get", status, time.Since(start))

	return value, found, err
}

func (i *Instrumented[T]) Put(ctx context.Context, key string, value T, tags []string, ttl time.Duration) error {
	start := time.Now()

	err := i.wrapped.Put(ctx, key, value, tags, ttl)

	i.record(ctx, "put", errorStatus(err), time.Since(start))

	return err
}

func (i *Instrumented[T]) PutIfFresh(ctx context.Context, key string, value T, tags []string, ttl time.Duration, since Version) (bool, error) {
	start := time.Now()

	stored, err := i.wrapped.PutIfFresh(ctx, key, value, tags, ttl, since)

	status := errorStatus(err)
	if err == nil && !stored {
		status = "stale"
	}
	i.record(ctx, "put", status, time.Since(start))

	return stored, err
}

func (i *Instrumented[T]) Version() Version {
	return i.wrapped.Version()
}

func (i *Instrumented[T]) InvalidateTags(ctx context.Context, tags ...string) error {
	start := time.Now()

	err := i.wrapped.InvalidateTags(ctx, tags...)

	i.record(ctx, "invalidate", errorStatus(err), time.Since(start))
	trace.SpanFromContext(ctx).SetAttributes(attribute.StringSlice("cache.invalidate.tags", tags))

	return err
}

func (i *Instrumented[T]) Clear(ctx context.Context) error {
	start := time.Now()

	err := i.wrapped.Clear(ctx)

	i.record(ctx, "clear", errorStatus(err), time.Since(start))

	return err
}

func (i *Instrumented[T]) Close() error {
	return i.wrapped.Close()
}

func errorStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (i *Instrumented[T]) record(ctx context.Context, operation, status string, duration time.Duration) {
	if cacheDuration != nil {
		cacheDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("cache.type", i.cacheType),
				attribute.String("cache.operation", operation),
			),
		)
	}
	if cacheOperations != nil {
		cacheOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("cache.type", i.cacheType),
				attribute.String("cache.operation", operation),
				attribute.String("cache.status", status),
			),
		)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("cache.type", i.cacheType),
		attribute.String("cache."+operation+".status", status),
		attribute.Float64("cache."+operation+".duration", duration.Seconds()),
	)
}
