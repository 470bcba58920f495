package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// Retrying wraps a Store with bounded exponential retries. Underlying storage
// makes no retry promises, and a transient failure writing the queue must not
// lose a mutation.
type Retrying struct {
	wrapped     Store
	maxTries    uint
	initialWait time.Duration
}

func NewRetrying(wrapped Store, maxTries uint, initialWait time.Duration) *Retrying {
	if maxTries == 0 {
		maxTries = 1
	}
	return &Retrying{
		wrapped:     wrapped,
		maxTries:    maxTries,
		initialWait: initialWait,
	}
}

type getResult struct {
	value []byte
	found bool
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := retry(ctx, r, "get", key, func() (getResult, error) {
		v, found, err := r.wrapped.Get(ctx, key)
		return getResult{v, found}, err
	})
	return res.value, res.found, err
}

func (r *Retrying) Set(ctx context.Context, key string, value []byte) error {
	_, err := retry(ctx, r, "set", key, func() (struct{}, error) {
		return struct{}{}, r.wrapped.Set(ctx, key, value)
	})
	return err
}

func (r *Retrying) Remove(ctx context.Context, key string) error {
	_, err := retry(ctx, r, "remove", key, func() (struct{}, error) {
		return struct{}{}, r.wrapped.Remove(ctx, key)
	})
	return err
}

func (r *Retrying) Clear(ctx context.Context) error {
	_, err := retry(ctx, r, "clear", "", func() (struct{}, error) {
		return struct{}{}, r.wrapped.Clear(ctx)
	})
	return err
}

func (r *Retrying) Close() error {
	return r.wrapped.Close()
}

func retry[T any](ctx context.Context, r *Retrying, operation, key string, fn backoff.Operation[T]) (T, error) {
	b := backoff.NewExponentialBackOff()
	if r.initialWait > 0 {
		b.InitialInterval = r.initialWait
	}

	return backoff.Retry(ctx, fn,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Ctx(ctx).Warn().Err(err).
				Str("operation", operation).
				Str("key", key).
				Dur("wait", wait).
				Msg("storage operation failed, retrying")
		}),
	)
}
