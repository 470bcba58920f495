package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rewardly/sync-bridge/internal/apierror"
	"github.com/rewardly/sync-bridge/internal/connectivity"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Failure is an entry removed from the queue without being delivered.
type Failure struct {
	Entry Entry
	Err   error
}

// Report is the outcome of a drain.
type Report struct {
	Succeeded []Entry
	Failed    []Failure
	// Remaining counts the entries still queued when the drain finished.
	Remaining int
}

var (
	errPersist     = errors.New("queue storage failure")
	errInterrupted = errors.New("replay interrupted")
)

// Drain replays queued mutations. Entries of one group are replayed strictly
// in insertion order and never concurrently; groups are replayed in parallel.
//
// Within a group, a server error is retried with backoff until the entry's
// attempts are exhausted, at which point it fails terminally. A network
// failure leaves the entry queued and stops the group. A client error removes
// the entry and the group continues. An auth error stops the drain: the
// entries stay queued for the next session.
func (q *Queue) Drain(ctx context.Context, r Replayer) (Report, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var (
		mu     sync.Mutex
		report Report
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.concurrency)

	for _, group := range q.groups() {
		g.Go(func() error {
			return q.replayGroup(gctx, group, r, func(e Entry, err error) {
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					report.Succeeded = append(report.Succeeded, e)
				} else {
					report.Failed = append(report.Failed, Failure{Entry: e, Err: err})
				}
			})
		})
	}

	err := g.Wait()
	report.Remaining = q.Len()

	log.Ctx(ctx).Info().
		Int("succeeded", len(report.Succeeded)).
		Int("failed", len(report.Failed)).
		Int("remaining", report.Remaining).
		Err(err).
		Msg("queue drained")

	return report, err
}

// Watch drains the queue each time connectivity is restored, until ctx ends
// or states is closed.
func (q *Queue) Watch(ctx context.Context, states <-chan connectivity.State, r Replayer) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			if s != connectivity.Online || q.Len() == 0 {
				continue
			}
			if _, err := q.Drain(ctx, r); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("queue drain stopped early")
			}
		}
	}
}

// groups returns the groups with pending entries, in order of their oldest
// entry.
func (q *Queue) groups() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var groups []string
	seen := map[string]bool{}
	for _, e := range q.entries {
		g := e.Group()
		if !seen[g] {
			seen[g] = true
			groups = append(groups, g)
		}
	}
	return groups
}

func (q *Queue) replayGroup(ctx context.Context, group string, r Replayer, settled func(Entry, error)) error {
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		e, ok := q.next(group)
		if !ok {
			return nil
		}

		e, err := q.replay(ctx, e, r)

		switch {
		case err == nil:
			if err := q.remove(ctx, e.ID); err != nil {
				return fmt.Errorf("%w: %w", errPersist, err)
			}
			e.Status = StatusSucceeded
			recordReplay(ctx, "succeeded")
			log.Ctx(ctx).Info().Str("queue_id", e.ID).Str("group", group).Int("attempts", e.Attempts).Msg("queued mutation delivered")
			settled(e, nil)

		case errors.Is(err, errPersist):
			return err

		case ctx.Err() != nil || errors.Is(err, errInterrupted):
			if perr := q.requeue(ctx, e, err); perr != nil {
				return perr
			}
			return err

		case apierror.Is(err, apierror.KindAuth):
			if perr := q.requeue(ctx, e, err); perr != nil {
				return perr
			}
			return fmt.Errorf("replay of group %s stopped: %w", group, err)

		case apierror.Is(err, apierror.KindNetwork):
			// the backend was not reached: this does not count against the entry
			e.Attempts--
			recordReplay(ctx, "deferred")
			log.Ctx(ctx).Info().Str("queue_id", e.ID).Str("group", group).Msg("backend unreachable, replay deferred")
			return q.requeue(ctx, e, err)

		case apierror.IsRetryable(err) && e.Attempts < q.maxAttempts:
			recordReplay(ctx, "deferred")
			return q.requeue(ctx, e, err)

		default:
			if err := q.remove(ctx, e.ID); err != nil {
				return fmt.Errorf("%w: %w", errPersist, err)
			}
			e.Status = StatusFailed
			recordReplay(ctx, "failed")
			log.Ctx(ctx).Warn().Err(err).
				Str("queue_id", e.ID).
				Str("group", group).
				Int("attempts", e.Attempts).
				Msg("queued mutation failed terminally, discarded")
			settled(e, err)
		}
	}
}

// replay delivers one entry, retrying server errors with backoff while
// attempts remain. The returned entry carries the updated attempt count.
func (q *Queue) replay(ctx context.Context, e Entry, r Replayer) (Entry, error) {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := q.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %w", errInterrupted, err))
		}

		e.Attempts++
		e.Status = StatusInFlight
		if err := q.update(ctx, e); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %w", errPersist, err))
		}

		err := r.Replay(ctx, e.Descriptor)
		if err == nil {
			return struct{}{}, nil
		}
		e.LastError = err.Error()

		if apierror.Is(err, apierror.KindServer) && e.Attempts < q.maxAttempts {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(q.newBackOff()),
		backoff.WithMaxTries(uint(q.maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Ctx(ctx).Info().Err(err).
				Str("queue_id", e.ID).
				Int("attempts", e.Attempts).
				Dur("wait", wait).
				Msg("replay failed, retrying")
		}),
	)
	return e, err
}

// requeue returns an interrupted entry to pending. It must persist even when
// ctx has ended.
func (q *Queue) requeue(ctx context.Context, e Entry, cause error) error {
	e.Status = StatusPending
	if cause != nil {
		e.LastError = cause.Error()
	}
	if err := q.update(context.WithoutCancel(ctx), e); err != nil {
		return fmt.Errorf("%w: %w", errPersist, err)
	}
	return nil
}
