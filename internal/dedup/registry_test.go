package dedup_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rewardly/sync-bridge/internal/dedup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CollapsesConcurrentCalls(t *testing.T) {
	r := dedup.NewRegistry[string]()
	release := make(chan struct{})
	started := make(chan struct{})
	calls := atomic.Int32{}

	work := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "result", nil
	}

	const n = 20
	results := make([]string, n)
	shared := make([]bool, n)

	var wg sync.WaitGroup
	wg.Go(func() {
		results[0], shared[0], _ = r.Do(context.Background(), "GET /products", work)
	})
	<-started

	for i := 1; i < n; i++ {
		wg.Go(func() {
			var err error
			results[i], shared[i], err = r.Do(context.Background(), "GET /products", work)
			assert.NoError(t, err)
		})
	}

	require.Eventually(t, func() bool { return r.Waiting("GET /products") == n }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range n {
		assert.Equal(t, "result", results[i])
	}
	for i := 1; i < n; i++ {
		assert.True(t, shared[i])
	}
	assert.Equal(t, 0, r.InFlight())
}

func TestRegistry_ErrorsAreShared(t *testing.T) {
	r := dedup.NewRegistry[int]()
	release := make(chan struct{})
	failure := errors.New("server error")

	work := func(context.Context) (int, error) {
		<-release
		return 0, failure
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Go(func() {
			_, _, errs[i] = r.Do(context.Background(), "k", work)
		})
	}

	require.Eventually(t, func() bool { return r.Waiting("k") == len(errs) }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, failure)
	}
}

func TestRegistry_SettledKeyStartsFreshWork(t *testing.T) {
	r := dedup.NewRegistry[int]()
	calls := 0
	work := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	first, shared, err := r.Do(context.Background(), "k", work)
	require.NoError(t, err)
	assert.False(t, shared)

	second, _, err := r.Do(context.Background(), "k", work)
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, 0, r.InFlight())
}

func TestRegistry_CancelledWaiterDetachesWhileOthersWait(t *testing.T) {
	r := dedup.NewRegistry[string]()
	release := make(chan struct{})
	workCancelled := atomic.Bool{}

	work := func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			workCancelled.Store(true)
			return "", ctx.Err()
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := r.Do(leaderCtx, "k", work)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return r.InFlight() == 1 }, time.Second, time.Millisecond)

	followerResult := make(chan string, 1)
	go func() {
		v, _, err := r.Do(context.Background(), "k", work)
		assert.NoError(t, err)
		followerResult <- v
	}()
	require.Eventually(t, func() bool { return r.Waiting("k") == 2 }, time.Second, time.Millisecond)

	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	assert.Equal(t, "done", <-followerResult)
	assert.False(t, workCancelled.Load())
}

func TestRegistry_LastWaiterCancelsWork(t *testing.T) {
	r := dedup.NewRegistry[string]()
	workCancelled := make(chan struct{})

	work := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		close(workCancelled)
		return "", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := r.Do(ctx, "k", work)
		done <- err
	}()
	require.Eventually(t, func() bool { return r.InFlight() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	select {
	case <-workCancelled:
	case <-time.After(time.Second):
		t.Fatal("work was not cancelled")
	}
	assert.Equal(t, 0, r.InFlight())
}

func TestRegistry_WorkKeepsContextValues(t *testing.T) {
	type key struct{}
	r := dedup.NewRegistry[string]()

	ctx := context.WithValue(context.Background(), key{}, "trace-1")
	v, _, err := r.Do(ctx, "k", func(ctx context.Context) (string, error) {
		return ctx.Value(key{}).(string), nil
	})

	require.NoError(t, err)
	assert.Equal(t, "trace-1", v)
}
