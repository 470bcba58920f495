package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownHooks_AddContext(t *testing.T) {
	t.Run("adds hook successfully", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		called := false

		hooks.AddContext("test", func(ctx context.Context) error {
			called = true
			return nil
		})

		require.Equal(t, 1, hooks.Len())
		assert.Equal(t, "test", hooks.hooks[0].name)

		hooks.Execute(context.Background())
		assert.True(t, called, "hook should have been called")
	})

	t.Run("ignores nil hook", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		hooks.AddContext("nil-hook", nil)
		assert.Equal(t, 0, hooks.Len(), "nil hook should not be added")
	})
}

func TestShutdownHooks_Add(t *testing.T) {
	t.Run("ignores nil hook", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		hooks.Add("nil-hook", nil)
		assert.Equal(t, 0, hooks.Len())
	})

	t.Run("wrapped hook returns error", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		expectedErr := errors.New("test error")

		hooks.Add("error-hook", func() error {
			return expectedErr
		})

		require.Equal(t, 1, hooks.Len())
		assert.Equal(t, expectedErr, hooks.hooks[0].fn(context.Background()))
	})
}

func TestShutdownHooks_AddClose(t *testing.T) {
	t.Run("calls Close", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		closer := &mockCloser{}

		hooks.AddClose("store", closer)
		hooks.Execute(context.Background())

		assert.Equal(t, 1, closer.calls)
	})

	t.Run("propagates close errors to the hook", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		hooks.AddClose("store", &mockCloser{err: errors.New("database is locked")})

		err := hooks.hooks[0].fn(context.Background())
		assert.EqualError(t, err, "database is locked")
	})

	t.Run("ignores nil closer", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		hooks.AddClose("nil-closer", nil)
		assert.Equal(t, 0, hooks.Len())
	})
}

func TestShutdownHooks_Execute(t *testing.T) {
	t.Run("runs hooks in reverse order", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		var order []string

		hooks.Add("storage", func() error {
			order = append(order, "storage")
			return nil
		})
		hooks.Add("cache", func() error {
			order = append(order, "cache")
			return nil
		})
		hooks.AddClose("queue", &mockCloser{onClose: func() { order = append(order, "queue") }})

		hooks.Execute(context.Background())

		assert.Equal(t, []string{"queue", "cache", "storage"}, order)
	})

	t.Run("continues when a hook fails", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		var executed []string

		hooks.Add("first", func() error {
			executed = append(executed, "first")
			return nil
		})
		hooks.Add("failing", func() error {
			executed = append(executed, "failing")
			return errors.New("hook failed")
		})
		hooks.Add("third", func() error {
			executed = append(executed, "third")
			return nil
		})

		hooks.Execute(context.Background())

		assert.Equal(t, []string{"third", "failing", "first"}, executed)
	})

	t.Run("passes context to hooks", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		type ctxKey struct{}

		var received string
		hooks.AddContext("ctx-check", func(ctx context.Context) error {
			received = ctx.Value(ctxKey{}).(string)
			return nil
		})

		hooks.Execute(context.WithValue(context.Background(), ctxKey{}, "test-value"))

		assert.Equal(t, "test-value", received)
	})

	t.Run("runs each hook once", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		closer := &mockCloser{}
		hooks.AddClose("store", closer)

		hooks.Execute(context.Background())
		hooks.Execute(context.Background())

		assert.Equal(t, 1, closer.calls)
		assert.Equal(t, 0, hooks.Len())
	})

	t.Run("handles empty hooks list", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		hooks.Execute(context.Background())
	})
}

type mockCloser struct {
	calls   int
	err     error
	onClose func()
}

func (m *mockCloser) Close() error {
	m.calls++
	if m.onClose != nil {
		m.onClose()
	}
	return m.err
}
