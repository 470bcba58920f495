package queue_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rewardly/sync-bridge/internal/queue"
	"github.com/rewardly/sync-bridge/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	s := queue.NewKVStore(storage.NewMemory())

	a := queue.Entry{ID: "a", Descriptor: mutation(t, "/cart/add", "k-a"), Status: queue.StatusPending}
	b := queue.Entry{ID: "b", Descriptor: mutation(t, "/cart/remove", "k-b"), Status: queue.StatusPending}

	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))

	a.Attempts = 2
	require.NoError(t, s.Save(ctx, a))

	entries, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, "b", entries[1].ID)
	assert.Equal(t, "k-b", entries[1].Descriptor.IdempotencyKey)

	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "never-saved"))

	entries, err = s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].ID)
}

func TestKVStore_DropsMissingRecords(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	s := queue.NewKVStore(kv)

	require.NoError(t, s.Save(ctx, queue.Entry{ID: "a", Descriptor: mutation(t, "/cart/add", "k-a")}))
	require.NoError(t, s.Save(ctx, queue.Entry{ID: "b", Descriptor: mutation(t, "/cart/add", "k-b")}))

	// simulate a crash between removing the record and updating the index
	require.NoError(t, kv.Remove(ctx, "queue.entry.a"))

	entries, err := queue.NewKVStore(kv).Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].ID)

	raw, found, err := kv.Get(ctx, "queue.index")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `["b"]`, string(raw))
}

func TestKVStore_CorruptIndex(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	require.NoError(t, kv.Set(ctx, "queue.index", []byte("not json")))

	_, err := queue.NewKVStore(kv).Load(ctx)
	assert.ErrorContains(t, err, "decoding queue index")
}

func TestQueue_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	db, err := storage.NewSQLite(ctx, path)
	require.NoError(t, err)

	q, err := queue.New(ctx, queue.NewKVStore(db))
	require.NoError(t, err)

	var ids []string
	for _, d := range []struct{ path, key string }{
		{"/cart/add", "k-1"},
		{"/wallet/topup", "k-2"},
		{"/cart/remove", "k-3"},
	} {
		id, err := q.Enqueue(ctx, mutation(t, d.path, d.key))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, db.Close())

	db, err = storage.NewSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	restarted, err := queue.New(ctx, queue.NewKVStore(db))
	require.NoError(t, err)

	pending := restarted.Pending()
	require.Len(t, pending, 3)
	for i, e := range pending {
		assert.Equal(t, ids[i], e.ID)
		assert.Equal(t, queue.StatusPending, e.Status)
	}
	assert.Equal(t, "k-1", pending[0].Descriptor.IdempotencyKey)
	assert.Equal(t, "k-3", pending[2].Descriptor.IdempotencyKey)
	assert.True(t, restarted.HasPending("/cart"))
}
