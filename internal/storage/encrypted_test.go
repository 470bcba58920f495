package storage_test

import (
	"context"
	"testing"

	"github.com/rewardly/sync-bridge/internal/encryption"
	"github.com/rewardly/sync-bridge/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEncrypted(t *testing.T) (*storage.Encrypted, *storage.Memory) {
	t.Helper()

	aead, err := encryption.NewTestAEAD()
	require.NoError(t, err)

	inner := storage.NewMemory()
	return storage.NewEncrypted(inner, aead), inner
}

func TestEncrypted_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, inner := newEncrypted(t)

	require.NoError(t, s.Set(ctx, "session.refreshToken", []byte("secret-refresh")))

	v, found, err := s.Get(ctx, "session.refreshToken")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "secret-refresh", string(v))

	raw, found, err := inner.Get(ctx, "enc:session.refreshToken")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotContains(t, string(raw), "secret-refresh")
	assert.Contains(t, string(raw), "sb-enc:")
}

func TestEncrypted_Missing(t *testing.T) {
	s, _ := newEncrypted(t)

	_, found, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEncrypted_SwappedValueIsRejected(t *testing.T) {
	ctx := context.Background()
	s, inner := newEncrypted(t)

	require.NoError(t, s.Set(ctx, "a", []byte("value-a")))
	raw, _, err := inner.Get(ctx, "enc:a")
	require.NoError(t, err)

	// ciphertext is bound to its key
	require.NoError(t, inner.Set(ctx, "enc:b", raw))

	_, found, err := s.Get(ctx, "b")
	assert.ErrorContains(t, err, "decryption failure")
	assert.False(t, found)

	_, found, err = inner.Get(ctx, "enc:b")
	require.NoError(t, err)
	assert.False(t, found, "undecryptable entry should be removed")
}

func TestEncrypted_PlaintextIsRejected(t *testing.T) {
	ctx := context.Background()
	s, inner := newEncrypted(t)

	require.NoError(t, inner.Set(ctx, "enc:legacy", []byte("plaintext")))

	_, _, err := s.Get(ctx, "legacy")
	assert.ErrorContains(t, err, "may be unencrypted")
}

func TestEncrypted_Remove(t *testing.T) {
	ctx := context.Background()
	s, _ := newEncrypted(t)

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Remove(ctx, "k"))

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}
