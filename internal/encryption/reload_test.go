package encryption

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tink-crypto/tink-go/v2/tink"
)

func TestReloadingAEAD_PicksUpRotatedKeyset(t *testing.T) {
	dir := t.TempDir()
	path := writeKeyset(t, dir)

	r, err := NewReloadingAEAD(context.Background(), path, 5*time.Millisecond)
	require.NoError(t, err)
	defer func() { assert.NoError(t, r.Close()) }()

	// rotate: a fresh keyset with a later modification time
	writeKeyset(t, dir)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	rotated, err := NewAEADFromFile(path)
	require.NoError(t, err)
	ct, err := rotated.Encrypt([]byte("payload"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pt, err := r.Decrypt(ct, nil)
		return err == nil && string(pt) == "payload"
	}, time.Second, 5*time.Millisecond)
}

func TestReloadingAEAD_UnchangedFileIsNotReloaded(t *testing.T) {
	path := writeKeyset(t, t.TempDir())

	loads := atomic.Int32{}
	load := func(p string) (tink.AEAD, error) {
		loads.Add(1)
		return NewAEADFromFile(p)
	}

	r, err := newReloadingAEAD(context.Background(), path, 5*time.Millisecond, load)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, r.Close())

	assert.Equal(t, int32(1), loads.Load())
}

func TestReloadingAEAD_FailedReloadKeepsCurrent(t *testing.T) {
	path := writeKeyset(t, t.TempDir())
	original := &fakeAEAD{}

	loads := atomic.Int32{}
	load := func(string) (tink.AEAD, error) {
		if loads.Add(1) == 1 {
			return original, nil
		}
		return nil, errors.New("corrupt keyset")
	}

	r, err := newReloadingAEAD(context.Background(), path, 5*time.Millisecond, load)
	require.NoError(t, err)
	defer func() { assert.NoError(t, r.Close()) }()

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool { return loads.Load() >= 2 }, time.Second, 5*time.Millisecond)

	r.mu.RLock()
	active := r.aead
	r.mu.RUnlock()
	assert.Same(t, original, active)
}

func TestReloadingAEAD_InitialLoadFailure(t *testing.T) {
	path := writeKeyset(t, t.TempDir())
	loadErr := errors.New("bad keyset")

	r, err := newReloadingAEAD(context.Background(), path, time.Hour, func(string) (tink.AEAD, error) {
		return nil, loadErr
	})

	assert.Nil(t, r)
	assert.ErrorIs(t, err, loadErr)
}

func TestReloadingAEAD_ConcurrentAccess(t *testing.T) {
	path := writeKeyset(t, t.TempDir())

	r, err := NewReloadingAEAD(context.Background(), path, time.Millisecond)
	require.NoError(t, err)
	defer func() { assert.NoError(t, r.Close()) }()

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			for range 20 {
				ct, err := r.Encrypt([]byte("data"), []byte("aad"))
				if assert.NoError(t, err) {
					_, err = r.Decrypt(ct, []byte("aad"))
					assert.NoError(t, err)
				}
			}
		})
	}
	wg.Wait()
}
