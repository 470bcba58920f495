package encryption

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// ReloadingAEAD serves a keyset file and picks up a rotated keyset when the
// file's modification time changes. A failed reload keeps the current keyset.
type ReloadingAEAD struct {
	mu      sync.RWMutex
	aead    tink.AEAD
	path    string
	modTime time.Time

	load   func(path string) (tink.AEAD, error)
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReloadingAEAD loads the keyset synchronously and then checks the file
// for changes every interval until Close is called.
func NewReloadingAEAD(ctx context.Context, path string, interval time.Duration) (*ReloadingAEAD, error) {
	return newReloadingAEAD(ctx, path, interval, NewAEADFromFile)
}

func newReloadingAEAD(ctx context.Context, path string, interval time.Duration, load func(string) (tink.AEAD, error)) (*ReloadingAEAD, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading keyset file: %w", err)
	}

	initial, err := load(path)
	if err != nil {
		return nil, err
	}

	r := &ReloadingAEAD{
		aead:    initial,
		path:    path,
		modTime: info.ModTime(),
		load:    load,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go r.watch(ctx, interval)

	return r, nil
}

func (r *ReloadingAEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aead.Encrypt(plaintext, associatedData)
}

func (r *ReloadingAEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aead.Decrypt(ciphertext, associatedData)
}

// Close stops watching the keyset file and waits for the watcher to exit.
func (r *ReloadingAEAD) Close() error {
	close(r.stopCh)
	<-r.doneCh
	return nil
}

func (r *ReloadingAEAD) watch(ctx context.Context, interval time.Duration) {
	defer close(r.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reloadIfChanged()
		}
	}
}

func (r *ReloadingAEAD) reloadIfChanged() {
	info, err := os.Stat(r.path)
	if err != nil {
		log.Warn().Err(err).Str("path", r.path).Msg("keyset file unavailable, continuing with current keyset")
		return
	}
	if !info.ModTime().After(r.modTime) {
		return
	}

	next, err := r.load(r.path)
	if err != nil {
		log.Warn().Err(err).Str("path", r.path).Msg("keyset reload failed, continuing with current keyset")
		return
	}

	r.mu.Lock()
	r.aead = next
	r.modTime = info.ModTime()
	r.mu.Unlock()

	log.Info().Str("path", r.path).Msg("encryption keyset reloaded")
}
