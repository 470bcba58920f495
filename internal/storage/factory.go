package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rewardly/sync-bridge/internal/config"
	"github.com/rewardly/sync-bridge/internal/encryption"
	"github.com/rs/zerolog/log"
)

const (
	keysetReloadInterval = 15 * time.Minute
	defaultStoreTries    = 3
	defaultStoreWait     = 50 * time.Millisecond
)

// NewFromConfig creates the Store described by cfg. The type must be either
// "sqlite" or "memory"; encryption wraps either when enabled. The result
// always retries transient failures.
func NewFromConfig(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	var store Store

	switch cfg.Type {
	case "sqlite":
		log.Info().
			Str("storage_type", "sqlite").
			Str("path", cfg.Path).
			Msg("initializing persistent storage")

		s, err := NewSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite storage: %w", err)
		}
		store = s

	case "memory":
		log.Warn().
			Str("storage_type", "memory").
			Msg("initializing in-memory storage: queued mutations and sessions will not survive restart")

		store = NewMemory()

	default:
		return nil, fmt.Errorf("invalid storage type %q: must be either \"sqlite\" or \"memory\"", cfg.Type)
	}

	if cfg.Encryption.Enabled {
		aead, err := encryption.NewReloadingAEAD(ctx, cfg.Encryption.KeysetFile, keysetReloadInterval)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("initializing encryption: %w", err)
		}
		store = NewEncrypted(store, aead)

		log.Info().Msg("storage encryption enabled with keyset reload")
	}

	return NewRetrying(store, defaultStoreTries, defaultStoreWait), nil
}
