package cache

import (
	"fmt"

	"github.com/rewardly/sync-bridge/internal/config"
	"github.com/rs/zerolog/log"
)

// NewFromConfig creates the instrumented response cache described by cfg.
func NewFromConfig[T any](cfg config.CacheConfig) (TaggedCache[T], error) {
	log.Info().
		Str("cache_type", "memory").
		Int("max_entries", cfg.MaxEntries).
		Dur("default_ttl", cfg.DefaultTTL()).
		Msg("initializing response cache")

	memory, err := NewMemory[T](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}

	return NewInstrumented(memory, "memory"), nil
}
