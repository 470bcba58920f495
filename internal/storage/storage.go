// Package storage provides the scoped key-value storage used to persist
// session tokens and the offline mutation queue.
package storage

import (
	"context"
)

// Store is a key-value store with no implicit retry semantics.
type Store interface {
	// Get retrieves a value. Returns the value, whether it was found, and any
	// error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value, replacing any existing value for the key.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes a value. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Clear removes every value.
	Clear(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
