// Package cache stores successful read responses, keyed by request signature
// and labelled with the tags of the resource families they belong to.
package cache

import (
	"context"
	"time"
)

// Version identifies a point in the cache's invalidation history. A value
// fetched after Version v was observed may be stored with PutIfFresh(v): the
// put is refused if any of its tags was invalidated in the meantime.
type Version uint64

// TaggedCache is a response cache with tag-based invalidation. Expiry is lazy:
// entries are checked on read, never by a background timer.
type TaggedCache[T any] interface {
	// Get returns the value for key unless it has expired or one of its tags
	// has been invalidated since it was stored.
	Get(ctx context.Context, key string) (T, bool, error)

	// Put stores value under key with the given tags for ttl.
	Put(ctx context.Context, key string, value T, tags []string, ttl time.Duration) error

	// PutIfFresh stores value only if none of its tags were invalidated, and
	// the cache was not cleared, after since. It reports whether the value was
	// stored.
	PutIfFresh(ctx context.Context, key string, value T, tags []string, ttl time.Duration, since Version) (bool, error)

	// Version returns the current invalidation version.
	Version() Version

	// InvalidateTags evicts every entry carrying any of the tags. Entries
	// stored earlier are never returned again.
	InvalidateTags(ctx context.Context, tags ...string) error

	// Clear evicts every entry.
	Clear(ctx context.Context) error

	// Close releases any resources held by the cache.
	Close() error
}
