package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/rewardly/sync-bridge/internal/storage"
	"github.com/rs/zerolog/log"
)

// Store persists queue entries. Load returns entries in insertion order.
type Store interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, e Entry) error
	Delete(ctx context.Context, id string) error
}

const (
	indexKey       = "queue.index"
	entryKeyPrefix = "queue.entry."
)

// KVStore keeps the queue in a key-value store: an index of entry ids in
// insertion order, and one record per entry.
type KVStore struct {
	kv storage.Store

	mu     sync.Mutex
	index  []string
	loaded bool
}

func NewKVStore(kv storage.Store) *KVStore {
	return &KVStore{kv: kv}
}

// Load reads every indexed entry. Records missing or unreadable after a crash
// are dropped from the index.
func (s *KVStore) Load(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(index))
	kept := make([]string, 0, len(index))
	for _, id := range index {
		raw, found, err := s.kv.Get(ctx, entryKeyPrefix+id)
		if err != nil {
			return nil, fmt.Errorf("reading queue entry %s: %w", id, err)
		}
		if !found {
			log.Ctx(ctx).Warn().Str("queue_id", id).Msg("queue entry missing from storage, dropping")
			continue
		}

		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("queue_id", id).Msg("queue entry unreadable, dropping")
			continue
		}

		entries = append(entries, e)
		kept = append(kept, id)
	}

	if len(kept) != len(index) {
		if err := s.writeIndex(ctx, kept); err != nil {
			return nil, err
		}
	}
	s.index = kept
	s.loaded = true

	return entries, nil
}

// Save writes the entry record before indexing it, so the index never refers
// to a record that was not written.
func (s *KVStore) Save(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding queue entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIndex(ctx); err != nil {
		return err
	}

	if err := s.kv.Set(ctx, entryKeyPrefix+e.ID, raw); err != nil {
		return fmt.Errorf("writing queue entry %s: %w", e.ID, err)
	}

	if slices.Contains(s.index, e.ID) {
		return nil
	}
	return s.writeIndex(ctx, append(slices.Clone(s.index), e.ID))
}

// Delete unindexes the entry before removing its record.
func (s *KVStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIndex(ctx); err != nil {
		return err
	}

	if i := slices.Index(s.index, id); i >= 0 {
		if err := s.writeIndex(ctx, slices.Delete(slices.Clone(s.index), i, i+1)); err != nil {
			return err
		}
	}

	if err := s.kv.Remove(ctx, entryKeyPrefix+id); err != nil {
		return fmt.Errorf("removing queue entry %s: %w", id, err)
	}
	return nil
}

func (s *KVStore) ensureIndex(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	index, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	s.index = index
	s.loaded = true
	return nil
}

func (s *KVStore) readIndex(ctx context.Context) ([]string, error) {
	raw, found, err := s.kv.Get(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("reading queue index: %w", err)
	}
	if !found {
		return nil, nil
	}

	var index []string
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("decoding queue index: %w", err)
	}
	return index, nil
}

func (s *KVStore) writeIndex(ctx context.Context, index []string) error {
	raw, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encoding queue index: %w", err)
	}
	if err := s.kv.Set(ctx, indexKey, raw); err != nil {
		return fmt.Errorf("writing queue index: %w", err)
	}
	s.index = index
	return nil
}
