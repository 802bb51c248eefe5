// Package kv provides versioned key-value stores used for history
// persistence.
package kv

import (
	"context"
	"sync"

	"pagechat/internal/domain"
)

var (
	_ domain.KVStore = (*MemoryStore)(nil)
	_ domain.KVStore = (*SQLiteStore)(nil)
	_ domain.KVStore = (*RedisStore)(nil)
)

type memoryEntry struct {
	value   []byte
	version int64
}

// MemoryStore is an in-process KVStore. Values are copied in and out.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, 0, nil
	}
	return append([]byte(nil), e.value...), e.version, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, version int64, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[key].version != version {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: append([]byte(nil), value...), version: version + 1}
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }
