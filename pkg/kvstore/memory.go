package kvstore

import (
	"context"
	"sync"
)

type memoryEntry struct {
	value []byte
	rev   int64
}

// MemoryStore is an in-process Store used in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	return append([]byte(nil), entry.value...), entry.rev, nil
}

func (s *MemoryStore) SetIfRevision(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[key]
	if entry.rev != expected {
		return 0, ErrRevisionMismatch
	}
	entry.rev++
	entry.value = append([]byte(nil), value...)
	s.entries[key] = entry
	return entry.rev, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
