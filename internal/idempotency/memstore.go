package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with TTL support, for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Begin claims key or resolves it against the stored entry.
func (s *MemoryStore) Begin(_ context.Context, key, bodyHash string, ttl time.Duration) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && s.now().Before(e.expiresAt) {
		return e.data.resolve(key, bodyHash)
	}
	s.entries[key] = memEntry{data: entry{BodyHash: bodyHash}, expiresAt: s.now().Add(ttl)}
	return nil, nil
}

// Complete stores resp under key.
func (s *MemoryStore) Complete(_ context.Context, key, bodyHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{data: entry{BodyHash: bodyHash, Response: &resp}, expiresAt: s.now().Add(ttl)}
	return nil
}

// Abort forgets key.
func (s *MemoryStore) Abort(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
