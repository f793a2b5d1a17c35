package sequence

import (
	"context"
	"sync"
)

type counterKey struct {
	prefix string
	year   int
}

// MemoryCounterStore is an in-memory CounterStore for tests and single
// process deployments. The mutex is held only for the increment itself.
//
// Increments are not rolled back with an enclosing transaction: undoing a
// shared counter after another caller has advanced it would reissue a number.
// A failed transaction leaves a gap instead.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[counterKey]int64
}

// NewMemoryCounterStore creates an empty store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[counterKey]int64)}
}

// Increment adds one to the counter and returns the new value.
func (s *MemoryCounterStore) Increment(ctx context.Context, prefix string, year int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := counterKey{prefix: prefix, year: year}
	s.counters[k]++
	return s.counters[k], nil
}

// Current returns the last issued value, or zero.
func (s *MemoryCounterStore) Current(_ context.Context, prefix string, year int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey{prefix: prefix, year: year}], nil
}
