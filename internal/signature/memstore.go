package signature

import (
	"context"
	"slices"
	"sync"

	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/model"
)

// MemoryStore is an in-memory Store for testing and single-process use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[model.Subject][]model.SignatureRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[model.Subject][]model.SignatureRecord)}
}

// Append adds a record and registers its removal if the enclosing
// transaction rolls back.
func (s *MemoryStore) Append(ctx context.Context, rec model.SignatureRecord) error {
	s.mu.Lock()
	s.records[rec.Subject] = append(s.records[rec.Subject], rec)
	s.mu.Unlock()

	storage.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.records[rec.Subject] = slices.DeleteFunc(s.records[rec.Subject], func(r model.SignatureRecord) bool {
			return r.ID == rec.ID
		})
	})
	return nil
}

// List returns a copy of the subject's records.
func (s *MemoryStore) List(_ context.Context, subject model.Subject) ([]model.SignatureRecord, error) {
	s.mu.RLock()
	out := slices.Clone(s.records[subject])
	s.mu.RUnlock()

	sortRecords(out)
	return out, nil
}

// ListForVersion returns the subject's records for one version.
func (s *MemoryStore) ListForVersion(_ context.Context, subject model.Subject, v model.Version) ([]model.SignatureRecord, error) {
	s.mu.RLock()
	var out []model.SignatureRecord
	for _, r := range s.records[subject] {
		if r.Version() == v {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sortRecords(out)
	return out, nil
}
