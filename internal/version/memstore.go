package version

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/model"
)

// MemoryStore is an in-memory Store for testing and single-process use.
// Entity locks are per entity, so revising one entity never waits on
// another.
type MemoryStore struct {
	mu          sync.RWMutex
	entities    map[string]model.VersionedEntity
	numbers     map[string]string
	revisions   map[string][]model.RevisionRecord
	locks       *storage.KeyedMutex
	lockTimeout time.Duration
}

// NewMemoryStore creates an empty store. lockTimeout bounds the wait for an
// entity lock; zero waits until the context is done.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		entities:    make(map[string]model.VersionedEntity),
		numbers:     make(map[string]string),
		revisions:   make(map[string][]model.RevisionRecord),
		locks:       storage.NewKeyedMutex(),
		lockTimeout: lockTimeout,
	}
}

// Create persists a new entity and its first revision.
func (s *MemoryStore) Create(ctx context.Context, e model.VersionedEntity, first model.RevisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[e.ID]; exists {
		return fmt.Errorf("entity %q already exists", e.ID)
	}
	if other, exists := s.numbers[e.Number]; exists {
		return fmt.Errorf("number %q already assigned to entity %q", e.Number, other)
	}

	s.entities[e.ID] = e
	s.numbers[e.Number] = e.ID
	s.revisions[e.ID] = []model.RevisionRecord{first}

	storage.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.entities, e.ID)
		delete(s.numbers, e.Number)
		delete(s.revisions, e.ID)
	})
	return nil
}

// Get reads an entity.
func (s *MemoryStore) Get(_ context.Context, id string) (model.VersionedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return model.VersionedEntity{}, model.NewEntityNotFoundError("entity", id)
	}
	return e, nil
}

// GetForUpdate takes the entity lock for the rest of the transaction and
// reads the entity.
func (s *MemoryStore) GetForUpdate(ctx context.Context, id string) (model.VersionedEntity, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return model.VersionedEntity{}, err
	}

	lockCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	if err := storage.LockInTx(lockCtx, s.locks, id); err != nil {
		return model.VersionedEntity{}, fmt.Errorf("lock entity %q: %w", id, err)
	}
	return s.Get(ctx, id)
}

// Update writes e if its row version is current.
func (s *MemoryStore) Update(ctx context.Context, e model.VersionedEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entities[e.ID]
	if !ok {
		return model.NewEntityNotFoundError("entity", e.ID)
	}
	if prev.RowVersion != e.RowVersion {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("entity %q version conflict (expected %d, got %d)", e.ID, e.RowVersion, prev.RowVersion), nil)
	}

	e.RowVersion++
	s.entities[e.ID] = e

	storage.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.entities[e.ID] = prev
	})
	return nil
}

// LastRevision returns the highest-numbered revision.
func (s *MemoryStore) LastRevision(_ context.Context, entityID string) (model.RevisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs := s.revisions[entityID]
	if len(revs) == 0 {
		return model.RevisionRecord{}, model.NewEntityNotFoundError("revision history", entityID)
	}
	last := revs[0]
	for _, r := range revs[1:] {
		if r.RevisionNumber > last.RevisionNumber {
			last = r
		}
	}
	return last, nil
}

// AppendRevision appends a revision unless its number is already taken.
func (s *MemoryStore) AppendRevision(ctx context.Context, r model.RevisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.revisions[r.EntityID] {
		if existing.RevisionNumber == r.RevisionNumber {
			return model.NewConcurrentModificationError(
				fmt.Sprintf("revision %d of entity %q already exists", r.RevisionNumber, r.EntityID), nil)
		}
	}
	s.revisions[r.EntityID] = append(s.revisions[r.EntityID], r)

	storage.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.revisions[r.EntityID] = slices.DeleteFunc(s.revisions[r.EntityID], func(x model.RevisionRecord) bool {
			return x.ID == r.ID
		})
	})
	return nil
}

// History returns the revisions ordered by revision number.
func (s *MemoryStore) History(_ context.Context, entityID string) ([]model.RevisionRecord, error) {
	s.mu.RLock()
	out := slices.Clone(s.revisions[entityID])
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RevisionNumber < out[j].RevisionNumber })
	return out, nil
}

// List returns entities of one kind, newest first.
func (s *MemoryStore) List(_ context.Context, kind string, filters ListFilters) ([]model.VersionedEntity, error) {
	s.mu.RLock()
	var out []model.VersionedEntity
	for _, e := range s.entities {
		if e.Kind != kind {
			continue
		}
		if filters.Status != "" && e.Status != filters.Status {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Number > out[j].Number
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return nil, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}
