package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/model"
)

// MemoryStore is an in-memory Store for testing and single-process use.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
}

// NewMemoryStore creates a new in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]model.WorkflowInstance),
	}
}

// Create persists a new workflow instance.
func (s *MemoryStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("workflow instance %q already exists", inst.ID)
	}
	s.instances[inst.ID] = inst

	storage.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.instances, inst.ID)
	})
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return model.WorkflowInstance{}, model.NewEntityNotFoundError("workflow instance", id)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryStore) Update(ctx context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewEntityNotFoundError("workflow instance", inst.ID)
	}

	// Optimistic lock check.
	if existing.RowVersion != inst.RowVersion {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.RowVersion, existing.RowVersion), nil)
	}

	inst.RowVersion++
	s.instances[inst.ID] = inst

	storage.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.instances[inst.ID] = existing
	})
	return nil
}

// FindBySubject returns the subject's instances, newest first.
func (s *MemoryStore) FindBySubject(_ context.Context, subject model.Subject) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Subject == subject {
			result = append(result, inst)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(result)
	return result, nil
}

// List returns instances matching the filters.
func (s *MemoryStore) List(_ context.Context, filters Filters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if filters.SubjectKind != "" && inst.Subject.Kind != filters.SubjectKind {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		result = append(result, inst)
	}
	s.mu.RUnlock()

	sortNewestFirst(result)

	// Apply offset and limit.
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func sortNewestFirst(result []model.WorkflowInstance) {
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
}
