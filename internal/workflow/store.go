package workflow

import (
	"context"

	"github.com/pitabwire/labqms/model"
)

// Store persists workflow instances.
type Store interface {
	// Create persists a new workflow instance.
	Create(ctx context.Context, inst model.WorkflowInstance) error

	// Get retrieves a workflow instance by ID. Returns ENTITY_NOT_FOUND if
	// the instance doesn't exist.
	Get(ctx context.Context, id string) (model.WorkflowInstance, error)

	// Update persists an updated instance with optimistic locking. The
	// instance's RowVersion must match the stored one; the store increments
	// it. Returns CONCURRENT_MODIFICATION if the version has changed.
	Update(ctx context.Context, inst model.WorkflowInstance) error

	// FindBySubject returns the instances for a subject, newest first.
	FindBySubject(ctx context.Context, subject model.Subject) ([]model.WorkflowInstance, error)

	// List returns instances matching the filters, newest first.
	List(ctx context.Context, filters Filters) ([]model.WorkflowInstance, error)
}

// Filters are optional filters for listing workflow instances.
type Filters struct {
	SubjectKind string
	Status      model.WorkflowStatus
	Limit       int
	Offset      int
}
