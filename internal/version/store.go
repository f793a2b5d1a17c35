package version

import (
	"context"

	"github.com/pitabwire/labqms/model"
)

// Store persists versioned entities and their revision history. Every
// method joins the transaction carried by ctx.
type Store interface {
	// Create persists a new entity together with its first revision.
	Create(ctx context.Context, e model.VersionedEntity, first model.RevisionRecord) error

	// Get reads an entity without locking it. Returns ENTITY_NOT_FOUND if
	// it does not exist.
	Get(ctx context.Context, id string) (model.VersionedEntity, error)

	// GetForUpdate reads an entity and holds its entity-scoped lock until
	// the enclosing transaction ends.
	GetForUpdate(ctx context.Context, id string) (model.VersionedEntity, error)

	// Update writes e if the stored row version equals e.RowVersion, then
	// increments it. Returns CONCURRENT_MODIFICATION otherwise.
	Update(ctx context.Context, e model.VersionedEntity) error

	// LastRevision returns the revision with the highest revision number.
	LastRevision(ctx context.Context, entityID string) (model.RevisionRecord, error)

	// AppendRevision appends a revision record.
	AppendRevision(ctx context.Context, r model.RevisionRecord) error

	// History returns an entity's revisions ordered by revision number.
	History(ctx context.Context, entityID string) ([]model.RevisionRecord, error)

	// List returns entities of one kind, newest first.
	List(ctx context.Context, kind string, filters ListFilters) ([]model.VersionedEntity, error)
}

// ListFilters are optional filters for listing entities.
type ListFilters struct {
	Status model.EntityStatus
	Limit  int
	Offset int
}
