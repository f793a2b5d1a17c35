package signature

import (
	"context"

	"github.com/pitabwire/labqms/model"
)

// Store persists signature records. Records are never updated or deleted
// once the enclosing transaction commits.
type Store interface {
	// Append persists a new record. It joins the transaction carried by ctx.
	Append(ctx context.Context, rec model.SignatureRecord) error

	// List returns every record for a subject ordered by (sequence, signed_at).
	List(ctx context.Context, subject model.Subject) ([]model.SignatureRecord, error)

	// ListForVersion returns the records made against one subject version,
	// ordered by (sequence, signed_at).
	ListForVersion(ctx context.Context, subject model.Subject, v model.Version) ([]model.SignatureRecord, error)
}
