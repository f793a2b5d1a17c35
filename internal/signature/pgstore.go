package signature

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	db *storage.PgDB
}

// NewPgStore creates a PostgreSQL signature store.
func NewPgStore(db *storage.PgDB) *PgStore {
	return &PgStore{db: db}
}

// Append inserts a record.
func (s *PgStore) Append(ctx context.Context, rec model.SignatureRecord) error {
	_, err := s.db.Conn(ctx).Exec(ctx, `
		INSERT INTO signature_records (
			id, subject_kind, subject_id, workflow_id, role, signer_id,
			major_version, minor_version, sequence, hash,
			is_approved, comments, signed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.Subject.Kind, rec.Subject.ID, rec.WorkflowID, string(rec.Role), rec.SignerID,
		rec.MajorVersion, rec.MinorVersion, rec.Sequence, string(rec.Hash),
		rec.IsApproved, rec.Comments, rec.SignedAt,
	)
	if err != nil {
		return fmt.Errorf("insert signature record: %w", err)
	}
	return nil
}

const selectSignatures = `
	SELECT id, subject_kind, subject_id, workflow_id, role, signer_id,
	       major_version, minor_version, sequence, hash,
	       is_approved, comments, signed_at
	FROM signature_records`

// List returns the subject's records.
func (s *PgStore) List(ctx context.Context, subject model.Subject) ([]model.SignatureRecord, error) {
	rows, err := s.db.Conn(ctx).Query(ctx, selectSignatures+`
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY sequence, signed_at`,
		subject.Kind, subject.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("query signature records: %w", err)
	}
	return scanRecords(rows)
}

// ListForVersion returns the subject's records for one version.
func (s *PgStore) ListForVersion(ctx context.Context, subject model.Subject, v model.Version) ([]model.SignatureRecord, error) {
	rows, err := s.db.Conn(ctx).Query(ctx, selectSignatures+`
		WHERE subject_kind = $1 AND subject_id = $2
		  AND major_version = $3 AND minor_version = $4
		ORDER BY sequence, signed_at`,
		subject.Kind, subject.ID, v.Major, v.Minor,
	)
	if err != nil {
		return nil, fmt.Errorf("query signature records: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]model.SignatureRecord, error) {
	defer rows.Close()

	var out []model.SignatureRecord
	for rows.Next() {
		var r model.SignatureRecord
		var role, hash string
		if err := rows.Scan(
			&r.ID, &r.Subject.Kind, &r.Subject.ID, &r.WorkflowID, &role, &r.SignerID,
			&r.MajorVersion, &r.MinorVersion, &r.Sequence, &hash,
			&r.IsApproved, &r.Comments, &r.SignedAt,
		); err != nil {
			return nil, fmt.Errorf("scan signature record: %w", err)
		}
		r.Role = model.Role(role)
		r.Hash = model.AuditHash(hash)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signature records: %w", err)
	}
	return out, nil
}
