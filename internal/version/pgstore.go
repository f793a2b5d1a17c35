package version

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/model"
)

// PgStore is a PostgreSQL-backed Store. Entity locks are row locks taken
// with SELECT ... FOR UPDATE and bounded by the transaction's lock_timeout.
type PgStore struct {
	db *storage.PgDB
}

// NewPgStore creates a PostgreSQL entity store.
func NewPgStore(db *storage.PgDB) *PgStore {
	return &PgStore{db: db}
}

// Create inserts the entity and its first revision.
func (s *PgStore) Create(ctx context.Context, e model.VersionedEntity, first model.RevisionRecord) error {
	return s.db.InTx(ctx, func(ctx context.Context) error {
		_, err := s.db.Conn(ctx).Exec(ctx, `
			INSERT INTO versioned_entities (
				id, kind, number, title, owner,
				major_version, minor_version, status, effective_date,
				created_at, updated_at, row_version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			e.ID, e.Kind, e.Number, e.Title, e.Owner,
			e.MajorVersion, e.MinorVersion, string(e.Status), e.EffectiveDate,
			e.CreatedAt, e.UpdatedAt, e.RowVersion,
		)
		if err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}
		return s.AppendRevision(ctx, first)
	})
}

const selectEntity = `
	SELECT id, kind, number, title, owner,
	       major_version, minor_version, status, effective_date,
	       created_at, updated_at, row_version
	FROM versioned_entities`

// Get reads an entity.
func (s *PgStore) Get(ctx context.Context, id string) (model.VersionedEntity, error) {
	return scanEntity(s.db.Conn(ctx).QueryRow(ctx, selectEntity+` WHERE id = $1`, id), id)
}

// GetForUpdate reads and row-locks an entity.
func (s *PgStore) GetForUpdate(ctx context.Context, id string) (model.VersionedEntity, error) {
	return scanEntity(s.db.Conn(ctx).QueryRow(ctx, selectEntity+` WHERE id = $1 FOR UPDATE`, id), id)
}

// Update writes e with an optimistic row version check.
func (s *PgStore) Update(ctx context.Context, e model.VersionedEntity) error {
	tag, err := s.db.Conn(ctx).Exec(ctx, `
		UPDATE versioned_entities SET
			title = $1,
			major_version = $2,
			minor_version = $3,
			status = $4,
			effective_date = $5,
			updated_at = $6,
			row_version = row_version + 1
		WHERE id = $7 AND row_version = $8`,
		e.Title, e.MajorVersion, e.MinorVersion, string(e.Status), e.EffectiveDate,
		e.UpdatedAt, e.ID, e.RowVersion,
	)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("entity %q version conflict (expected %d)", e.ID, e.RowVersion), nil)
	}
	return nil
}

const selectRevision = `
	SELECT id, entity_id, major_version, minor_version, revision_number,
	       revised_by, change_description, COALESCE(predecessor_id, ''), created_at
	FROM revision_records`

// LastRevision returns the highest-numbered revision.
func (s *PgStore) LastRevision(ctx context.Context, entityID string) (model.RevisionRecord, error) {
	var r model.RevisionRecord
	err := s.db.Conn(ctx).QueryRow(ctx, selectRevision+`
		WHERE entity_id = $1
		ORDER BY revision_number DESC
		LIMIT 1`, entityID,
	).Scan(revisionDest(&r)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RevisionRecord{}, model.NewEntityNotFoundError("revision history", entityID)
	}
	if err != nil {
		return model.RevisionRecord{}, fmt.Errorf("query last revision: %w", err)
	}
	return r, nil
}

// AppendRevision inserts a revision. The (entity_id, revision_number)
// unique constraint backs up the entity lock.
func (s *PgStore) AppendRevision(ctx context.Context, r model.RevisionRecord) error {
	var predecessor *string
	if r.PredecessorID != "" {
		predecessor = &r.PredecessorID
	}
	_, err := s.db.Conn(ctx).Exec(ctx, `
		INSERT INTO revision_records (
			id, entity_id, major_version, minor_version, revision_number,
			revised_by, change_description, predecessor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.EntityID, r.MajorVersion, r.MinorVersion, r.RevisionNumber,
		r.RevisedBy, r.ChangeDescription, predecessor, r.CreatedAt,
	)
	if storage.IsUniqueViolation(err) {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("revision %d of entity %q already exists", r.RevisionNumber, r.EntityID), err)
	}
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

// History returns the revisions ordered by revision number.
func (s *PgStore) History(ctx context.Context, entityID string) ([]model.RevisionRecord, error) {
	rows, err := s.db.Conn(ctx).Query(ctx, selectRevision+`
		WHERE entity_id = $1
		ORDER BY revision_number`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	var out []model.RevisionRecord
	for rows.Next() {
		var r model.RevisionRecord
		if err := rows.Scan(revisionDest(&r)...); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return out, nil
}

// List returns entities of one kind, newest first.
func (s *PgStore) List(ctx context.Context, kind string, filters ListFilters) ([]model.VersionedEntity, error) {
	query := selectEntity + ` WHERE kind = $1`
	args := []any{kind}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, number DESC"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out []model.VersionedEntity
	for rows.Next() {
		e, err := scanEntity(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

func scanEntity(row pgx.Row, id string) (model.VersionedEntity, error) {
	var e model.VersionedEntity
	var status string
	err := row.Scan(
		&e.ID, &e.Kind, &e.Number, &e.Title, &e.Owner,
		&e.MajorVersion, &e.MinorVersion, &status, &e.EffectiveDate,
		&e.CreatedAt, &e.UpdatedAt, &e.RowVersion,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VersionedEntity{}, model.NewEntityNotFoundError("entity", id)
	}
	if err != nil {
		return model.VersionedEntity{}, fmt.Errorf("scan entity: %w", err)
	}
	e.Status = model.EntityStatus(status)
	return e, nil
}

func revisionDest(r *model.RevisionRecord) []any {
	return []any{
		&r.ID, &r.EntityID, &r.MajorVersion, &r.MinorVersion, &r.RevisionNumber,
		&r.RevisedBy, &r.ChangeDescription, &r.PredecessorID, &r.CreatedAt,
	}
}
