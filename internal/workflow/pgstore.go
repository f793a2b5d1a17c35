package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	db *storage.PgDB
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(db *storage.PgDB) *PgStore {
	return &PgStore{db: db}
}

// Create inserts a new workflow instance.
func (s *PgStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	_, err := s.db.Conn(ctx).Exec(ctx, `
		INSERT INTO workflow_instances (
			id, subject_kind, subject_id, subject_major, subject_minor, status,
			doer_id, doer_comments, doer_signature, submitted_at,
			checker_id, checker_comments, checker_signature, checked_at,
			approver_id, approver_comments, approver_signature, approved_at,
			rejected_by, rejected_role, rejected_at, rejection_reason, rejection_comments,
			created_at, updated_at, row_version
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22, $23,
			$24, $25, $26
		)`,
		inst.ID, inst.Subject.Kind, inst.Subject.ID, inst.SubjectVersion.Major, inst.SubjectVersion.Minor, string(inst.Status),
		inst.DoerID, inst.DoerComments, string(inst.DoerSignature), inst.SubmittedAt,
		inst.CheckerID, inst.CheckerComments, string(inst.CheckerSignature), inst.CheckedAt,
		inst.ApproverID, inst.ApproverComments, string(inst.ApproverSignature), inst.ApprovedAt,
		inst.RejectedBy, string(inst.RejectedRole), inst.RejectedAt, inst.RejectionReason, inst.RejectionComments,
		inst.CreatedAt, inst.UpdatedAt, inst.RowVersion,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

const selectInstance = `
	SELECT id, subject_kind, subject_id, subject_major, subject_minor, status,
	       doer_id, doer_comments, doer_signature, submitted_at,
	       checker_id, checker_comments, checker_signature, checked_at,
	       approver_id, approver_comments, approver_signature, approved_at,
	       rejected_by, rejected_role, rejected_at, rejection_reason, rejection_comments,
	       created_at, updated_at, row_version
	FROM workflow_instances`

// Get retrieves a workflow instance by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(s.db.Conn(ctx).QueryRow(ctx, selectInstance+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewEntityNotFoundError("workflow instance", id)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking. A concurrent
// writer holding the row blocks this statement until it commits, after
// which the row version no longer matches.
func (s *PgStore) Update(ctx context.Context, inst model.WorkflowInstance) error {
	tag, err := s.db.Conn(ctx).Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			doer_comments = $2, doer_signature = $3, submitted_at = $4,
			checker_id = $5, checker_comments = $6, checker_signature = $7, checked_at = $8,
			approver_id = $9, approver_comments = $10, approver_signature = $11, approved_at = $12,
			rejected_by = $13, rejected_role = $14, rejected_at = $15,
			rejection_reason = $16, rejection_comments = $17,
			updated_at = $18,
			row_version = row_version + 1
		WHERE id = $19 AND row_version = $20`,
		string(inst.Status),
		inst.DoerComments, string(inst.DoerSignature), inst.SubmittedAt,
		inst.CheckerID, inst.CheckerComments, string(inst.CheckerSignature), inst.CheckedAt,
		inst.ApproverID, inst.ApproverComments, string(inst.ApproverSignature), inst.ApprovedAt,
		inst.RejectedBy, string(inst.RejectedRole), inst.RejectedAt,
		inst.RejectionReason, inst.RejectionComments,
		inst.UpdatedAt,
		inst.ID, inst.RowVersion,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.RowVersion), nil)
	}
	return nil
}

// FindBySubject returns the subject's instances, newest first.
func (s *PgStore) FindBySubject(ctx context.Context, subject model.Subject) ([]model.WorkflowInstance, error) {
	rows, err := s.db.Conn(ctx).Query(ctx, selectInstance+`
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY created_at DESC, id`,
		subject.Kind, subject.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	return collectInstances(rows)
}

// List returns instances matching the filters.
func (s *PgStore) List(ctx context.Context, filters Filters) ([]model.WorkflowInstance, error) {
	query := selectInstance + ` WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.SubjectKind != "" {
		query += fmt.Sprintf(" AND subject_kind = $%d", argIdx)
		args = append(args, filters.SubjectKind)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filters.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC, id"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	return collectInstances(rows)
}

func collectInstances(rows pgx.Rows) ([]model.WorkflowInstance, error) {
	defer rows.Close()

	var result []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow instances: %w", err)
	}
	return result, nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var status, doerSig, checkerSig, approverSig, rejectedRole string
	err := row.Scan(
		&inst.ID, &inst.Subject.Kind, &inst.Subject.ID, &inst.SubjectVersion.Major, &inst.SubjectVersion.Minor, &status,
		&inst.DoerID, &inst.DoerComments, &doerSig, &inst.SubmittedAt,
		&inst.CheckerID, &inst.CheckerComments, &checkerSig, &inst.CheckedAt,
		&inst.ApproverID, &inst.ApproverComments, &approverSig, &inst.ApprovedAt,
		&inst.RejectedBy, &rejectedRole, &inst.RejectedAt, &inst.RejectionReason, &inst.RejectionComments,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.RowVersion,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Status = model.WorkflowStatus(status)
	inst.DoerSignature = model.AuditHash(doerSig)
	inst.CheckerSignature = model.AuditHash(checkerSig)
	inst.ApproverSignature = model.AuditHash(approverSig)
	inst.RejectedRole = model.Role(rejectedRole)
	return inst, nil
}
