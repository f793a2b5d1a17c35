// Package signature keeps the append-only ledger of signing actions made
// against versioned subjects.
package signature

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/labqms/internal/observability"
	"github.com/pitabwire/labqms/model"
)

// Metrics receives signature events.
type Metrics interface {
	RecordSignature(role string, approved bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordSignature(string, bool) {}

// Request describes one signing action.
type Request struct {
	Subject    model.Subject
	WorkflowID string
	Role       model.Role
	SignerID   string
	Version    model.Version
	Payload    []byte
	IsApproved bool
	Comments   string
}

// Ledger appends and reads signature records.
type Ledger struct {
	store   Store
	now     func() time.Time
	logger  *zap.Logger
	metrics Metrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the signing time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// NewLedger creates a Ledger over the given store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  zap.NewNop(),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends a signature. The sequence is fixed by the role, never by
// arrival order. It joins the transaction carried by ctx so the record
// commits or rolls back with the state change it attests.
func (l *Ledger) Record(ctx context.Context, req Request) (rec model.SignatureRecord, err error) {
	ctx, span := observability.StartSpan(ctx, "signature.record",
		observability.AttrSubjectID.String(req.Subject.String()),
		observability.AttrRole.String(string(req.Role)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := validate(req); err != nil {
		return model.SignatureRecord{}, err
	}

	at := l.now()
	rec = model.SignatureRecord{
		ID:           uuid.New().String(),
		Subject:      req.Subject,
		WorkflowID:   req.WorkflowID,
		Role:         req.Role,
		SignerID:     req.SignerID,
		MajorVersion: req.Version.Major,
		MinorVersion: req.Version.Minor,
		Sequence:     req.Role.Sequence(),
		Hash:         model.ComputeAuditHash(req.SignerID, at, req.Payload),
		IsApproved:   req.IsApproved,
		Comments:     req.Comments,
		SignedAt:     at,
	}
	if err := l.store.Append(ctx, rec); err != nil {
		return model.SignatureRecord{}, fmt.Errorf("append signature for %s: %w", req.Subject, err)
	}

	l.metrics.RecordSignature(string(rec.Role), rec.IsApproved)
	l.logger.Info("signature recorded",
		zap.String("subject", rec.Subject.String()),
		zap.String("role", string(rec.Role)),
		zap.String("signer_id", rec.SignerID),
		zap.String("version", rec.Version().String()),
		zap.Bool("approved", rec.IsApproved),
	)
	return rec, nil
}

// List returns all signatures for a subject in (sequence, signed_at) order.
func (l *Ledger) List(ctx context.Context, subject model.Subject) ([]model.SignatureRecord, error) {
	recs, err := l.store.List(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("list signatures for %s: %w", subject, err)
	}
	return recs, nil
}

// ListForVersion returns the signatures made against one subject version.
func (l *Ledger) ListForVersion(ctx context.Context, subject model.Subject, v model.Version) ([]model.SignatureRecord, error) {
	recs, err := l.store.ListForVersion(ctx, subject, v)
	if err != nil {
		return nil, fmt.Errorf("list signatures for %s@%s: %w", subject, v, err)
	}
	return recs, nil
}

// ListForWorkflow returns the signatures one workflow instance recorded
// against its subject.
func (l *Ledger) ListForWorkflow(ctx context.Context, subject model.Subject, workflowID string) ([]model.SignatureRecord, error) {
	recs, err := l.List(ctx, subject)
	if err != nil {
		return nil, err
	}
	out := []model.SignatureRecord{}
	for _, r := range recs {
		if r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListApproved returns the approving signatures recorded directly against
// one subject version. Signatures owned by a workflow instance are left out.
func (l *Ledger) ListApproved(ctx context.Context, subject model.Subject, v model.Version) ([]model.SignatureRecord, error) {
	recs, err := l.ListForVersion(ctx, subject, v)
	if err != nil {
		return nil, err
	}
	var approved []model.SignatureRecord
	for _, r := range recs {
		if r.IsApproved && r.WorkflowID == "" {
			approved = append(approved, r)
		}
	}
	return approved, nil
}

func validate(req Request) error {
	var details []model.FieldError
	if req.Subject.Kind == "" || req.Subject.ID == "" {
		details = append(details, model.FieldError{Field: "subject", Code: "REQUIRED", Message: "subject kind and id are required"})
	}
	if !req.Role.Valid() {
		details = append(details, model.FieldError{Field: "role", Code: "INVALID", Message: fmt.Sprintf("unknown role %q", req.Role)})
	}
	if req.SignerID == "" {
		details = append(details, model.FieldError{Field: "signer_id", Code: "REQUIRED", Message: "signer is required"})
	}
	if req.Version.Major < 0 || req.Version.Minor < 0 {
		details = append(details, model.FieldError{Field: "version", Code: "INVALID", Message: "version must not be negative"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// sortRecords orders records by role sequence, then signing time.
func sortRecords(recs []model.SignatureRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Sequence != recs[j].Sequence {
			return recs[i].Sequence < recs[j].Sequence
		}
		return recs[i].SignedAt.Before(recs[j].SignedAt)
	})
}
