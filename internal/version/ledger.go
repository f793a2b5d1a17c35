// Package version owns the major.minor version of controlled entities and
// their append-only revision history.
package version

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/labqms/internal/observability"
	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/model"
)

// InitialDescription is the change description of revision 1 when the
// caller gives none.
const InitialDescription = "Initial version"

// Metrics receives revision events.
type Metrics interface {
	RecordRevision(kind, revType string)
}

type nopMetrics struct{}

func (nopMetrics) RecordRevision(string, string) {}

// NewEntity describes an entity to create.
type NewEntity struct {
	ID     string
	Kind   string
	Number string
	Title  string
	Owner  string
}

// Ledger creates, revises and mutates versioned entities. Every operation
// runs in one transaction.
type Ledger struct {
	tx      storage.Transactor
	store   Store
	now     func() time.Time
	logger  *zap.Logger
	metrics Metrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
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

// NewLedger creates a Ledger.
func NewLedger(tx storage.Transactor, store Store, opts ...Option) *Ledger {
	l := &Ledger{
		tx:      tx,
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

// CreateInitial persists a new entity at version 1.0 in Draft, together with
// revision 1.
func (l *Ledger) CreateInitial(ctx context.Context, ne NewEntity, createdBy, description string) (model.VersionedEntity, model.RevisionRecord, error) {
	if err := validateNew(ne, createdBy); err != nil {
		return model.VersionedEntity{}, model.RevisionRecord{}, err
	}
	if description == "" {
		description = InitialDescription
	}

	now := l.now()
	e := model.VersionedEntity{
		ID:           ne.ID,
		Kind:         ne.Kind,
		Number:       ne.Number,
		Title:        ne.Title,
		Owner:        ne.Owner,
		MajorVersion: model.InitialVersion.Major,
		MinorVersion: model.InitialVersion.Minor,
		Status:       model.StatusDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
		RowVersion:   1,
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Owner == "" {
		e.Owner = createdBy
	}
	rev := model.RevisionRecord{
		ID:                uuid.New().String(),
		EntityID:          e.ID,
		MajorVersion:      e.MajorVersion,
		MinorVersion:      e.MinorVersion,
		RevisionNumber:    1,
		RevisedBy:         createdBy,
		ChangeDescription: description,
		CreatedAt:         now,
	}

	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		return l.store.Create(ctx, e, rev)
	})
	if err != nil {
		return model.VersionedEntity{}, model.RevisionRecord{}, classify(err, "create", e.ID)
	}

	l.metrics.RecordRevision(e.Kind, "initial")
	l.logger.Info("entity created",
		zap.String("entity_id", e.ID),
		zap.String("kind", e.Kind),
		zap.String("number", e.Number),
		zap.String("created_by", createdBy),
	)
	return e, rev, nil
}

// Revise bumps the entity version, resets its status to Draft and appends a
// revision numbered max+1. Concurrent revisions of one entity serialise on
// the entity lock. Retired entities cannot be revised.
func (l *Ledger) Revise(ctx context.Context, id string, isMajor bool, revisedBy, description string) (e model.VersionedEntity, rev model.RevisionRecord, err error) {
	ctx, span := observability.StartSpan(ctx, "version.revise",
		observability.AttrEntityID.String(id),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if revisedBy == "" {
		return model.VersionedEntity{}, model.RevisionRecord{}, model.NewBadRequestError("revised_by is required")
	}

	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := l.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status.Retired() {
			return model.NewInvalidTransitionError(string(cur.Status), "revise")
		}

		last, err := l.store.LastRevision(ctx, id)
		if err != nil {
			return err
		}

		now := l.now()
		next := cur.Version().Bump(isMajor)
		e = cur
		e.SetVersion(next)
		e.Status = model.StatusDraft
		e.EffectiveDate = nil
		e.UpdatedAt = now
		if err := l.store.Update(ctx, e); err != nil {
			return err
		}
		e.RowVersion++

		rev = model.RevisionRecord{
			ID:                uuid.New().String(),
			EntityID:          id,
			MajorVersion:      next.Major,
			MinorVersion:      next.Minor,
			RevisionNumber:    last.RevisionNumber + 1,
			RevisedBy:         revisedBy,
			ChangeDescription: description,
			PredecessorID:     last.ID,
			CreatedAt:         now,
		}
		return l.store.AppendRevision(ctx, rev)
	})
	if err != nil {
		return model.VersionedEntity{}, model.RevisionRecord{}, classify(err, "revise", id)
	}

	span.SetAttributes(
		observability.AttrVersion.String(e.Version().String()),
		observability.AttrRevisionNum.Int(rev.RevisionNumber),
	)
	revType := "minor"
	if isMajor {
		revType = "major"
	}
	l.metrics.RecordRevision(e.Kind, revType)
	l.logger.Info("entity revised",
		zap.String("entity_id", id),
		zap.String("version", e.Version().String()),
		zap.Int("revision_number", rev.RevisionNumber),
		zap.String("revised_by", revisedBy),
	)
	return e, rev, nil
}

// Mutate applies fn to the locked entity and writes the result. It is the
// only write path for status and effective date. fn must not change the
// identity or the version; use Revise for that.
func (l *Ledger) Mutate(ctx context.Context, id string, fn func(e *model.VersionedEntity) error) (model.VersionedEntity, error) {
	var out model.VersionedEntity
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := l.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}

		next := cur
		if err := fn(&next); err != nil {
			return err
		}
		if next.ID != cur.ID || next.Number != cur.Number || next.Kind != cur.Kind || next.Owner != cur.Owner ||
			next.Version() != cur.Version() || next.RowVersion != cur.RowVersion {
			return errors.New("mutate may only change status, title and effective date")
		}
		if !next.Status.Valid() {
			return model.NewBadRequestError(fmt.Sprintf("unknown status %q", next.Status))
		}
		if next == cur {
			out = cur
			return nil
		}

		next.UpdatedAt = l.now()
		if err := l.store.Update(ctx, next); err != nil {
			return err
		}
		next.RowVersion++
		out = next
		return nil
	})
	if err != nil {
		return model.VersionedEntity{}, classify(err, "mutate", id)
	}
	return out, nil
}

// Get returns an entity.
func (l *Ledger) Get(ctx context.Context, id string) (model.VersionedEntity, error) {
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return model.VersionedEntity{}, classify(err, "get", id)
	}
	return e, nil
}

// History returns the entity's revisions ordered by revision number.
func (l *Ledger) History(ctx context.Context, id string) ([]model.RevisionRecord, error) {
	if _, err := l.store.Get(ctx, id); err != nil {
		return nil, classify(err, "history", id)
	}
	revs, err := l.store.History(ctx, id)
	if err != nil {
		return nil, classify(err, "history", id)
	}
	return revs, nil
}

// List returns entities of one kind.
func (l *Ledger) List(ctx context.Context, kind string, filters ListFilters) ([]model.VersionedEntity, error) {
	if filters.Limit <= 0 || filters.Limit > 500 {
		filters.Limit = 100
	}
	out, err := l.store.List(ctx, kind, filters)
	if err != nil {
		return nil, fmt.Errorf("list %s entities: %w", kind, err)
	}
	return out, nil
}

// classify maps lock waits and serialisation failures to
// CONCURRENT_MODIFICATION and passes envelopes through unchanged.
func classify(err error, op, id string) error {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return err
	}
	if storage.IsContention(err) {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("entity %q is being modified concurrently", id), err)
	}
	return fmt.Errorf("%s entity %q: %w", op, id, err)
}

func validateNew(ne NewEntity, createdBy string) error {
	var details []model.FieldError
	if strings.TrimSpace(ne.Kind) == "" {
		details = append(details, model.FieldError{Field: "kind", Code: "REQUIRED", Message: "kind is required"})
	}
	if strings.TrimSpace(ne.Number) == "" {
		details = append(details, model.FieldError{Field: "number", Code: "REQUIRED", Message: "number is required"})
	}
	if createdBy == "" {
		details = append(details, model.FieldError{Field: "created_by", Code: "REQUIRED", Message: "creator is required"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}
