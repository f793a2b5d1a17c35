package document

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/labqms/internal/observability"
	"github.com/pitabwire/labqms/internal/sequence"
	"github.com/pitabwire/labqms/internal/signature"
	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/internal/version"
	"github.com/pitabwire/labqms/model"
)

// Kind is the entity kind and numbering scheme of documents.
const Kind = "document"

// Metrics receives document status changes.
type Metrics interface {
	RecordDocumentStatusChange(to string)
}

type nopMetrics struct{}

func (nopMetrics) RecordDocumentStatusChange(string) {}

// CreateRequest describes a new document. Owner defaults to the caller.
type CreateRequest struct {
	Title       string
	Owner       string
	Description string
}

// SignRequest describes one signing action against the current version.
type SignRequest struct {
	Role     model.Role
	Approved bool
	Comments string
	Payload  []byte
}

// SignResult is the document after status recomputation together with the
// signature that triggered it.
type SignResult struct {
	Document  model.VersionedEntity `json:"document"`
	Signature model.SignatureRecord `json:"signature"`
}

// Service orchestrates numbering, versioning and signatures for documents.
// Each operation is one transaction.
type Service struct {
	tx         storage.Transactor
	numbers    *sequence.Generator
	versions   *version.Ledger
	signatures *signature.Ledger
	policy     StatusPolicy
	now        func() time.Time
	logger     *zap.Logger
	metrics    Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy replaces the status derivation.
func WithPolicy(p StatusPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithClock overrides the time source used for effective dates.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a document Service.
func NewService(
	tx storage.Transactor,
	numbers *sequence.Generator,
	versions *version.Ledger,
	signatures *signature.Ledger,
	opts ...Option,
) *Service {
	s := &Service{
		tx:         tx,
		numbers:    numbers,
		versions:   versions,
		signatures: signatures,
		policy:     SignaturePolicy{},
		now:        func() time.Time { return time.Now().UTC() },
		logger:     zap.NewNop(),
		metrics:    nopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create issues a document number and creates version 1.0 in Draft. No
// document exists unless its number was issued.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, req CreateRequest) (doc model.VersionedEntity, rev model.RevisionRecord, err error) {
	ctx, span := observability.StartSpan(ctx, "document.create",
		observability.AttrEntityKind.String(Kind),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	actor, err := actorOf(rctx)
	if err != nil {
		return model.VersionedEntity{}, model.RevisionRecord{}, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return model.VersionedEntity{}, model.RevisionRecord{}, model.NewValidationError([]model.FieldError{
			{Field: "title", Code: "REQUIRED", Message: "title is required"},
		})
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		id, err := s.numbers.Issue(ctx, Kind)
		if err != nil {
			return err
		}
		doc, rev, err = s.versions.CreateInitial(ctx, version.NewEntity{
			Kind:   Kind,
			Number: id.String(),
			Title:  req.Title,
			Owner:  req.Owner,
		}, actor, req.Description)
		return err
	})
	if err != nil {
		return model.VersionedEntity{}, model.RevisionRecord{}, err
	}

	span.SetAttributes(observability.AttrEntityID.String(doc.ID))
	s.metrics.RecordDocumentStatusChange(string(doc.Status))
	return doc, rev, nil
}

// Sign records a signature against the current version and recomputes the
// status. The document stays locked for the duration, so the version
// signed is the version the status is derived from.
func (s *Service) Sign(ctx context.Context, rctx *model.RequestContext, id string, req SignRequest) (res SignResult, err error) {
	ctx, span := observability.StartSpan(ctx, "document.sign",
		observability.AttrEntityID.String(id),
		observability.AttrRole.String(string(req.Role)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	actor, err := actorOf(rctx)
	if err != nil {
		return SignResult{}, err
	}

	var from model.EntityStatus
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		doc, err := s.versions.Mutate(ctx, id, func(e *model.VersionedEntity) error {
			if e.Kind != Kind {
				return model.NewEntityNotFoundError(Kind, id)
			}
			if e.Status.Retired() {
				return model.NewInvalidTransitionError(string(e.Status), "sign")
			}
			from = e.Status

			subject := model.Subject{Kind: Kind, ID: e.ID}
			rec, err := s.signatures.Record(ctx, signature.Request{
				Subject:    subject,
				Role:       req.Role,
				SignerID:   actor,
				Version:    e.Version(),
				Payload:    req.Payload,
				IsApproved: req.Approved,
				Comments:   req.Comments,
			})
			if err != nil {
				return err
			}
			res.Signature = rec

			sigs, err := s.signatures.ListApproved(ctx, subject, e.Version())
			if err != nil {
				return err
			}
			next := s.policy.Next(e.Status, e.Version(), sigs)
			if next == model.StatusApproved && e.Status != model.StatusApproved {
				at := s.now()
				e.EffectiveDate = &at
			}
			e.Status = next
			return nil
		})
		res.Document = doc
		return err
	})
	if err != nil {
		return SignResult{}, err
	}

	if res.Document.Status != from {
		s.statusChanged(res.Document, from)
	}
	return res, nil
}

// Revise bumps the version and resets the status to Draft. Signatures of
// earlier versions remain stored but no longer count.
func (s *Service) Revise(ctx context.Context, rctx *model.RequestContext, id string, isMajor bool, description string) (model.VersionedEntity, model.RevisionRecord, error) {
	actor, err := actorOf(rctx)
	if err != nil {
		return model.VersionedEntity{}, model.RevisionRecord{}, err
	}
	before, err := s.Get(ctx, id)
	if err != nil {
		return model.VersionedEntity{}, model.RevisionRecord{}, err
	}

	doc, rev, err := s.versions.Revise(ctx, id, isMajor, actor, description)
	if err != nil {
		return model.VersionedEntity{}, model.RevisionRecord{}, err
	}
	if before.Status != doc.Status {
		s.statusChanged(doc, before.Status)
	}
	return doc, rev, nil
}

// MarkEffective moves an Approved document to Effective.
func (s *Service) MarkEffective(ctx context.Context, rctx *model.RequestContext, id string) (model.VersionedEntity, error) {
	return s.setStatus(ctx, rctx, id, "mark_effective", func(e *model.VersionedEntity) error {
		if e.Status != model.StatusApproved {
			return model.NewInvalidTransitionError(string(e.Status), "mark_effective")
		}
		e.Status = model.StatusEffective
		if e.EffectiveDate == nil {
			at := s.now()
			e.EffectiveDate = &at
		}
		return nil
	})
}

// MarkObsolete withdraws a document that is not already retired.
func (s *Service) MarkObsolete(ctx context.Context, rctx *model.RequestContext, id string) (model.VersionedEntity, error) {
	return s.setStatus(ctx, rctx, id, "mark_obsolete", func(e *model.VersionedEntity) error {
		if e.Status.Retired() {
			return model.NewInvalidTransitionError(string(e.Status), "mark_obsolete")
		}
		e.Status = model.StatusObsolete
		return nil
	})
}

// Get returns a document.
func (s *Service) Get(ctx context.Context, id string) (model.VersionedEntity, error) {
	doc, err := s.versions.Get(ctx, id)
	if err != nil {
		return model.VersionedEntity{}, err
	}
	if doc.Kind != Kind {
		return model.VersionedEntity{}, model.NewEntityNotFoundError(Kind, id)
	}
	return doc, nil
}

// List returns documents, newest first.
func (s *Service) List(ctx context.Context, filters version.ListFilters) ([]model.VersionedEntity, error) {
	return s.versions.List(ctx, Kind, filters)
}

// History returns the document's revisions in order.
func (s *Service) History(ctx context.Context, id string) ([]model.RevisionRecord, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.versions.History(ctx, id)
}

// Signatures returns every signature made against the document, across
// all versions, in (sequence, signed_at) order.
func (s *Service) Signatures(ctx context.Context, id string) ([]model.SignatureRecord, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.signatures.List(ctx, model.Subject{Kind: Kind, ID: id})
}

func (s *Service) setStatus(ctx context.Context, rctx *model.RequestContext, id, action string, fn func(e *model.VersionedEntity) error) (model.VersionedEntity, error) {
	actor, err := actorOf(rctx)
	if err != nil {
		return model.VersionedEntity{}, err
	}

	var from model.EntityStatus
	doc, err := s.versions.Mutate(ctx, id, func(e *model.VersionedEntity) error {
		if e.Kind != Kind {
			return model.NewEntityNotFoundError(Kind, id)
		}
		from = e.Status
		return fn(e)
	})
	if err != nil {
		return model.VersionedEntity{}, err
	}

	s.logger.Info("document status set",
		zap.String("entity_id", id),
		zap.String("action", action),
		zap.String("actor", actor),
	)
	s.statusChanged(doc, from)
	return doc, nil
}

func (s *Service) statusChanged(doc model.VersionedEntity, from model.EntityStatus) {
	s.metrics.RecordDocumentStatusChange(string(doc.Status))
	s.logger.Info("document status changed",
		zap.String("entity_id", doc.ID),
		zap.String("number", doc.Number),
		zap.String("version", doc.Version().String()),
		zap.String("from", string(from)),
		zap.String("to", string(doc.Status)),
	)
}

func actorOf(rctx *model.RequestContext) (string, error) {
	if rctx == nil || rctx.Validate() != nil {
		return "", model.NewUnauthorizedError("missing caller identity")
	}
	return rctx.SubjectID, nil
}
