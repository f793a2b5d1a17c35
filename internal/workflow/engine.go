// Package workflow implements the generic three-role approval state machine:
// a doer submits, a checker checks and an approver approves, with rejection
// possible from any active state.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/labqms/internal/observability"
	"github.com/pitabwire/labqms/internal/signature"
	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Transition outcomes recorded by Metrics.
const (
	ResultOK        = "ok"
	ResultRefused   = "refused"
	ResultForbidden = "forbidden"
	ResultConflict  = "conflict"
	ResultError     = "error"
)

// Metrics receives workflow transition outcomes.
type Metrics interface {
	RecordWorkflowTransition(action, result string)
}

type nopMetrics struct{}

func (nopMetrics) RecordWorkflowTransition(string, string) {}

// CreateRequest describes a new workflow instance. CheckerID and ApproverID
// may be empty, in which case whoever takes the role is recorded. DoerID
// defaults to the caller.
type CreateRequest struct {
	Subject        model.Subject
	SubjectVersion model.Version
	DoerID         string
	CheckerID      string
	ApproverID     string
}

// ActionInput carries the optional inputs of a signing action. Approved is
// ignored by submit.
type ActionInput struct {
	Approved bool
	Comments string
	Payload  []byte
}

// RejectInput carries the inputs of a direct rejection.
type RejectInput struct {
	Reason   string
	Comments string
}

// Engine manages the lifecycle of workflow instances. Every transition reads
// the instance, validates it, records the signature and writes the next
// state in one transaction. The write is a compare-and-swap on the row
// version, so of two concurrent actions on the same instance only one
// commits.
type Engine struct {
	tx         storage.Transactor
	store      Store
	signatures *signature.Ledger
	now        func() time.Time
	logger     *zap.Logger
	metrics    Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a new workflow engine.
func NewEngine(tx storage.Transactor, store Store, signatures *signature.Ledger, opts ...Option) *Engine {
	e := &Engine{
		tx:         tx,
		store:      store,
		signatures: signatures,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     zap.NewNop(),
		metrics:    nopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create starts a new instance in Draft.
func (e *Engine) Create(ctx context.Context, rctx *model.RequestContext, req CreateRequest) (model.WorkflowInstance, error) {
	actor, err := actorOf(rctx)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if req.DoerID == "" {
		req.DoerID = actor
	}
	if err := validateCreate(req); err != nil {
		return model.WorkflowInstance{}, err
	}

	now := e.now()
	inst := model.WorkflowInstance{
		ID:             uuid.New().String(),
		Subject:        req.Subject,
		SubjectVersion: req.SubjectVersion,
		Status:         model.WorkflowDraft,
		DoerID:         req.DoerID,
		CheckerID:      req.CheckerID,
		ApproverID:     req.ApproverID,
		CreatedAt:      now,
		UpdatedAt:      now,
		RowVersion:     1,
	}

	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		return e.store.Create(ctx, inst)
	})
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("create workflow for %s: %w", req.Subject, err)
	}

	e.logger.Info("workflow created",
		zap.String("workflow_id", inst.ID),
		zap.String("subject", inst.Subject.String()),
		zap.String("doer_id", inst.DoerID),
		zap.String("created_by", actor),
	)
	return inst, nil
}

// Submit moves the instance from Draft or RevisionRequired to Submitted.
// Only the recorded doer may submit.
func (e *Engine) Submit(ctx context.Context, rctx *model.RequestContext, id string, in ActionInput) (model.WorkflowInstance, error) {
	return e.transition(ctx, rctx, id, model.ActionSubmit, func(inst *model.WorkflowInstance, actor string, now time.Time) (*signature.Request, error) {
		if inst.Status != model.WorkflowDraft && inst.Status != model.WorkflowRevisionRequired {
			return nil, model.NewInvalidTransitionError(string(inst.Status), model.ActionSubmit)
		}
		if actor != inst.DoerID {
			return nil, model.NewForbiddenError(fmt.Sprintf("only the doer %q may submit", inst.DoerID))
		}
		inst.Status = model.WorkflowSubmitted
		inst.DoerComments = in.Comments
		inst.SubmittedAt = &now
		return &signature.Request{Role: model.RoleDoer, Payload: in.Payload, IsApproved: true, Comments: in.Comments}, nil
	})
}

// Check moves a Submitted instance to Checked, or to RevisionRequired when
// the checker does not approve.
func (e *Engine) Check(ctx context.Context, rctx *model.RequestContext, id string, in ActionInput) (model.WorkflowInstance, error) {
	return e.transition(ctx, rctx, id, model.ActionCheck, func(inst *model.WorkflowInstance, actor string, now time.Time) (*signature.Request, error) {
		if inst.Status != model.WorkflowSubmitted {
			return nil, model.NewInvalidTransitionError(string(inst.Status), model.ActionCheck)
		}
		if err := claimRole(&inst.CheckerID, actor, model.RoleChecker); err != nil {
			return nil, err
		}
		if in.Approved {
			inst.Status = model.WorkflowChecked
		} else {
			inst.Status = model.WorkflowRevisionRequired
		}
		inst.CheckerComments = in.Comments
		inst.CheckedAt = &now
		return &signature.Request{Role: model.RoleChecker, Payload: in.Payload, IsApproved: in.Approved, Comments: in.Comments}, nil
	})
}

// Approve moves a Checked instance to Approved, or to Rejected when the
// approver does not approve.
func (e *Engine) Approve(ctx context.Context, rctx *model.RequestContext, id string, in ActionInput) (model.WorkflowInstance, error) {
	return e.transition(ctx, rctx, id, model.ActionApprove, func(inst *model.WorkflowInstance, actor string, now time.Time) (*signature.Request, error) {
		if inst.Status != model.WorkflowChecked {
			return nil, model.NewInvalidTransitionError(string(inst.Status), model.ActionApprove)
		}
		if err := claimRole(&inst.ApproverID, actor, model.RoleApprover); err != nil {
			return nil, err
		}
		inst.ApproverComments = in.Comments
		if in.Approved {
			inst.Status = model.WorkflowApproved
			inst.ApprovedAt = &now
		} else {
			inst.Status = model.WorkflowRejected
			inst.RejectedBy = actor
			inst.RejectedRole = model.RoleApprover
			inst.RejectedAt = &now
			inst.RejectionComments = in.Comments
		}
		return &signature.Request{Role: model.RoleApprover, Payload: in.Payload, IsApproved: in.Approved, Comments: in.Comments}, nil
	})
}

// Reject terminates any non-terminal instance. The rejection is attributed
// to the role whose recorded identity matches the caller. A caller holding
// no role may reject only as the unassigned role of the current stage.
func (e *Engine) Reject(ctx context.Context, rctx *model.RequestContext, id string, in RejectInput) (model.WorkflowInstance, error) {
	return e.transition(ctx, rctx, id, model.ActionReject, func(inst *model.WorkflowInstance, actor string, now time.Time) (*signature.Request, error) {
		if inst.Status.Terminal() {
			return nil, model.NewInvalidTransitionError(string(inst.Status), model.ActionReject)
		}
		role := inst.RoleOf(actor)
		if role == "" {
			stage := stageRole(inst.Status)
			field := roleField(inst, stage)
			if field == nil || *field != "" {
				return nil, model.NewForbiddenError("only a workflow participant may reject")
			}
			*field = actor
			role = stage
		}
		inst.Status = model.WorkflowRejected
		inst.RejectedBy = actor
		inst.RejectedRole = role
		inst.RejectedAt = &now
		inst.RejectionReason = in.Reason
		inst.RejectionComments = in.Comments
		return nil, nil
	})
}

// Get returns an instance.
func (e *Engine) Get(ctx context.Context, id string) (model.WorkflowInstance, error) {
	return e.store.Get(ctx, id)
}

// FindBySubject returns the subject's instances, newest first.
func (e *Engine) FindBySubject(ctx context.Context, subject model.Subject) ([]model.WorkflowInstance, error) {
	return e.store.FindBySubject(ctx, subject)
}

// List returns instances matching the filters.
func (e *Engine) List(ctx context.Context, filters Filters) ([]model.WorkflowInstance, error) {
	if filters.Limit <= 0 || filters.Limit > maxListLimit {
		filters.Limit = defaultListLimit
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}
	return e.store.List(ctx, filters)
}

// Signatures returns the signatures this instance recorded. Signatures of
// other instances on the same subject are not included.
func (e *Engine) Signatures(ctx context.Context, id string) ([]model.SignatureRecord, error) {
	inst, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.signatures.ListForWorkflow(ctx, inst.Subject, inst.ID)
}

// applyFunc validates the action against the read instance and mutates it
// into the next state. It returns the signature to record, or nil.
type applyFunc func(inst *model.WorkflowInstance, actor string, now time.Time) (*signature.Request, error)

func (e *Engine) transition(ctx context.Context, rctx *model.RequestContext, id, action string, apply applyFunc) (out model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow."+action,
		observability.AttrWorkflowID.String(id),
		observability.AttrAction.String(action),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		e.record(ctx, action, id, err)
	}()

	actor, err := actorOf(rctx)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		inst, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}

		now := e.now()
		next := inst
		sigReq, err := apply(&next, actor, now)
		if err != nil {
			return err
		}
		next.UpdatedAt = now

		if sigReq != nil {
			sigReq.Subject = inst.Subject
			sigReq.WorkflowID = inst.ID
			sigReq.SignerID = actor
			sigReq.Version = inst.SubjectVersion
			rec, err := e.signatures.Record(ctx, *sigReq)
			if err != nil {
				return err
			}
			setSignature(&next, sigReq.Role, rec.Hash)
		}

		if err := e.store.Update(ctx, next); err != nil {
			return err
		}
		next.RowVersion++
		out = next
		return nil
	})
	if err != nil {
		return model.WorkflowInstance{}, classify(err, id)
	}
	return out, nil
}

func (e *Engine) record(ctx context.Context, action, id string, err error) {
	result := resultOf(err)
	e.metrics.RecordWorkflowTransition(action, result)

	logger := observability.RequestLogger(ctx, e.logger)
	switch result {
	case ResultOK:
		logger.Info("workflow transition", zap.String("workflow_id", id), zap.String("action", action))
	case ResultError:
		logger.Error("workflow transition failed", zap.String("workflow_id", id), zap.String("action", action), zap.Error(err))
	default:
		logger.Warn("workflow transition refused", zap.String("workflow_id", id), zap.String("action", action), zap.Error(err))
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case model.IsCode(err, model.ErrInvalidWorkflowTransition):
		return ResultRefused
	case model.IsCode(err, model.ErrForbidden), model.IsCode(err, model.ErrUnauthorized):
		return ResultForbidden
	case model.IsCode(err, model.ErrConcurrentModification):
		return ResultConflict
	}
	return ResultError
}

// claimRole checks the caller against an assigned role identity, or records
// the caller when the role is unassigned.
func claimRole(field *string, actor string, role model.Role) error {
	if *field == "" {
		*field = actor
		return nil
	}
	if *field != actor {
		return model.NewForbiddenError(fmt.Sprintf("only the assigned %s %q may act", role, *field))
	}
	return nil
}

// stageRole is the role expected to act next in the given state.
func stageRole(s model.WorkflowStatus) model.Role {
	switch s {
	case model.WorkflowSubmitted:
		return model.RoleChecker
	case model.WorkflowChecked:
		return model.RoleApprover
	}
	return model.RoleDoer
}

func roleField(inst *model.WorkflowInstance, role model.Role) *string {
	switch role {
	case model.RoleDoer:
		return &inst.DoerID
	case model.RoleChecker:
		return &inst.CheckerID
	case model.RoleApprover:
		return &inst.ApproverID
	}
	return nil
}

func setSignature(inst *model.WorkflowInstance, role model.Role, hash model.AuditHash) {
	switch role {
	case model.RoleDoer:
		inst.DoerSignature = hash
	case model.RoleChecker:
		inst.CheckerSignature = hash
	case model.RoleApprover:
		inst.ApproverSignature = hash
	}
}

func actorOf(rctx *model.RequestContext) (string, error) {
	if rctx == nil || rctx.Validate() != nil {
		return "", model.NewUnauthorizedError("missing caller identity")
	}
	return rctx.SubjectID, nil
}

func classify(err error, id string) error {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return err
	}
	if storage.IsContention(err) {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("workflow instance %q is being modified concurrently", id), err)
	}
	return fmt.Errorf("workflow instance %q: %w", id, err)
}

func validateCreate(req CreateRequest) error {
	var details []model.FieldError
	if strings.TrimSpace(req.Subject.Kind) == "" || strings.TrimSpace(req.Subject.ID) == "" {
		details = append(details, model.FieldError{Field: "subject", Code: "REQUIRED", Message: "subject kind and id are required"})
	}
	if req.SubjectVersion.Major < 0 || req.SubjectVersion.Minor < 0 {
		details = append(details, model.FieldError{Field: "subject_version", Code: "INVALID", Message: "version must not be negative"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}
