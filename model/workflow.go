package model

import "time"

// WorkflowStatus is the state of a generic three-role approval workflow.
type WorkflowStatus string

// Workflow status constants. Approved and Rejected are terminal.
const (
	WorkflowDraft            WorkflowStatus = "Draft"
	WorkflowSubmitted        WorkflowStatus = "Submitted"
	WorkflowChecked          WorkflowStatus = "Checked"
	WorkflowRevisionRequired WorkflowStatus = "RevisionRequired"
	WorkflowApproved         WorkflowStatus = "Approved"
	WorkflowRejected         WorkflowStatus = "Rejected"
)

// Terminal reports whether no further transition is allowed.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowApproved || s == WorkflowRejected
}

// Workflow actions, used in transition errors, metrics and logs.
const (
	ActionSubmit  = "submit"
	ActionCheck   = "check"
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// WorkflowInstance tracks one subject through Doer → Checker → Approver.
// RowVersion is the optimistic lock: every update must present the version
// it read.
type WorkflowInstance struct {
	ID             string         `json:"id"`
	Subject        Subject        `json:"subject"`
	SubjectVersion Version        `json:"subject_version"`
	Status         WorkflowStatus `json:"status"`

	DoerID        string     `json:"doer_id"`
	DoerComments  string     `json:"doer_comments,omitempty"`
	DoerSignature AuditHash  `json:"doer_signature,omitempty"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`

	CheckerID        string     `json:"checker_id,omitempty"`
	CheckerComments  string     `json:"checker_comments,omitempty"`
	CheckerSignature AuditHash  `json:"checker_signature,omitempty"`
	CheckedAt        *time.Time `json:"checked_at,omitempty"`

	ApproverID        string     `json:"approver_id,omitempty"`
	ApproverComments  string     `json:"approver_comments,omitempty"`
	ApproverSignature AuditHash  `json:"approver_signature,omitempty"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`

	RejectedBy        string     `json:"rejected_by,omitempty"`
	RejectedRole      Role       `json:"rejected_role,omitempty"`
	RejectedAt        *time.Time `json:"rejected_at,omitempty"`
	RejectionReason   string     `json:"rejection_reason,omitempty"`
	RejectionComments string     `json:"rejection_comments,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	RowVersion int       `json:"row_version"`
}

// RoleOf returns the role whose recorded identity matches actorID, checking
// doer, checker and approver in chain order. It returns "" when none match.
func (w WorkflowInstance) RoleOf(actorID string) Role {
	switch actorID {
	case "":
		return ""
	case w.DoerID:
		return RoleDoer
	case w.CheckerID:
		return RoleChecker
	case w.ApproverID:
		return RoleApprover
	}
	return ""
}
