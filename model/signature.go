package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Role is one of the three positions in the approval chain.
type Role string

// Approval roles, in required completion order.
const (
	RoleDoer     Role = "doer"
	RoleChecker  Role = "checker"
	RoleApprover Role = "approver"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleDoer || r == RoleChecker || r == RoleApprover
}

// Sequence returns the role-implied ordering: doer=1, checker=2, approver=3.
// Two signatures for the same role share a sequence and must be ordered by
// SignedAt.
func (r Role) Sequence() int {
	switch r {
	case RoleDoer:
		return 1
	case RoleChecker:
		return 2
	case RoleApprover:
		return 3
	}
	return 0
}

// AuditHash is an opaque one-way hash over (actor, timestamp, payload). It is
// an audit token, not a verifiable digital signature: there is no key pair
// and no verification path.
type AuditHash string

// ComputeAuditHash hashes the actor, the signing timestamp and the
// caller-supplied payload. The payload content is never inspected.
func ComputeAuditHash(actorID string, at time.Time, payload []byte) AuditHash {
	h := sha256.New()
	h.Write([]byte(actorID))
	h.Write([]byte{0})
	h.Write([]byte(at.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write(payload)
	return AuditHash(hex.EncodeToString(h.Sum(nil)))
}

// Subject identifies the business record a workflow or signature refers to.
type Subject struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// String renders the subject as "kind/id".
func (s Subject) String() string {
	return s.Kind + "/" + s.ID
}

// SignatureRecord is one append-only signing action against a subject.
// WorkflowID is set when the action was taken through a workflow instance
// and empty for signatures recorded directly against the subject.
type SignatureRecord struct {
	ID           string    `json:"id"`
	Subject      Subject   `json:"subject"`
	WorkflowID   string    `json:"workflow_id,omitempty"`
	Role         Role      `json:"role"`
	SignerID     string    `json:"signer_id"`
	MajorVersion int       `json:"major_version"`
	MinorVersion int       `json:"minor_version"`
	Sequence     int       `json:"sequence"`
	Hash         AuditHash `json:"hash"`
	IsApproved   bool      `json:"is_approved"`
	Comments     string    `json:"comments,omitempty"`
	SignedAt     time.Time `json:"signed_at"`
}

// Version returns the subject version the signature was made against.
func (s SignatureRecord) Version() Version {
	return Version{Major: s.MajorVersion, Minor: s.MinorVersion}
}
