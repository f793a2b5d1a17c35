// Package document controls versioned lab documents: numbering on creation,
// signature-driven status derivation and revision.
package document

import "github.com/pitabwire/labqms/model"

// StatusPolicy derives the next document status from the signatures
// collected against a version.
type StatusPolicy interface {
	Next(current model.EntityStatus, v model.Version, sigs []model.SignatureRecord) model.EntityStatus
}

// SignaturePolicy advances the status at most one step per call:
// Draft to PendingReview on a doer approval, PendingReview to
// PendingApproval on a checker approval, PendingApproval to Approved on an
// approver approval. Rejections and signatures made against other versions
// are ignored. Any other status is returned unchanged.
type SignaturePolicy struct{}

// Next implements StatusPolicy.
func (SignaturePolicy) Next(current model.EntityStatus, v model.Version, sigs []model.SignatureRecord) model.EntityStatus {
	var hasDoer, hasChecker, hasApprover bool
	for _, s := range sigs {
		if !s.IsApproved || s.Version() != v {
			continue
		}
		switch s.Role {
		case model.RoleDoer:
			hasDoer = true
		case model.RoleChecker:
			hasChecker = true
		case model.RoleApprover:
			hasApprover = true
		}
	}

	switch {
	case current == model.StatusDraft && hasDoer:
		return model.StatusPendingReview
	case current == model.StatusPendingReview && hasChecker:
		return model.StatusPendingApproval
	case current == model.StatusPendingApproval && hasApprover:
		return model.StatusApproved
	}
	return current
}
