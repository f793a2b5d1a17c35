// Package capability maps caller roles to the record-control operations
// they may invoke. Policies are static YAML files; resolution is cached per
// subject and role set.
package capability

import "strings"

// Capabilities guarded by the HTTP layer.
const (
	DocumentRead   = "document:read"
	DocumentCreate = "document:create"
	DocumentSign   = "document:sign"
	DocumentRevise = "document:revise"
	DocumentRetire = "document:retire"

	WorkflowRead    = "workflow:read"
	WorkflowCreate  = "workflow:create"
	WorkflowSubmit  = "workflow:submit"
	WorkflowCheck   = "workflow:check"
	WorkflowApprove = "workflow:approve"
	WorkflowReject  = "workflow:reject"

	SequenceIssue = "sequence:issue"
	SequenceRead  = "sequence:read"
)

// Set is a set of capabilities. Keys may be wildcards: "*" grants every
// capability and "document:*" grants every document capability.
type Set map[string]bool

// Has returns true if the set contains cap or a wildcard that matches it.
func (s Set) Has(cap string) bool {
	if s[cap] {
		return true
	}
	for pattern := range s {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if every cap is granted.
func (s Set) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !s.Has(cap) {
			return false
		}
	}
	return true
}

// matchWildcard reports whether pattern grants cap.
//
//	"*"          matches anything
//	"document:*" matches "document:sign"
//	"document"   matches nothing but itself
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}
