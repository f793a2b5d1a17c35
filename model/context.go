package model

import (
	"context"
	"errors"
	"slices"
)

// RequestContext carries the caller identity for one authenticated request.
// The core uses SubjectID as the actor of every workflow action and never
// reads the actor from a request body. It is immutable after construction.
type RequestContext struct {
	SubjectID     string
	Name          string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate checks that the caller identity is present.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return errors.New("SubjectID is required")
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// ActorFrom returns the caller's subject ID, or an UNAUTHORIZED error when the
// context carries no identity.
func ActorFrom(ctx context.Context) (string, error) {
	rctx := RequestContextFrom(ctx)
	if rctx == nil || rctx.SubjectID == "" {
		return "", NewUnauthorizedError("missing caller identity")
	}
	return rctx.SubjectID, nil
}
