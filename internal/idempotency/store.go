// Package idempotency lets clients retry POST requests that allocate
// numbers or records without allocating twice. A request carrying an
// Idempotency-Key is executed once; later requests with the same key and
// body replay the stored response.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/labqms/model"
)

// Response is a stored HTTP response.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Store claims and completes idempotency keys.
type Store interface {
	// Begin claims key for a request whose body hashes to bodyHash. It
	// returns a non-nil Response when the key already completed with the
	// same body, a CONFLICT error when the key is in flight or was used
	// with a different body, and (nil, nil) when the caller now owns the
	// key and must call Complete or Abort.
	Begin(ctx context.Context, key, bodyHash string, ttl time.Duration) (*Response, error)

	// Complete stores the response for a claimed key.
	Complete(ctx context.Context, key, bodyHash string, resp Response, ttl time.Duration) error

	// Abort releases a claimed key so the request can be retried.
	Abort(ctx context.Context, key string) error
}

// entry is the stored value for a key. A nil Response marks a claim whose
// request is still running.
type entry struct {
	BodyHash string    `json:"body_hash"`
	Response *Response `json:"response,omitempty"`
}

// resolve applies the Begin rules to an existing entry.
func (e entry) resolve(key, bodyHash string) (*Response, error) {
	if e.BodyHash != bodyHash {
		return nil, model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different body", key))
	}
	if e.Response == nil {
		return nil, model.NewConflictError(fmt.Sprintf("request with idempotency key %q is still in progress", key))
	}
	resp := *e.Response
	return &resp, nil
}

// FormatKey scopes a client key to the caller and route, so one caller can
// never replay another's response.
func FormatKey(subjectID, method, path, key string) string {
	return fmt.Sprintf("%s:%s:%s:%s", subjectID, method, path, key)
}
