package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pitabwire/labqms/internal/capability"
	"github.com/pitabwire/labqms/internal/idempotency"
	"github.com/pitabwire/labqms/model"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	maxIdempotentBody    = 1 << 20
)

// RequireCapability returns middleware that refuses callers lacking cap
// with FORBIDDEN. A nil resolver allows every authenticated caller.
func RequireCapability(resolver *capability.Resolver, cap string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if resolver == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx := model.RequestContextFrom(r.Context())
			if rctx == nil {
				WriteError(w, r, model.NewUnauthorizedError("missing caller identity"))
				return
			}
			caps, err := resolver.Resolve(rctx)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			if !caps.Has(cap) {
				WriteError(w, r, model.NewForbiddenError("missing capability "+cap))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Idempotent returns middleware that executes a request carrying an
// Idempotency-Key at most once per caller and route. Repeats with the same
// body replay the stored 2xx response; non-2xx outcomes release the key so
// the client may retry. Requests without the header pass through.
func Idempotent(store idempotency.Store, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(idempotencyKeyHeader)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > 255 {
				WriteError(w, r, model.NewBadRequestError("Idempotency-Key exceeds 255 characters"))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
			if err != nil {
				WriteError(w, r, model.NewBadRequestError("cannot read request body"))
				return
			}
			if len(body) > maxIdempotentBody {
				WriteError(w, r, model.NewBadRequestError("request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			bodyHash := hex.EncodeToString(sum[:])

			subject := ""
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				subject = rctx.SubjectID
			}
			key := idempotency.FormatKey(subject, r.Method, r.URL.Path, clientKey)

			stored, err := store.Begin(r.Context(), key, bodyHash, ttl)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			if stored != nil {
				if stored.ContentType != "" {
					w.Header().Set("Content-Type", stored.ContentType)
				}
				w.Header().Set(replayedHeader, "true")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Body)
				return
			}

			// A panicking handler releases the claim before Recovery answers.
			defer func() {
				if p := recover(); p != nil {
					if err := store.Abort(context.WithoutCancel(r.Context()), key); err != nil {
						slog.Warn("idempotency: abort failed", "key", key, "error", err)
					}
					panic(p)
				}
			}()

			rec := &recordingWriter{statusWriter: statusWriter{ResponseWriter: w, status: http.StatusOK}}
			next.ServeHTTP(rec, r)

			// The response is already sent; store outcomes survive the
			// request context.
			ctx := context.WithoutCancel(r.Context())
			if rec.status >= 200 && rec.status < 300 {
				resp := idempotency.Response{
					Status:      rec.status,
					ContentType: rec.Header().Get("Content-Type"),
					Body:        rec.body.Bytes(),
				}
				if err := store.Complete(ctx, key, bodyHash, resp, ttl); err != nil {
					slog.Warn("idempotency: complete failed", "key", key, "error", err)
				}
				return
			}
			if err := store.Abort(ctx, key); err != nil {
				slog.Warn("idempotency: abort failed", "key", key, "error", err)
			}
		})
	}
}

// recordingWriter captures the response body alongside the status.
type recordingWriter struct {
	statusWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.statusWriter.Write(b)
}
