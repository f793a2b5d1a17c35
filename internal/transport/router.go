package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/labqms/internal/capability"
	"github.com/pitabwire/labqms/internal/config"
	"github.com/pitabwire/labqms/internal/document"
	"github.com/pitabwire/labqms/internal/idempotency"
	"github.com/pitabwire/labqms/internal/observability"
	"github.com/pitabwire/labqms/internal/sequence"
	"github.com/pitabwire/labqms/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler
	Documents    *document.Service
	Workflows    *workflow.Engine
	Numbers      *sequence.Generator

	// Capabilities gates each route by the caller's roles. Nil allows
	// every authenticated caller.
	Capabilities *capability.Resolver
	// Idempotency deduplicates allocating POSTs that carry an
	// Idempotency-Key. Nil disables it.
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration

	// Metrics records HTTP request metrics when set.
	Metrics   *observability.Metrics
	Readiness observability.ReadinessChecks
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	r := chi.NewRouter()

	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		metricsHandler := observability.Handler()
		if deps.Gatherer != nil {
			metricsHandler = observability.HandlerFor(deps.Gatherer)
		}
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, metricsHandler)
	}

	can := func(c string) func(http.Handler) http.Handler {
		return RequireCapability(deps.Capabilities, c)
	}
	ttl := deps.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	once := Idempotent(deps.Idempotency, ttl)

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)

		if svc := deps.Documents; svc != nil {
			r.Route("/documents", func(r chi.Router) {
				r.With(can(capability.DocumentCreate), once).Post("/", handleDocumentCreate(svc))
				r.With(can(capability.DocumentRead)).Get("/", handleDocumentList(svc))
				r.Route("/{id}", func(r chi.Router) {
					r.With(can(capability.DocumentRead)).Get("/", handleDocumentGet(svc))
					r.With(can(capability.DocumentSign)).Post("/signatures", handleDocumentSign(svc))
					r.With(can(capability.DocumentRead)).Get("/signatures", handleDocumentSignatures(svc))
					r.With(can(capability.DocumentRevise), once).Post("/revisions", handleDocumentRevise(svc))
					r.With(can(capability.DocumentRead)).Get("/revisions", handleDocumentHistory(svc))
					r.With(can(capability.DocumentRetire)).Post("/effective", handleDocumentEffective(svc))
					r.With(can(capability.DocumentRetire)).Post("/obsolete", handleDocumentObsolete(svc))
				})
			})
		}

		if engine := deps.Workflows; engine != nil {
			r.Route("/workflows", func(r chi.Router) {
				r.With(can(capability.WorkflowCreate), once).Post("/", handleWorkflowCreate(engine))
				r.With(can(capability.WorkflowRead)).Get("/", handleWorkflowList(engine))
				r.Route("/{id}", func(r chi.Router) {
					r.With(can(capability.WorkflowRead)).Get("/", handleWorkflowGet(engine))
					r.With(can(capability.WorkflowSubmit)).Post("/submit", handleWorkflowAction(engine, submitAction, false))
					r.With(can(capability.WorkflowCheck)).Post("/check", handleWorkflowAction(engine, checkAction, true))
					r.With(can(capability.WorkflowApprove)).Post("/approve", handleWorkflowAction(engine, approveAction, true))
					r.With(can(capability.WorkflowReject)).Post("/reject", handleWorkflowReject(engine))
					r.With(can(capability.WorkflowRead)).Get("/signatures", handleWorkflowSignatures(engine))
				})
			})
		}

		if numbers := deps.Numbers; numbers != nil {
			r.With(can(capability.SequenceIssue), once).Post("/sequences/{kind}/next", handleSequenceNext(numbers))
			r.With(can(capability.SequenceRead)).Get("/sequences/{kind}/current", handleSequenceCurrent(numbers, now))
			r.With(can(capability.SequenceRead)).Get("/identifiers/{identifier}", handleIdentifierParse(numbers))
		}
	})

	return r
}
