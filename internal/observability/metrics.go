package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. Its
// Record methods satisfy the small Metrics interfaces declared by the
// sequence, version, signature, workflow and document packages.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	IdentifiersIssuedTotal     *prometheus.CounterVec
	SequenceFailuresTotal      *prometheus.CounterVec
	RevisionsTotal             *prometheus.CounterVec
	SignaturesRecordedTotal    *prometheus.CounterVec
	WorkflowTransitionsTotal   *prometheus.CounterVec
	DocumentStatusChangesTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qms_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qms_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qms_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qms_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		IdentifiersIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qms_identifiers_issued_total",
			Help: "Total number of sequence values committed.",
		}, []string{"prefix"}),
		SequenceFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qms_sequence_failures_total",
			Help: "Total number of failed sequence increments.",
		}, []string{"prefix"}),
		RevisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qms_revisions_total",
			Help: "Total number of revision records appended.",
		}, []string{"kind", "type"}),
		SignaturesRecordedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qms_signatures_recorded_total",
			Help: "Total number of signature records appended.",
		}, []string{"role", "approved"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qms_workflow_transitions_total",
			Help: "Total number of workflow actions by outcome.",
		}, []string{"action", "result"}),
		DocumentStatusChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qms_document_status_changes_total",
			Help: "Total number of document status changes by target status.",
		}, []string{"to"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.IdentifiersIssuedTotal,
		m.SequenceFailuresTotal,
		m.RevisionsTotal,
		m.SignaturesRecordedTotal,
		m.WorkflowTransitionsTotal,
		m.DocumentStatusChangesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordIdentifierIssued counts a committed sequence value.
func (m *Metrics) RecordIdentifierIssued(prefix string) {
	m.IdentifiersIssuedTotal.WithLabelValues(prefix).Inc()
}

// RecordSequenceFailure counts a failed sequence increment.
func (m *Metrics) RecordSequenceFailure(prefix string) {
	m.SequenceFailuresTotal.WithLabelValues(prefix).Inc()
}

// RecordRevision counts an appended revision. revType is initial, major or minor.
func (m *Metrics) RecordRevision(kind, revType string) {
	m.RevisionsTotal.WithLabelValues(kind, revType).Inc()
}

// RecordSignature counts an appended signature.
func (m *Metrics) RecordSignature(role string, approved bool) {
	m.SignaturesRecordedTotal.WithLabelValues(role, strconv.FormatBool(approved)).Inc()
}

// RecordWorkflowTransition counts a workflow action. result is ok, refused,
// forbidden, conflict or error.
func (m *Metrics) RecordWorkflowTransition(action, result string) {
	m.WorkflowTransitionsTotal.WithLabelValues(action, result).Inc()
}

// RecordDocumentStatusChange counts a document reaching a new status.
func (m *Metrics) RecordDocumentStatusChange(to string) {
	m.DocumentStatusChangesTotal.WithLabelValues(to).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(rctx.RoutePattern(), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
