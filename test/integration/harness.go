// Package integration provides a test harness for end-to-end testing of the
// record control server. It starts the full HTTP stack over in-memory stores
// with an RS256 token issuer, optionally backed by an in-process Redis.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/labqms/internal/capability"
	"github.com/pitabwire/labqms/internal/config"
	"github.com/pitabwire/labqms/internal/document"
	"github.com/pitabwire/labqms/internal/idempotency"
	"github.com/pitabwire/labqms/internal/observability"
	"github.com/pitabwire/labqms/internal/sequence"
	"github.com/pitabwire/labqms/internal/signature"
	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/internal/transport"
	"github.com/pitabwire/labqms/internal/version"
	"github.com/pitabwire/labqms/internal/workflow"
)

// Now is the fixed domain clock every harness runs on.
var Now = time.Date(2025, 6, 9, 8, 30, 0, 0, time.UTC)

// TestHarness is a running server with its components exposed.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Numbers   *sequence.Generator
	Documents *document.Service
	Workflows *workflow.Engine
	Breaker   *sequence.BreakerCounterStore
	Redis     *miniredis.Miniredis
	Registry  *prometheus.Registry
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policy         string
	redisCounters  bool
	breaker        *config.BreakerConfig
	idempotency    bool
}

// WithPolicy enables the route capability gate with the given YAML policy.
func WithPolicy(yaml string) HarnessOption {
	return func(c *harnessConfig) { c.policy = yaml }
}

// WithRedisCounters backs the sequence generator with an in-process Redis.
func WithRedisCounters() HarnessOption {
	return func(c *harnessConfig) { c.redisCounters = true }
}

// WithBreaker wraps the counter store in a circuit breaker.
func WithBreaker(failures, successes int, open time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = &config.BreakerConfig{FailureThreshold: failures, SuccessThreshold: successes, OpenTimeout: open}
	}
}

// WithIdempotency enables Idempotency-Key replay on allocating routes.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) { c.idempotency = true }
}

// NewTestHarness wires and starts a server. It is shut down on test cleanup.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{}
	for _, o := range opts {
		o(hc)
	}

	issuer := newTokenIssuer(t)
	cfg := config.Defaults()
	cfg.Identity.Issuer = testIssuer
	cfg.Identity.Audience = testAudience
	cfg.Identity.Algorithms = []string{"RS256"}
	cfg.Server.HandlerTimeout = 10 * time.Second
	cfg.Server.CORS.AllowedOrigins = []string{"https://lims.lab.test"}

	logger := zaptest.NewLogger(t)
	clock := func() time.Time { return Now }
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	h := &TestHarness{t: t, issuer: issuer, Registry: reg}

	var counters sequence.CounterStore = sequence.NewMemoryCounterStore()
	readiness := observability.ReadinessChecks{}
	if hc.redisCounters {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })
		store := sequence.NewRedisCounterStore(client, "seq")
		counters = store
		readiness["sequence_store"] = store
	}
	if b := hc.breaker; b != nil {
		h.Breaker = sequence.NewBreakerCounterStore(counters, b.FailureThreshold, b.SuccessThreshold, b.OpenTimeout)
		counters = h.Breaker
		readiness["sequence_store"] = h.Breaker
	}

	schemes := make([]sequence.Scheme, 0, len(cfg.Sequence.Schemes))
	for _, kind := range cfg.SchemeKinds() {
		s := cfg.Sequence.Schemes[kind]
		schemes = append(schemes, sequence.Scheme{Kind: kind, Prefix: s.Prefix, Digits: s.Digits})
	}
	numbers, err := sequence.NewGenerator(counters, schemes,
		sequence.WithClock(clock),
		sequence.WithLogger(logger.Named("sequence")),
		sequence.WithMetrics(metrics),
	)
	if err != nil {
		t.Fatalf("create generator: %v", err)
	}

	tx := storage.NewMemoryTransactor()
	sigs := signature.NewLedger(signature.NewMemoryStore(),
		signature.WithClock(clock), signature.WithMetrics(metrics))
	versions := version.NewLedger(tx, version.NewMemoryStore(time.Second),
		version.WithClock(clock), version.WithMetrics(metrics))
	h.Numbers = numbers
	h.Documents = document.NewService(tx, numbers, versions, sigs,
		document.WithClock(clock), document.WithLogger(logger.Named("document")), document.WithMetrics(metrics))
	h.Workflows = workflow.NewEngine(tx, workflow.NewMemoryStore(), sigs,
		workflow.WithClock(clock), workflow.WithLogger(logger.Named("workflow")), workflow.WithMetrics(metrics))

	deps := transport.Dependencies{
		Config:       cfg,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, transport.NewKeySet(nil, &issuer.privateKey.PublicKey)),
		Documents:    h.Documents,
		Workflows:    h.Workflows,
		Numbers:      numbers,
		Metrics:      metrics,
		Readiness:    readiness,
		Gatherer:     reg,
		Now:          clock,
	}
	if hc.policy != "" {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		if err := os.WriteFile(path, []byte(hc.policy), 0o600); err != nil {
			t.Fatalf("write policy: %v", err)
		}
		policy, err := capability.NewStaticPolicy(path)
		if err != nil {
			t.Fatalf("load policy: %v", err)
		}
		deps.Capabilities = capability.NewResolver(policy, time.Minute)
	}
	if hc.idempotency {
		deps.Idempotency = idempotency.NewMemoryStore()
		deps.IdempotencyTTL = time.Hour
	}

	h.server = httptest.NewServer(transport.NewRouter(deps))
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Token is shorthand for a valid token for subject with roles.
func (h *TestHarness) Token(subject string, roles ...string) string {
	return h.GenerateToken(TestClaims{SubjectID: subject, Email: subject + "@lab.test", Roles: roles})
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.Do("POST", path, body, token, headers)
}

// Do sends a request. A nil body sends no body; an empty token sends no
// Authorization header.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks the status code and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body := h.ReadBody(resp)
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks the status and parses the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body := h.ReadBody(resp)
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode returns the envelope code of an error response.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// LabPolicy grants the roles used across the suite.
const LabPolicy = `roles:
  author:
    - document:read
    - document:create
    - document:revise
    - workflow:read
    - workflow:create
    - workflow:submit
    - sequence:issue
    - sequence:read
  reviewer:
    - document:read
    - document:sign
    - "workflow:*"
  qa_manager:
    - "document:*"
    - "workflow:*"
    - sequence:read
`
