package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("response = %+v", resp)
	}
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		"database":       &mockHealthChecker{},
		"sequence_store": HealthCheckFunc(func(context.Context) error { return nil }),
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 2 {
		t.Errorf("checks = %d, want 2", len(resp.Checks))
	}
	for name, c := range resp.Checks {
		if c.Status != "ok" {
			t.Errorf("%s status = %q, want ok", name, c.Status)
		}
	}
}

func TestHandleReady_dependencyDown(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		"database":       &mockHealthChecker{},
		"sequence_store": &mockHealthChecker{err: errors.New("dial tcp: connection refused")},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	seq := resp.Checks["sequence_store"]
	if seq.Status != "error" || seq.Error != "dial tcp: connection refused" {
		t.Errorf("sequence_store = %+v", seq)
	}
	if resp.Checks["database"].Status != "ok" {
		t.Errorf("database = %+v, want ok", resp.Checks["database"])
	}
}

func TestHandleReady_nilCheckersSkipped(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		"database":       &mockHealthChecker{},
		"sequence_store": nil,
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if _, ok := resp.Checks["sequence_store"]; ok {
		t.Error("nil checker should not be reported")
	}
}

func TestHandleReady_checkTimesOut(t *testing.T) {
	slow := HealthCheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := httptest.NewRecorder()
	HandleReady(ReadinessChecks{"database": slow}).ServeHTTP(rec, req.WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
