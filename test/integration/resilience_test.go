package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/labqms/internal/sequence"
	"github.com/pitabwire/labqms/model"
)

func TestResilience_BreakerTripsAndRecovers(t *testing.T) {
	h := NewTestHarness(t, WithRedisCounters(), WithBreaker(2, 1, 100*time.Millisecond))
	token := h.Token("user-alice")

	h.AssertStatus(t, h.POST("/api/sequences/calibration/next", nil, token), http.StatusCreated)

	h.Redis.Close()
	for i := 0; i < 2; i++ {
		resp := h.POST("/api/sequences/calibration/next", nil, token)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		require.Equal(t, model.ErrSequenceUnavailable, h.ErrorCode(resp))
	}
	require.Equal(t, sequence.BreakerOpen, h.Breaker.State())

	// Open: refused without touching the store, and readiness reports it.
	resp := h.POST("/api/documents", map[string]any{"title": "SOP"}, token)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, model.ErrSequenceUnavailable, h.ErrorCode(resp))
	h.AssertStatus(t, h.GET("/ready", ""), http.StatusServiceUnavailable)

	require.NoError(t, h.Redis.Restart())
	require.Eventually(t, func() bool {
		return h.Breaker.State() == sequence.BreakerHalfOpen
	}, 2*time.Second, 20*time.Millisecond)

	var id struct {
		Identifier string `json:"identifier"`
	}
	h.AssertJSON(t, h.POST("/api/sequences/calibration/next", nil, token), http.StatusCreated, &id)
	require.Equal(t, "CAL-2025-002", id.Identifier)
	require.Equal(t, sequence.BreakerClosed, h.Breaker.State())
}

// A failed create consumes no document number.
func TestResilience_FailedCreateDoesNotConsumeNumber(t *testing.T) {
	h := NewTestHarness(t, WithPolicy(LabPolicy))
	author := h.Token("user-alice", "author")

	resp := h.POST("/api/documents", map[string]any{"title": "  "}, author)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	h.ReadBody(resp)

	doc := createDocument(t, h, author, "Freezer log")
	require.Equal(t, "QSF-2025-001", doc.Number)
}

func TestResilience_StoreErrorIsSequenceUnavailable(t *testing.T) {
	h := NewTestHarness(t, WithRedisCounters())
	h.Redis.SetError("LOADING Redis is loading the dataset in memory")

	resp := h.POST("/api/sequences/sample/next", nil, h.Token("user-alice"))
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, model.ErrSequenceUnavailable, h.ErrorCode(resp))

	h.Redis.SetError("")
	h.AssertStatus(t, h.POST("/api/sequences/sample/next", nil, h.Token("user-alice")), http.StatusCreated)
}
