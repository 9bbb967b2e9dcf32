package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lienwatch/noticecrawl/internal/metrics"
)

func TestHealthz(t *testing.T) {
	t.Parallel()
	metrics.Init()

	s := NewServer(0, nil, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestStatusReportsSnapshot(t *testing.T) {
	t.Parallel()
	metrics.Init()

	s := NewServer(0, func() Snapshot {
		return Snapshot{
			RunID:            "run-1",
			SearchDate:       "2026-03-09",
			PagesCrawled:     2,
			NoticesProcessed: 61,
			RecordsWritten:   60,
			ChallengesSolved: 5,
		}
	}, nil)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "run-1", snap.RunID)
	require.Equal(t, 61, snap.NoticesProcessed)
	require.Equal(t, 60, snap.RecordsWritten)
}

func TestMetricsEndpointServes(t *testing.T) {
	t.Parallel()
	metrics.Init()

	s := NewServer(0, nil, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.String())
}
