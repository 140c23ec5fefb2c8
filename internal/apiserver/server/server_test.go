package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bench-runner/internal/dispatcher"
	"bench-runner/internal/shared/model"
	"bench-runner/internal/shared/queue"
)

type stubSubmitter struct{}

func (stubSubmitter) Submit(_ context.Context, req dispatcher.SubmitRequest) (*model.Job, error) {
	return &model.Job{ID: "job-1", Harness: model.Harness(req.Harness), RunCount: req.RunCount}, nil
}

type stubStore struct{}

func (stubStore) GetJob(context.Context, string) (*model.Job, error)          { return nil, nil }
func (stubStore) ListJobs(context.Context, int, int) ([]*model.Job, error)    { return nil, nil }
func (stubStore) ListRunsByJob(context.Context, string) ([]*model.Run, error) { return nil, nil }

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestHandler(db Pinger) *Handler {
	reg := prometheus.NewRegistry()
	return NewHandler(Deps{
		Submitter: stubSubmitter{},
		Store:     stubStore{},
		Queue:     queue.NewMemoryQueue(),
		DB:        db,
		Registry:  reg,
		Gatherer:  reg,
	})
}

func TestHealth(t *testing.T) {
	router := newTestHandler(stubPinger{}).Router()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"queue"`)
}

func TestHealthDatabaseDown(t *testing.T) {
	router := newTestHandler(stubPinger{err: errors.New("connection refused")}).Router()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestSubmitIsCountedAndExported(t *testing.T) {
	h := newTestHandler(nil)
	router := h.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs",
		strings.NewReader(`{"task_path":"/t","harness":"harbor","model":"m","n_runs":4}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.GetMetrics().JobsSubmitted.WithLabelValues("harbor")))
	assert.Equal(t, 4.0, testutil.ToFloat64(h.GetMetrics().RunsSubmitted.WithLabelValues("harbor")))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bench_api_jobs_submitted_total")
	assert.Contains(t, rec.Body.String(), `path="/api/v1/jobs"`)
}

func TestCORSPreflight(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler(nil).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/api/v1/jobs":                "/api/v1/jobs",
		"/api/v1/jobs/":               "/api/v1/jobs/",
		"/api/v1/jobs/abc-123":        "/api/v1/jobs/{id}",
		"/api/v1/jobs/abc-123/runs":   "/api/v1/jobs/{id}/runs",
		"/api/v1/jobs/abc-123/events": "/api/v1/jobs/{id}/events",
		"/health":                     "/health",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}
