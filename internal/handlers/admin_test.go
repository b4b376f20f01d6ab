package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/pet-image-sync/internal/logging"
	"github.com/tendant/pet-image-sync/internal/metrics"
	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/internal/reconcile"
	"github.com/tendant/pet-image-sync/internal/status"
	"github.com/tendant/pet-image-sync/internal/workflows"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

type fakeAdmin struct {
	started   []pipeline.StartJobRequest
	startErr  error
	jobs      map[string]*model.SyncJob
	snapshot  *model.ReadinessSnapshot
	computed  int
	reconcile []reconcile.Options
}

func (f *fakeAdmin) Start(ctx context.Context, req pipeline.StartJobRequest) (string, error) {
	f.started = append(f.started, req)
	if f.startErr != nil {
		return "", f.startErr
	}
	return "job-1", nil
}

func (f *fakeAdmin) GetJob(ctx context.Context, id string) (*model.SyncJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, status.ErrJobNotFound)
	}
	return job, nil
}

func (f *fakeAdmin) GetReadiness(ctx context.Context) (*model.ReadinessSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeAdmin) ComputeReadiness(ctx context.Context) (*model.ReadinessSnapshot, error) {
	f.computed++
	f.snapshot = &model.ReadinessSnapshot{TotalDogs: 31, TotalCats: 30, IsReady: true}
	return f.snapshot, nil
}

func (f *fakeAdmin) Reconcile(ctx context.Context, opts reconcile.Options) (*reconcile.IntegrityReport, error) {
	f.reconcile = append(f.reconcile, opts)
	return &reconcile.IntegrityReport{TotalChecked: 4, MismatchedJPEG: []string{"p2"}}, nil
}

func newAdminRouter(f *fakeAdmin) *gin.Engine {
	h := NewAdminHandler(f, f, f, f, logging.Discard())
	return NewRouter(nil, h, nil, logging.Discard())
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStartJob(t *testing.T) {
	f := &fakeAdmin{}
	r := newAdminRouter(f)

	w := do(r, http.MethodPost, "/admin/sync-jobs", `{"jobType":"image","source":"admin","petType":"cat","batchSize":20}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp pipeline.StartJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	require.Len(t, f.started, 1)
	assert.Equal(t, "cat", *f.started[0].PetType)
	assert.Equal(t, 20, *f.started[0].BatchSize)
}

func TestStartJob_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"malformed", `{"jobType":`, nil, http.StatusBadRequest},
		{"invalid", `{"jobType":"weekly"}`, fmt.Errorf("%w: bad type", workflows.ErrInvalidRequest), http.StatusBadRequest},
		{"unregistered", `{"jobType":"full","source":"x"}`, workflows.ErrWorkflowNotFound, http.StatusBadRequest},
		{"store down", `{"jobType":"full","source":"x"}`, errors.New("database is locked"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(newAdminRouter(&fakeAdmin{startErr: tt.err}), http.MethodPost, "/admin/sync-jobs", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetJob(t *testing.T) {
	f := &fakeAdmin{jobs: map[string]*model.SyncJob{
		"j1": {ID: "j1", Type: model.JobTypeFull, Status: model.JobStatusFailed, Progress: 40, Error: "browser launch failed"},
	}}
	r := newAdminRouter(f)

	w := do(r, http.MethodGet, "/admin/sync-jobs/j1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp pipeline.JobStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, pipeline.JobStatusResponse{ID: "j1", Type: "full", Status: "failed", Progress: 40, Error: "browser launch failed"}, resp)

	w = do(r, http.MethodGet, "/admin/sync-jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReadiness(t *testing.T) {
	f := &fakeAdmin{}
	r := newAdminRouter(f)

	w := do(r, http.MethodGet, "/admin/readiness", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.computed)

	w = do(r, http.MethodGet, "/admin/readiness", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.computed)

	var snap model.ReadinessSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.True(t, snap.IsReady)
	assert.Equal(t, 31, snap.TotalDogs)

	w = do(r, http.MethodPost, "/admin/readiness/recompute", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, f.computed)
}

func TestReconcile(t *testing.T) {
	f := &fakeAdmin{}
	r := newAdminRouter(f)

	w := do(r, http.MethodPost, "/admin/reconcile", `{"sampleSize":50,"autoFix":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	var report reconcile.IntegrityReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 4, report.TotalChecked)
	assert.Equal(t, []string{"p2"}, report.MismatchedJPEG)

	w = do(r, http.MethodPost, "/admin/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []reconcile.Options{{SampleSize: 50, AutoFix: true}, {}}, f.reconcile)

	w = do(r, http.MethodPost, "/admin/reconcile", `{"sampleSize":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Served("jpeg", http.StatusOK)
	r := NewRouter(nil, nil, reg, logging.Discard())

	w := do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "petsync_")
}
