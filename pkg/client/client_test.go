package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

func TestStartJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/admin/sync-jobs", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req pipeline.StartJobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "incremental", req.JobType)
		assert.Equal(t, "cli", req.Source)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(pipeline.StartJobResponse{JobID: "job-9"})
	}))
	defer srv.Close()

	resp, err := New(srv.URL).StartJob(context.Background(), pipeline.StartJobRequest{JobType: "incremental", Source: "cli"})
	require.NoError(t, err)
	assert.Equal(t, "job-9", resp.JobID)
}

func TestStartJob_BadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(srv.URL).StartJob(context.Background(), pipeline.StartJobRequest{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestGetJob_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := New(srv.URL).GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWaitForJob(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/sync-jobs/job-1", r.URL.Path)
		status := "running"
		if polls.Add(1) >= 3 {
			status = "completed"
		}
		json.NewEncoder(w).Encode(pipeline.JobStatusResponse{ID: "job-1", Status: status, Progress: 100})
	}))
	defer srv.Close()

	job, err := New(srv.URL).WaitForJob(context.Background(), "job-1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, int32(3), polls.Load())
}

func TestReadinessAndReconcile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/readiness", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pipeline.ReadinessResponse{TotalDogs: 30, TotalCats: 30, ImageCoverage: 0.85, IsReady: true})
	})
	mux.HandleFunc("POST /admin/readiness/recompute", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pipeline.ReadinessResponse{TotalDogs: 10})
	})
	mux.HandleFunc("POST /admin/reconcile", func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.ReconcileRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(pipeline.ReconcileResponse{TotalChecked: req.SampleSize, FixedCount: 1})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(srv.URL)
	ctx := context.Background()

	snap, err := c.GetReadiness(ctx)
	require.NoError(t, err)
	assert.True(t, snap.IsReady)

	snap, err = c.RecomputeReadiness(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, snap.TotalDogs)

	report, err := c.Reconcile(ctx, pipeline.ReconcileRequest{SampleSize: 12, AutoFix: true})
	require.NoError(t, err)
	assert.Equal(t, 12, report.TotalChecked)
	assert.Equal(t, 1, report.FixedCount)
}
