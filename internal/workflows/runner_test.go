package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/pet-image-sync/internal/database"
	"github.com/tendant/pet-image-sync/internal/logging"
	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/internal/status"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// stubWorkflow runs fn as its body.
type stubWorkflow struct {
	fn func(wctx *WorkflowContext) (*WorkflowResult, error)
}

func (s stubWorkflow) Name() string { return "stub" }

func (s stubWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	return s.fn(wctx)
}

func newTestRunner(t *testing.T) (*WorkflowRunner, *status.Store) {
	t.Helper()
	db, err := database.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	jobs := status.NewStore(db, model.ReadinessThresholds{})
	runner := NewWorkflowRunner(jobs, nil, 25, logging.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		runner.Shutdown(ctx)
	})
	return runner, jobs
}

func waitForStatus(t *testing.T, jobs *status.Store, id string, want model.JobStatus) *model.SyncJob {
	t.Helper()
	var job *model.SyncJob
	require.Eventually(t, func() bool {
		j, err := jobs.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestStart_RejectsInvalidRequests(t *testing.T) {
	runner, _ := newTestRunner(t)
	runner.Register(model.JobTypeImage, stubWorkflow{})

	zero := 0
	bird := "bird"
	tests := []struct {
		name string
		req  pipeline.StartJobRequest
		want error
	}{
		{"missing type", pipeline.StartJobRequest{Source: "admin"}, ErrInvalidRequest},
		{"unknown type", pipeline.StartJobRequest{JobType: "nightly", Source: "admin"}, ErrInvalidRequest},
		{"missing source", pipeline.StartJobRequest{JobType: "image"}, ErrInvalidRequest},
		{"bad batch size", pipeline.StartJobRequest{JobType: "image", Source: "admin", BatchSize: &zero}, ErrInvalidRequest},
		{"bad pet type", pipeline.StartJobRequest{JobType: "image", Source: "admin", PetType: &bird}, ErrInvalidRequest},
		{"unregistered", pipeline.StartJobRequest{JobType: "full", Source: "admin"}, ErrWorkflowNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runner.Start(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStart_RunsJobToCompletion(t *testing.T) {
	runner, jobs := newTestRunner(t)
	seen := make(chan *model.SyncJob, 1)
	runner.Register(model.JobTypeImage, stubWorkflow{fn: func(wctx *WorkflowContext) (*WorkflowResult, error) {
		wctx.ReportProgress(40)
		seen <- wctx.Job
		return &WorkflowResult{Success: true}, nil
	}})

	cat := "cat"
	id, err := runner.Start(context.Background(), pipeline.StartJobRequest{JobType: "image", Source: "admin", PetType: &cat})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job := waitForStatus(t, jobs, id, model.JobStatusCompleted)
	assert.Equal(t, 100.0, job.Progress)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	ran := <-seen
	assert.Equal(t, 25, ran.BatchSize)
	require.NotNil(t, ran.PetType)
	assert.Equal(t, model.PetTypeCat, *ran.PetType)
	assert.Equal(t, "admin", ran.Source)
}

func TestStart_FailedWorkflowFailsJob(t *testing.T) {
	runner, jobs := newTestRunner(t)
	runner.Register(model.JobTypeFull, stubWorkflow{fn: func(wctx *WorkflowContext) (*WorkflowResult, error) {
		return nil, errors.New("database unavailable")
	}})

	id, err := runner.Start(context.Background(), pipeline.StartJobRequest{JobType: "full", Source: "cron"})
	require.NoError(t, err)

	job := waitForStatus(t, jobs, id, model.JobStatusFailed)
	assert.Contains(t, job.Error, "database unavailable")
}

func TestStart_PanickingWorkflowFailsJob(t *testing.T) {
	runner, jobs := newTestRunner(t)
	runner.Register(model.JobTypeIncremental, stubWorkflow{fn: func(wctx *WorkflowContext) (*WorkflowResult, error) {
		panic("nil map")
	}})

	id, err := runner.Start(context.Background(), pipeline.StartJobRequest{JobType: "incremental", Source: "admin"})
	require.NoError(t, err)

	job := waitForStatus(t, jobs, id, model.JobStatusFailed)
	assert.Contains(t, job.Error, "panicked")
}

func TestRun_TerminalJobIsNotRerun(t *testing.T) {
	runner, jobs := newTestRunner(t)
	calls := 0
	runner.Register(model.JobTypeImage, stubWorkflow{fn: func(wctx *WorkflowContext) (*WorkflowResult, error) {
		calls++
		return &WorkflowResult{Success: true}, nil
	}})

	ctx := context.Background()
	job := &model.SyncJob{Type: model.JobTypeImage, Source: "admin", BatchSize: 10}
	require.NoError(t, jobs.CreateJob(ctx, job))

	res, err := runner.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = runner.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, calls)
}

func TestRun_UnknownJob(t *testing.T) {
	runner, _ := newTestRunner(t)
	_, err := runner.Run(context.Background(), "missing")
	assert.ErrorIs(t, err, status.ErrJobNotFound)
}
