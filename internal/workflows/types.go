package workflows

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"github.com/tendant/pet-image-sync/internal/dbosruntime"
	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/internal/status"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// WorkflowContext contains context for workflow execution
type WorkflowContext struct {
	Ctx   context.Context
	Job   *model.SyncJob
	RunID string

	progress func(float64)
}

// ReportProgress records advisory job progress (0..100)
func (w *WorkflowContext) ReportProgress(p float64) {
	if w.progress != nil {
		w.progress(p)
	}
}

// WorkflowResult contains the result of workflow execution
type WorkflowResult struct {
	Success bool
	Error   string
	Outputs map[string]any
}

// Workflow defines the interface for sync job workflows
type Workflow interface {
	// Execute runs the workflow
	Execute(wctx *WorkflowContext) (*WorkflowResult, error)

	// Name returns the workflow name
	Name() string
}

// JobStore persists SyncJob records
type JobStore interface {
	CreateJob(ctx context.Context, job *model.SyncJob) error
	GetJob(ctx context.Context, id string) (*model.SyncJob, error)
	StartJob(ctx context.Context, id string) error
	UpdateJobProgress(ctx context.Context, id string, progress float64) error
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, message string) error
}

// WorkflowRunner starts sync jobs and executes them either on the DBOS
// durable queue or in a background goroutine
type WorkflowRunner struct {
	workflows        map[model.JobType]Workflow
	jobs             JobStore
	dbosRuntime      *dbosruntime.Runtime
	defaultBatchSize int
	logger           *log.Logger
	validate         *validator.Validate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkflowRunner creates a new workflow runner. dbosRuntime may be nil,
// in which case jobs run in-process.
func NewWorkflowRunner(jobs JobStore, dbosRuntime *dbosruntime.Runtime, defaultBatchSize int, logger *log.Logger) *WorkflowRunner {
	ctx, cancel := context.WithCancel(context.Background())
	if defaultBatchSize <= 0 {
		defaultBatchSize = 50
	}
	runner := &WorkflowRunner{
		workflows:        make(map[model.JobType]Workflow),
		jobs:             jobs,
		dbosRuntime:      dbosRuntime,
		defaultBatchSize: defaultBatchSize,
		logger:           logger,
		validate:         validator.New(),
		ctx:              ctx,
		cancel:           cancel,
	}

	// Register the DBOS workflow function
	if dbosRuntime != nil {
		dbos.RegisterWorkflow(dbosRuntime.Context(), runner.executeWorkflowDBOS)
	}

	return runner
}

// Register registers a workflow
func (r *WorkflowRunner) Register(jobType model.JobType, workflow Workflow) {
	r.workflows[jobType] = workflow
}

// Start validates the request, records a pending job and schedules it.
// It returns the job id without waiting for execution.
func (r *WorkflowRunner) Start(ctx context.Context, req pipeline.StartJobRequest) (string, error) {
	if err := r.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	jobType := model.JobType(req.JobType)
	if _, ok := r.workflows[jobType]; !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, jobType)
	}

	job := &model.SyncJob{
		Type:      jobType,
		Source:    req.Source,
		BatchSize: r.defaultBatchSize,
	}
	if req.BatchSize != nil {
		job.BatchSize = *req.BatchSize
	}
	if req.PetType != nil {
		pt, err := model.ParsePetType(*req.PetType)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		job.PetType = &pt
	}

	if err := r.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	if r.dbosRuntime != nil {
		// Enqueue workflow with DBOS; the job id doubles as the workflow id
		handle, err := dbos.RunWorkflow[string, *WorkflowResult](
			r.dbosRuntime.Context(),
			r.executeWorkflowDBOS,
			job.ID,
			dbos.WithWorkflowID(job.ID),
			dbos.WithQueue(r.dbosRuntime.QueueName()),
		)
		if err != nil {
			r.failJob(job.ID, fmt.Errorf("enqueue: %w", err))
			return "", fmt.Errorf("enqueue job: %w", err)
		}
		r.logger.Info().Str("job_id", handle.GetWorkflowID()).Str("type", string(jobType)).Msg("job enqueued")
		return job.ID, nil
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Run(r.ctx, job.ID)
	}()
	r.logger.Info().Str("job_id", job.ID).Str("type", string(jobType)).Str("source", job.Source).Msg("job started")
	return job.ID, nil
}

// Run executes a recorded job to a terminal state
func (r *WorkflowRunner) Run(ctx context.Context, jobID string) (*WorkflowResult, error) {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case model.JobStatusPending:
		if err := r.jobs.StartJob(ctx, jobID); err != nil {
			return nil, err
		}
	case model.JobStatusRunning:
		// recovered after a crash; run it again
		r.logger.Warn().Str("job_id", jobID).Msg("resuming running job")
	default:
		return &WorkflowResult{Success: job.Status == model.JobStatusCompleted, Error: job.Error}, nil
	}

	workflow, ok := r.workflows[job.Type]
	if !ok {
		r.failJob(jobID, ErrWorkflowNotFound)
		return &WorkflowResult{Success: false, Error: ErrWorkflowNotFound.Error()}, ErrWorkflowNotFound
	}

	wctx := &WorkflowContext{
		Ctx:   ctx,
		Job:   job,
		RunID: jobID,
		progress: func(p float64) {
			if err := r.jobs.UpdateJobProgress(ctx, jobID, p); err != nil {
				r.logger.Warn().Err(err).Str("job_id", jobID).Msg("update progress failed")
			}
		},
	}

	start := time.Now()
	r.logger.Info().Str("job_id", jobID).Str("workflow", workflow.Name()).Msg("workflow running")

	result, err := r.execute(workflow, wctx)
	if err != nil {
		r.failJob(jobID, err)
		return &WorkflowResult{Success: false, Error: err.Error()}, err
	}

	if err := r.jobs.CompleteJob(ctx, jobID); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("complete job failed")
	}
	r.logger.Info().Str("job_id", jobID).Dur("duration", time.Since(start)).Msg("workflow completed")
	return result, nil
}

func (r *WorkflowRunner) execute(workflow Workflow, wctx *WorkflowContext) (result *WorkflowResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workflow %s panicked: %v", workflow.Name(), p)
		}
	}()
	return workflow.Execute(wctx)
}

func (r *WorkflowRunner) failJob(jobID string, cause error) {
	// the job's own context may be cancelled; the terminal write must land
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.jobs.FailJob(ctx, jobID, cause.Error()); err != nil && !errors.Is(err, status.ErrInvalidTransition) {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("fail job failed")
	}
	r.logger.Warn().Err(cause).Str("job_id", jobID).Msg("job failed")
}

// executeWorkflowDBOS is the DBOS workflow function wrapping Run
func (r *WorkflowRunner) executeWorkflowDBOS(dbosCtx dbos.DBOSContext, jobID string) (*WorkflowResult, error) {
	// DBOSContext implements context.Context
	return r.Run(dbosCtx, jobID)
}

// Shutdown waits for in-process jobs, cancelling them if ctx expires first
func (r *WorkflowRunner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
