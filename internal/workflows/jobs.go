package workflows

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/phuslu/log"

	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/internal/reconcile"
)

// PetSource selects pets that need work
type PetSource interface {
	GetPetsMissingImages(ctx context.Context, limit int, petType model.PetType, exclude []string) ([]model.Pet, error)
	GetPendingScreenshots(ctx context.Context, limit int, requestedBefore time.Time) ([]model.Pet, error)
	ComputeReadiness(ctx context.Context) (*model.ReadinessSnapshot, error)
}

// BatchRunner processes a batch of pets
type BatchRunner interface {
	RunBatch(ctx context.Context, batchID string, pets []model.Pet) (*BatchResult, error)
}

// Reconciler repairs status drift
type Reconciler interface {
	Reconcile(ctx context.Context, opts reconcile.Options) (*reconcile.IntegrityReport, error)
}

func jobPetType(job *model.SyncJob) model.PetType {
	if job.PetType == nil {
		return ""
	}
	return *job.PetType
}

func batchOutputs(out map[string]any, br *BatchResult) {
	if br == nil {
		return
	}
	out["processed"] = toInt(out["processed"]) + len(br.Results)
	out["succeeded"] = toInt(out["succeeded"]) + br.SuccessCount
	out["failed"] = toInt(out["failed"]) + br.FailedCount
	out["abandoned"] = toInt(out["abandoned"]) + br.AbandonedCount
}

func toInt(v any) int {
	n, _ := v.(int)
	return n
}

// ImageSyncWorkflow captures images for the newest pets that have none
type ImageSyncWorkflow struct {
	pets    PetSource
	batches BatchRunner
	logger  *log.Logger
}

// NewImageSyncWorkflow creates the "image" job workflow
func NewImageSyncWorkflow(pets PetSource, batches BatchRunner, logger *log.Logger) *ImageSyncWorkflow {
	return &ImageSyncWorkflow{pets: pets, batches: batches, logger: logger}
}

// Name returns the workflow name
func (w *ImageSyncWorkflow) Name() string {
	return "ImageSyncWorkflow"
}

// Execute runs one sweep of pets missing images
func (w *ImageSyncWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	outputs := map[string]any{}
	if _, err := sweep(wctx, w.pets, w.batches, nil, wctx.RunID, outputs); err != nil {
		return nil, err
	}
	return &WorkflowResult{Success: true, Outputs: outputs}, nil
}

// sweep runs one batch of pets missing images that are not in exclude,
// then adds the processed ids to exclude. A nil result means nothing was
// selected.
func sweep(wctx *WorkflowContext, pets PetSource, batches BatchRunner, exclude map[string]bool, batchID string, outputs map[string]any) (*BatchResult, error) {
	job := wctx.Job
	tried := make([]string, 0, len(exclude))
	for id := range exclude {
		tried = append(tried, id)
	}
	slices.Sort(tried)

	selected, err := pets.GetPetsMissingImages(wctx.Ctx, job.BatchSize, jobPetType(job), tried)
	if err != nil {
		return nil, fmt.Errorf("select pets missing images: %w", err)
	}
	if len(selected) == 0 {
		return nil, nil
	}

	br, err := batches.RunBatch(wctx.Ctx, batchID, selected)
	if err != nil {
		return nil, err
	}
	for _, p := range selected {
		if exclude != nil {
			exclude[p.ID] = true
		}
	}
	batchOutputs(outputs, br)
	return br, nil
}

// IncrementalSyncWorkflow retries stalled captures and then sweeps
type IncrementalSyncWorkflow struct {
	pets           PetSource
	batches        BatchRunner
	stallThreshold time.Duration
	logger         *log.Logger
	now            func() time.Time
}

// NewIncrementalSyncWorkflow creates the "incremental" job workflow
func NewIncrementalSyncWorkflow(pets PetSource, batches BatchRunner, stallThreshold time.Duration, logger *log.Logger) *IncrementalSyncWorkflow {
	return &IncrementalSyncWorkflow{
		pets:           pets,
		batches:        batches,
		stallThreshold: stallThreshold,
		logger:         logger,
		now:            time.Now,
	}
}

// Name returns the workflow name
func (w *IncrementalSyncWorkflow) Name() string {
	return "IncrementalSyncWorkflow"
}

// Execute retries requests pending longer than the stall threshold, then
// sweeps pets that never had a request
func (w *IncrementalSyncWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	outputs := map[string]any{}
	attempted := map[string]bool{}

	stalled, err := w.pets.GetPendingScreenshots(wctx.Ctx, wctx.Job.BatchSize, w.now().Add(-w.stallThreshold))
	if err != nil {
		return nil, fmt.Errorf("select stalled captures: %w", err)
	}
	if len(stalled) > 0 {
		w.logger.Info().Str("job_id", wctx.RunID).Int("stalled", len(stalled)).Msg("retrying stalled captures")
		br, err := w.batches.RunBatch(wctx.Ctx, wctx.RunID+"-stalled", stalled)
		if err != nil {
			return nil, err
		}
		batchOutputs(outputs, br)
		for _, p := range stalled {
			attempted[p.ID] = true
		}
	}
	outputs["stalled"] = len(stalled)
	wctx.ReportProgress(50)

	if _, err := sweep(wctx, w.pets, w.batches, attempted, wctx.RunID+"-sweep", outputs); err != nil {
		return nil, err
	}
	return &WorkflowResult{Success: true, Outputs: outputs}, nil
}

// FullSyncWorkflow reconciles every pet, then sweeps until every pet
// missing images has been tried once, then recomputes readiness
type FullSyncWorkflow struct {
	pets       PetSource
	batches    BatchRunner
	reconciler Reconciler
	maxRounds  int
	logger     *log.Logger
}

// NewFullSyncWorkflow creates the "full" job workflow
func NewFullSyncWorkflow(pets PetSource, batches BatchRunner, reconciler Reconciler, maxRounds int, logger *log.Logger) *FullSyncWorkflow {
	if maxRounds <= 0 {
		maxRounds = 20
	}
	return &FullSyncWorkflow{
		pets:       pets,
		batches:    batches,
		reconciler: reconciler,
		maxRounds:  maxRounds,
		logger:     logger,
	}
}

// Name returns the workflow name
func (w *FullSyncWorkflow) Name() string {
	return "FullSyncWorkflow"
}

// Execute runs the full sync
func (w *FullSyncWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	outputs := map[string]any{}

	report, err := w.reconciler.Reconcile(wctx.Ctx, reconcile.Options{AutoFix: true})
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	outputs["reconciled"] = report.TotalChecked
	outputs["fixed"] = report.FixedCount
	wctx.ReportProgress(20)

	attempted := map[string]bool{}
	rounds := 0
	for rounds < w.maxRounds {
		if err := wctx.Ctx.Err(); err != nil {
			return nil, err
		}
		batchID := fmt.Sprintf("%s-%d", wctx.RunID, rounds+1)
		br, err := sweep(wctx, w.pets, w.batches, attempted, batchID, outputs)
		if err != nil {
			return nil, err
		}
		if br == nil {
			break
		}
		rounds++
		wctx.ReportProgress(20 + 70*float64(rounds)/float64(w.maxRounds))
		if br.SuccessCount == 0 {
			w.logger.Info().Str("job_id", wctx.RunID).Int("round", rounds).Int("failed", br.FailedCount).Msg("round made no progress")
		}
	}
	if rounds == w.maxRounds {
		w.logger.Warn().Str("job_id", wctx.RunID).Int("rounds", rounds).Msg("sweep stopped at round limit")
	}
	outputs["rounds"] = rounds

	snap, err := w.pets.ComputeReadiness(wctx.Ctx)
	if err != nil {
		return nil, fmt.Errorf("compute readiness: %w", err)
	}
	outputs["ready"] = snap.IsReady
	outputs["coverage"] = snap.ImageCoverage

	return &WorkflowResult{Success: true, Outputs: outputs}, nil
}

var (
	_ Workflow = (*ImageSyncWorkflow)(nil)
	_ Workflow = (*IncrementalSyncWorkflow)(nil)
	_ Workflow = (*FullSyncWorkflow)(nil)

	_ BatchRunner = (*Orchestrator)(nil)
)
