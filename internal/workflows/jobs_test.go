package workflows

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/pet-image-sync/internal/logging"
	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/internal/reconcile"
)

// fakePets serves pets from a slice; a pet leaves the missing set once a
// fake batch marks it done.
type fakePets struct {
	mu        sync.Mutex
	pets      []model.Pet
	done      map[string]bool
	pending   []model.Pet
	cutoffs   []time.Time
	readiness int
}

func (f *fakePets) GetPetsMissingImages(ctx context.Context, limit int, petType model.PetType, exclude []string) ([]model.Pet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Pet
	for _, p := range f.pets {
		if f.done[p.ID] || (petType != "" && p.Type != petType) || slices.Contains(exclude, p.ID) {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakePets) GetPendingScreenshots(ctx context.Context, limit int, before time.Time) ([]model.Pet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.pending, nil
}

func (f *fakePets) ComputeReadiness(ctx context.Context) (*model.ReadinessSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readiness++
	return &model.ReadinessSnapshot{IsReady: true, ImageCoverage: 0.9}, nil
}

// fakeBatches succeeds for every pet not listed in failing.
type fakeBatches struct {
	pets    *fakePets
	failing map[string]bool
	batches []string
	sizes   []int
}

func (f *fakeBatches) RunBatch(ctx context.Context, batchID string, pets []model.Pet) (*BatchResult, error) {
	f.batches = append(f.batches, batchID)
	f.sizes = append(f.sizes, len(pets))
	br := &BatchResult{BatchID: batchID}
	for _, p := range pets {
		if f.failing[p.ID] {
			br.FailedCount++
			br.Results = append(br.Results, PetResult{PetID: p.ID, State: StateFailed})
			continue
		}
		f.pets.mu.Lock()
		f.pets.done[p.ID] = true
		f.pets.mu.Unlock()
		br.SuccessCount++
		br.Results = append(br.Results, PetResult{PetID: p.ID, State: StateDone})
	}
	return br, nil
}

type fakeReconciler struct {
	opts []reconcile.Options
}

func (f *fakeReconciler) Reconcile(ctx context.Context, opts reconcile.Options) (*reconcile.IntegrityReport, error) {
	f.opts = append(f.opts, opts)
	return &reconcile.IntegrityReport{TotalChecked: 7, FixedCount: 2}, nil
}

func newFakePets(n int) *fakePets {
	f := &fakePets{done: map[string]bool{}}
	for i := 0; i < n; i++ {
		typ := model.PetTypeDog
		if i%2 == 1 {
			typ = model.PetTypeCat
		}
		f.pets = append(f.pets, model.Pet{ID: fmt.Sprintf("p%02d", i), Type: typ, SourceURL: "https://shelter.example"})
	}
	return f
}

func wctxFor(job *model.SyncJob) (*WorkflowContext, *[]float64) {
	var progress []float64
	return &WorkflowContext{
		Ctx:      context.Background(),
		Job:      job,
		RunID:    "job-1",
		progress: func(p float64) { progress = append(progress, p) },
	}, &progress
}

func TestImageSyncWorkflow_OneBatchOfPetType(t *testing.T) {
	pets := newFakePets(10)
	batches := &fakeBatches{pets: pets}
	wf := NewImageSyncWorkflow(pets, batches, logging.Discard())

	dog := model.PetTypeDog
	wctx, _ := wctxFor(&model.SyncJob{Type: model.JobTypeImage, BatchSize: 3, PetType: &dog})
	res, err := wf.Execute(wctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"job-1"}, batches.batches)
	assert.Equal(t, []int{3}, batches.sizes)
	assert.Equal(t, 3, res.Outputs["succeeded"])
	assert.True(t, pets.done["p00"])
	assert.False(t, pets.done["p01"])
}

func TestImageSyncWorkflow_NothingToDo(t *testing.T) {
	pets := newFakePets(0)
	batches := &fakeBatches{pets: pets}
	wf := NewImageSyncWorkflow(pets, batches, logging.Discard())

	wctx, _ := wctxFor(&model.SyncJob{Type: model.JobTypeImage, BatchSize: 5})
	res, err := wf.Execute(wctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, batches.batches)
}

func TestIncrementalSyncWorkflow_RetriesStalledThenSweeps(t *testing.T) {
	pets := newFakePets(4)
	pets.pending = []model.Pet{pets.pets[0]}
	batches := &fakeBatches{pets: pets, failing: map[string]bool{"p00": true}}
	wf := NewIncrementalSyncWorkflow(pets, batches, 10*time.Minute, logging.Discard())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	wf.now = func() time.Time { return now }

	wctx, progress := wctxFor(&model.SyncJob{Type: model.JobTypeIncremental, BatchSize: 10})
	res, err := wf.Execute(wctx)
	require.NoError(t, err)

	assert.Equal(t, []time.Time{now.Add(-10 * time.Minute)}, pets.cutoffs)
	assert.Equal(t, []string{"job-1-stalled", "job-1-sweep"}, batches.batches)
	// the stalled pet failed again and is not retried in the same job
	assert.Equal(t, []int{1, 3}, batches.sizes)
	assert.Equal(t, 1, res.Outputs["stalled"])
	assert.Equal(t, 3, res.Outputs["succeeded"])
	assert.Equal(t, 1, res.Outputs["failed"])
	assert.Equal(t, []float64{50}, *progress)
}

func TestFullSyncWorkflow_SweepsUntilDone(t *testing.T) {
	pets := newFakePets(7)
	batches := &fakeBatches{pets: pets}
	rec := &fakeReconciler{}
	wf := NewFullSyncWorkflow(pets, batches, rec, 10, logging.Discard())

	wctx, progress := wctxFor(&model.SyncJob{Type: model.JobTypeFull, BatchSize: 3})
	res, err := wf.Execute(wctx)
	require.NoError(t, err)

	require.Len(t, rec.opts, 1)
	assert.True(t, rec.opts[0].AutoFix)
	assert.Zero(t, rec.opts[0].SampleSize)

	assert.Equal(t, []string{"job-1-1", "job-1-2", "job-1-3"}, batches.batches)
	assert.Equal(t, []int{3, 3, 1}, batches.sizes)
	assert.Equal(t, 3, res.Outputs["rounds"])
	assert.Equal(t, 7, res.Outputs["succeeded"])
	assert.Equal(t, 2, res.Outputs["fixed"])
	assert.Equal(t, true, res.Outputs["ready"])
	assert.Equal(t, 1, pets.readiness)
	assert.Equal(t, 20.0, (*progress)[0])
}

func TestFullSyncWorkflow_StopsWhenOnlyFailuresRemain(t *testing.T) {
	pets := newFakePets(4)
	failing := map[string]bool{}
	for _, p := range pets.pets {
		failing[p.ID] = true
	}
	batches := &fakeBatches{pets: pets, failing: failing}
	wf := NewFullSyncWorkflow(pets, batches, &fakeReconciler{}, 10, logging.Discard())

	wctx, _ := wctxFor(&model.SyncJob{Type: model.JobTypeFull, BatchSize: 10})
	res, err := wf.Execute(wctx)
	require.NoError(t, err)
	assert.Len(t, batches.batches, 1)
	assert.Equal(t, 1, res.Outputs["rounds"])
	assert.Equal(t, 4, res.Outputs["failed"])
	assert.Equal(t, 1, pets.readiness)
}

func TestFullSyncWorkflow_FailingNewestPetsDoNotHideOthers(t *testing.T) {
	pets := newFakePets(10)
	failing := map[string]bool{"p00": true, "p01": true, "p02": true, "p04": true}
	batches := &fakeBatches{pets: pets, failing: failing}
	wf := NewFullSyncWorkflow(pets, batches, &fakeReconciler{}, 10, logging.Discard())

	wctx, _ := wctxFor(&model.SyncJob{Type: model.JobTypeFull, BatchSize: 4})
	res, err := wf.Execute(wctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"job-1-1", "job-1-2", "job-1-3"}, batches.batches)
	assert.Equal(t, []int{4, 4, 2}, batches.sizes)
	assert.Equal(t, 6, res.Outputs["succeeded"])
	assert.Equal(t, 4, res.Outputs["failed"])
	for _, p := range pets.pets {
		if !failing[p.ID] {
			assert.True(t, pets.done[p.ID], p.ID)
		}
	}
}
