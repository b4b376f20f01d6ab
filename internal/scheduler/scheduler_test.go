package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/pet-image-sync/internal/logging"
	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/internal/reconcile"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

type fakeJobs struct {
	reqs []pipeline.StartJobRequest
	err  error
}

func (f *fakeJobs) Start(ctx context.Context, req pipeline.StartJobRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	return "job-1", f.err
}

type fakeActive struct {
	n     int
	err   error
	since []time.Time
}

func (f *fakeActive) CountActiveJobs(ctx context.Context, since time.Time) (int, error) {
	f.since = append(f.since, since)
	return f.n, f.err
}

type fakeReconciler struct{ opts []reconcile.Options }

func (f *fakeReconciler) Reconcile(ctx context.Context, opts reconcile.Options) (*reconcile.IntegrityReport, error) {
	f.opts = append(f.opts, opts)
	return &reconcile.IntegrityReport{}, nil
}

type fakeReadiness struct{ calls int }

func (f *fakeReadiness) ComputeReadiness(ctx context.Context) (*model.ReadinessSnapshot, error) {
	f.calls++
	return &model.ReadinessSnapshot{}, nil
}

func TestStart_RegistersOnlyConfiguredEntries(t *testing.T) {
	s := New(Config{Sweep: "@every 15m", Readiness: "*/5 * * * *"}, &fakeJobs{}, &fakeActive{}, &fakeReconciler{}, &fakeReadiness{}, logging.Discard())
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	assert.Len(t, s.cron.Entries(), 2)
}

func TestStart_RejectsBadExpression(t *testing.T) {
	s := New(Config{Reconcile: "every tuesday"}, &fakeJobs{}, &fakeActive{}, &fakeReconciler{}, &fakeReadiness{}, logging.Discard())
	err := s.Start()
	assert.ErrorContains(t, err, "reconcile")
}

func TestEntries(t *testing.T) {
	jobs := &fakeJobs{}
	rec := &fakeReconciler{}
	ready := &fakeReadiness{}
	s := New(Config{SampleSize: 25, Timeout: time.Second}, jobs, &fakeActive{}, rec, ready, logging.Discard())

	s.runSweep()
	require.Len(t, jobs.reqs, 1)
	assert.Equal(t, pipeline.StartJobRequest{JobType: "incremental", Source: "cron"}, jobs.reqs[0])

	s.runReconcile()
	assert.Equal(t, []reconcile.Options{{SampleSize: 25, AutoFix: true}}, rec.opts)

	s.runReadiness()
	assert.Equal(t, 1, ready.calls)

	// a failed start is logged, not fatal
	jobs.err = errors.New("db down")
	s.runSweep()
	assert.Len(t, jobs.reqs, 2)
}

func TestSweep_SkippedWhileJobActive(t *testing.T) {
	jobs := &fakeJobs{}
	active := &fakeActive{n: 1}
	s := New(Config{ActiveWindow: time.Hour}, jobs, active, &fakeReconciler{}, &fakeReadiness{}, logging.Discard())

	before := time.Now()
	s.runSweep()
	assert.Empty(t, jobs.reqs)
	require.Len(t, active.since, 1)
	assert.WithinDuration(t, before.Add(-time.Hour), active.since[0], time.Second)

	active.n, active.err = 0, errors.New("db down")
	s.runSweep()
	assert.Empty(t, jobs.reqs)

	active.err = nil
	s.runSweep()
	assert.Len(t, jobs.reqs, 1)
}
