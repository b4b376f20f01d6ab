package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"

	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/internal/reconcile"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// JobStarter starts sync jobs
type JobStarter interface {
	Start(ctx context.Context, req pipeline.StartJobRequest) (string, error)
}

// ActiveJobCounter reports sync jobs that are still pending or running
type ActiveJobCounter interface {
	CountActiveJobs(ctx context.Context, since time.Time) (int, error)
}

// Reconciler checks status against storage
type Reconciler interface {
	Reconcile(ctx context.Context, opts reconcile.Options) (*reconcile.IntegrityReport, error)
}

// ReadinessComputer recomputes the readiness snapshot
type ReadinessComputer interface {
	ComputeReadiness(ctx context.Context) (*model.ReadinessSnapshot, error)
}

// Config holds cron expressions; an empty expression disables the entry
type Config struct {
	Sweep      string
	Reconcile  string
	Readiness  string
	SampleSize int
	// Timeout bounds a reconcile or readiness run
	Timeout time.Duration
	// ActiveWindow is how far back an unfinished job still blocks a sweep
	ActiveWindow time.Duration
}

// Scheduler runs periodic sweeps, sample reconciles and readiness refreshes
type Scheduler struct {
	cron      *cron.Cron
	cfg       Config
	jobs      JobStarter
	active    ActiveJobCounter
	reconcile Reconciler
	readiness ReadinessComputer
	logger    *log.Logger
}

// New creates a scheduler. Overlapping runs of one entry are skipped, and a
// sweep is skipped while any sync job is still unfinished.
func New(cfg Config, jobs JobStarter, active ActiveJobCounter, rec Reconciler, readiness ReadinessComputer, logger *log.Logger) *Scheduler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = 6 * time.Hour
	}
	return &Scheduler{
		cron:      cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		cfg:       cfg,
		jobs:      jobs,
		active:    active,
		reconcile: rec,
		readiness: readiness,
		logger:    logger,
	}
}

// Start registers the configured entries and starts the cron loop
func (s *Scheduler) Start() error {
	entries := []struct {
		name     string
		schedule string
		fn       func()
	}{
		{"sweep", s.cfg.Sweep, s.runSweep},
		{"reconcile", s.cfg.Reconcile, s.runReconcile},
		{"readiness", s.cfg.Readiness, s.runReadiness},
	}
	for _, e := range entries {
		if e.schedule == "" {
			s.logger.Info().Str("entry", e.name).Msg("schedule disabled")
			continue
		}
		if _, err := s.cron.AddFunc(e.schedule, e.fn); err != nil {
			return fmt.Errorf("schedule %s %q: %w", e.name, e.schedule, err)
		}
		s.logger.Info().Str("entry", e.name).Str("schedule", e.schedule).Msg("schedule registered")
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron loop and waits for running entries until ctx expires
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("scheduler stop timed out")
	}
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	n, err := s.active.CountActiveJobs(ctx, time.Now().Add(-s.cfg.ActiveWindow))
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled sweep skipped, active jobs unknown")
		return
	}
	if n > 0 {
		s.logger.Info().Int("active", n).Msg("scheduled sweep skipped, job still running")
		return
	}
	id, err := s.jobs.Start(ctx, pipeline.StartJobRequest{JobType: string(model.JobTypeIncremental), Source: "cron"})
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled sweep failed to start")
		return
	}
	s.logger.Info().Str("job_id", id).Msg("scheduled sweep started")
}

func (s *Scheduler) runReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	report, err := s.reconcile.Reconcile(ctx, reconcile.Options{SampleSize: s.cfg.SampleSize, AutoFix: true})
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled reconcile failed")
		return
	}
	s.logger.Info().Int("checked", report.TotalChecked).Int("fixed", report.FixedCount).Msg("scheduled reconcile done")
}

func (s *Scheduler) runReadiness() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	snap, err := s.readiness.ComputeReadiness(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled readiness failed")
		return
	}
	s.logger.Info().Bool("ready", snap.IsReady).Float64("coverage", snap.ImageCoverage).Msg("readiness recomputed")
}
