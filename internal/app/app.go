// Package app assembles the pipeline components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tendant/pet-image-sync/internal/capture"
	"github.com/tendant/pet-image-sync/internal/config"
	"github.com/tendant/pet-image-sync/internal/convert"
	"github.com/tendant/pet-image-sync/internal/database"
	"github.com/tendant/pet-image-sync/internal/dbosruntime"
	"github.com/tendant/pet-image-sync/internal/dedupe"
	"github.com/tendant/pet-image-sync/internal/dispatch"
	"github.com/tendant/pet-image-sync/internal/executors"
	"github.com/tendant/pet-image-sync/internal/metrics"
	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/internal/reconcile"
	"github.com/tendant/pet-image-sync/internal/status"
	"github.com/tendant/pet-image-sync/internal/storage"
	"github.com/tendant/pet-image-sync/internal/workflows"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// App holds the wired components shared by the server and worker binaries
type App struct {
	Config       *config.Config
	Logger       *log.Logger
	DB           *database.DB
	Status       *status.Store
	Images       storage.ImageStore
	Requests     *dedupe.Tracker
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Orchestrator *workflows.Orchestrator
	Reconciler   *reconcile.Reconciler
	Runner       *workflows.WorkflowRunner
	Executor     *executors.BatchExecutor
	// DBOS is nil unless a DBOS system database is configured
	DBOS *dbosruntime.Runtime
}

// New opens storage and builds every component. The browser is not
// started until a batch runs.
func New(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	images, err := NewImageStore(cfg.Storage)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open image store: %w", err)
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Images:   images,
		Requests: dedupe.NewTracker(db),
		Registry: prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	a.Status = status.NewStore(db, model.ReadinessThresholds{
		MinDogs:     cfg.Readiness.MinDogs,
		MinCats:     cfg.Readiness.MinCats,
		MinCoverage: cfg.Readiness.MinCoverage,
	})

	launcher := capture.NewLauncher(chromeOptions(cfg.Capture), captureOptions(cfg.Capture), logger)
	a.Orchestrator = workflows.NewOrchestrator(
		workflows.LaunchFunc(func(ctx context.Context) (workflows.Capturer, error) {
			session, err := launcher.Launch(ctx)
			if err != nil {
				return nil, err
			}
			return session, nil
		}),
		convert.NewConverter(convert.Options{}),
		images,
		a.Status,
		workflows.OrchestratorConfig{
			MaxAttempts:  cfg.Pipeline.MaxAttempts,
			RetryBackoff: cfg.Pipeline.RetryBackoff,
			Concurrency:  cfg.Pipeline.Concurrency,
			RequestDelay: cfg.Pipeline.RequestDelay,
			BatchTimeout: cfg.Pipeline.BatchTimeout,
		},
		logger,
		a.Metrics,
	)
	a.Reconciler = reconcile.NewReconciler(a.Status, images, cfg.Reconcile.Concurrency, logger, a.Metrics)
	a.Executor = executors.NewBatchExecutor(a.Orchestrator, logger)

	if cfg.DBOS.DatabaseURL != "" {
		a.DBOS, err = dbosruntime.NewRuntime(ctx, dbosruntime.Config{
			DatabaseURL:        cfg.DBOS.DatabaseURL,
			AppName:            cfg.DBOS.AppName,
			QueueName:          cfg.DBOS.QueueName,
			BatchWorkflowName:  cfg.Dispatch.Workflow,
			Concurrency:        cfg.DBOS.Concurrency,
			ApplicationVersion: cfg.DBOS.ApplicationVersion,
			ServeBatches:       cfg.DBOS.ServeBatches,
		})
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("initialize dbos: %w", err)
		}
	}

	a.Runner = workflows.NewWorkflowRunner(a.Status, a.DBOS, cfg.Pipeline.BatchSize, logger)
	a.Runner.Register(model.JobTypeImage, workflows.NewImageSyncWorkflow(a.Status, a.Orchestrator, logger))
	a.Runner.Register(model.JobTypeIncremental, workflows.NewIncrementalSyncWorkflow(a.Status, a.Orchestrator, cfg.Pipeline.StallThreshold, logger))
	a.Runner.Register(model.JobTypeFull, workflows.NewFullSyncWorkflow(a.Status, a.Orchestrator, a.Reconciler, 0, logger))

	return a, nil
}

// ServeDBOSBatches registers the executor as the DBOS batch workflow. It
// must run before Launch.
func (a *App) ServeDBOSBatches() error {
	if a.DBOS == nil {
		return errors.New("dbos batches require dbos.database_url")
	}
	return a.DBOS.ServeBatches(func(ctx context.Context, payload pipeline.BatchPayload) (dbosruntime.BatchSummary, error) {
		br, err := a.Executor.Execute(ctx, payload)
		if err != nil {
			return dbosruntime.BatchSummary{}, err
		}
		return dbosruntime.BatchSummary{
			BatchID:   br.BatchID,
			Succeeded: br.SuccessCount,
			Failed:    br.FailedCount,
			Abandoned: br.AbandonedCount,
		}, nil
	})
}

// Launch starts the DBOS runtime; it must run after workflows are registered
func (a *App) Launch() error {
	if a.DBOS == nil {
		return nil
	}
	if err := a.DBOS.Launch(); err != nil {
		return fmt.Errorf("launch dbos: %w", err)
	}
	a.Logger.Info().Str("queue", a.DBOS.QueueName()).Msg("dbos runtime launched")
	return nil
}

// NewDispatcher builds the dispatcher selected by dispatch.mode
func (a *App) NewDispatcher() (dispatch.Dispatcher, error) {
	d := a.Config.Dispatch
	switch d.Mode {
	case "", "inline":
		return dispatch.NewInlineDispatcher(a.Executor, dispatch.InlineConfig{
			Workers:   d.InlineWorkers,
			QueueSize: d.InlineQueue,
		}, a.Logger), nil
	case "asynq":
		client := asynq.NewClient(RedisOpt(d.Redis))
		return dispatch.NewAsynqDispatcher(client, d.Redis.Queue), nil
	case "kafka":
		return dispatch.NewKafkaDispatcher(d.Kafka.Brokers, d.Kafka.Topic), nil
	case "dbos":
		if a.DBOS == nil {
			return nil, errors.New("dbos dispatch requires dbos.database_url")
		}
		return dispatch.NewDBOSDispatcher(a.DBOS, a.Logger), nil
	}
	return nil, fmt.Errorf("unknown dispatch mode %q", d.Mode)
}

// RedisOpt converts redis settings to asynq connection options
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
}

// Close stops jobs and releases storage, waiting at most until ctx expires
func (a *App) Close(ctx context.Context) {
	if err := a.Runner.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("jobs cancelled on shutdown")
	}
	if a.DBOS != nil {
		timeout := 10 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := a.DBOS.Shutdown(timeout); err != nil {
			a.Logger.Warn().Err(err).Msg("dbos shutdown")
		}
	}
	a.closeStores()
}

func (a *App) closeStores() {
	if err := a.Images.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("close image store")
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("close database")
	}
}

// NewImageStore opens the configured storage backend
func NewImageStore(cfg config.StorageConfig) (storage.ImageStore, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3Storage(storage.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		}), nil
	case "badger":
		return storage.NewBadgerStorage(cfg.Badger.Dir, cfg.Badger.InMemory)
	case "", "filesystem":
		return storage.NewFilesystemStorage(cfg.Filesystem.Dir)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func chromeOptions(cfg config.CaptureConfig) capture.ChromeOptions {
	return capture.ChromeOptions{
		Headless:       cfg.Headless,
		NoSandbox:      cfg.NoSandbox,
		UserAgent:      cfg.UserAgent,
		ViewportWidth:  cfg.ViewportWidth,
		ViewportHeight: cfg.ViewportHeight,
	}
}

func captureOptions(cfg config.CaptureConfig) capture.Options {
	return capture.Options{
		NavigationTimeout: cfg.NavigationTimeout,
		SettleDelay:       cfg.SettleDelay,
		Selectors:         cfg.Selectors,
		ChromeFilters:     cfg.ChromeFilters,
		FallbackClip: capture.Rect{
			X:      cfg.ClipX,
			Y:      cfg.ClipY,
			Width:  cfg.ClipWidth,
			Height: cfg.ClipHeight,
		},
	}.WithDefaults()
}
