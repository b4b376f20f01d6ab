package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	_ "github.com/lib/pq"

	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

var (
	// ErrMissingDatabaseURL is returned when no DBOS system database is configured
	ErrMissingDatabaseURL = errors.New("dbos database url is required")
	// ErrLaunched is returned for a registration attempted after Launch
	ErrLaunched = errors.New("dbos runtime already launched")
)

// BatchSummary is the recorded output of a batch workflow
type BatchSummary struct {
	BatchID   string `json:"batch_id"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Abandoned int    `json:"abandoned"`
}

// BatchFunc runs one dequeued batch
type BatchFunc func(ctx context.Context, payload pipeline.BatchPayload) (BatchSummary, error)

// Runtime owns the DBOS context, the shared workflow queue and the batch
// workflow. Sync jobs and capture batches share the queue, whose worker
// concurrency is Config.Concurrency.
type Runtime struct {
	dbosContext dbos.DBOSContext
	queue       dbos.WorkflowQueue
	config      Config
	db          *sql.DB

	mu            sync.Mutex
	launched      bool
	servesBatches bool
}

// NewRuntime creates the DBOS context and its queue. Workflows must be
// registered before Launch.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	cfg.WithDefaults()

	dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("create dbos context: %w", err)
	}

	// batch rows are inserted directly so workers in any language can own them
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open dbos database: %w", err)
	}

	return &Runtime{
		dbosContext: dbosCtx,
		queue:       dbos.NewWorkflowQueue(dbosCtx, cfg.QueueName, dbos.WithWorkerConcurrency(cfg.Concurrency)),
		config:      cfg,
		db:          db,
	}, nil
}

// ServeBatches registers run as the batch workflow under BatchWorkflowName,
// so this process dequeues the batches EnqueueBatch writes. Only valid
// with Config.ServeBatches, which also switches the enqueued input to the
// encoding this SDK decodes.
func (r *Runtime) ServeBatches(run BatchFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.launched {
		return ErrLaunched
	}
	if !r.config.ServeBatches {
		return errors.New("dbos batch serving is disabled")
	}
	if r.servesBatches {
		return nil
	}
	dbos.RegisterWorkflow(r.dbosContext, batchWorkflow(run), dbos.WithWorkflowName(r.config.BatchWorkflowName))
	r.servesBatches = true
	return nil
}

func batchWorkflow(run BatchFunc) dbos.Workflow[pipeline.BatchPayload, BatchSummary] {
	return func(ctx dbos.DBOSContext, payload pipeline.BatchPayload) (BatchSummary, error) {
		return run(ctx, payload)
	}
}

// Launch starts the DBOS runtime and its queue workers
func (r *Runtime) Launch() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.launched {
		return ErrLaunched
	}
	if err := dbos.Launch(r.dbosContext); err != nil {
		return err
	}
	r.launched = true
	return nil
}

// Shutdown stops the workers and closes the enqueue connection
func (r *Runtime) Shutdown(timeout time.Duration) error {
	dbos.Shutdown(r.dbosContext, timeout)
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Context returns the DBOS context
func (r *Runtime) Context() dbos.DBOSContext {
	return r.dbosContext
}

// QueueName returns the configured queue name
func (r *Runtime) QueueName() string {
	return r.config.QueueName
}

// BatchWorkflowName returns the name capture batches are enqueued under
func (r *Runtime) BatchWorkflowName() string {
	return r.config.BatchWorkflowName
}

// ServesBatches reports whether this process registered the batch workflow
func (r *Runtime) ServesBatches() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servesBatches
}
