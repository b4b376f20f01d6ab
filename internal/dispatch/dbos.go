package dispatch

import (
	"context"
	"fmt"

	"github.com/phuslu/log"

	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// BatchEnqueuer is satisfied by *dbosruntime.Runtime
type BatchEnqueuer interface {
	EnqueueBatch(ctx context.Context, payload pipeline.BatchPayload) (string, error)
}

// DBOSDispatcher enqueues batches as DBOS workflows by name, for workers
// that may live in another process or language
type DBOSDispatcher struct {
	runtime BatchEnqueuer
	logger  *log.Logger
}

// NewDBOSDispatcher creates a DBOS-backed dispatcher
func NewDBOSDispatcher(runtime BatchEnqueuer, logger *log.Logger) *DBOSDispatcher {
	return &DBOSDispatcher{runtime: runtime, logger: logger}
}

// Dispatch enqueues the batch workflow
func (d *DBOSDispatcher) Dispatch(ctx context.Context, payload pipeline.BatchPayload) error {
	workflowID, err := d.runtime.EnqueueBatch(ctx, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	d.logger.Info().Str("batch_id", payload.BatchID).Str("workflow_id", workflowID).Msg("batch workflow enqueued")
	return nil
}

// Close is a no-op; the runtime is shut down by its owner
func (d *DBOSDispatcher) Close() error {
	return nil
}

var (
	_ Dispatcher = (*InlineDispatcher)(nil)
	_ Dispatcher = (*AsynqDispatcher)(nil)
	_ Dispatcher = (*KafkaDispatcher)(nil)
	_ Dispatcher = (*DBOSDispatcher)(nil)
)
