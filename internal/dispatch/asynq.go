package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/phuslu/log"

	"github.com/tendant/pet-image-sync/internal/executors"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// TaskTypeCaptureBatch is the asynq task type for capture batches
const TaskTypeCaptureBatch = "capture:batch"

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// AsynqDispatcher enqueues batches on a redis-backed asynq queue
type AsynqDispatcher struct {
	client taskEnqueuer
	queue  string
}

// NewAsynqDispatcher creates a dispatcher over an asynq client
func NewAsynqDispatcher(client *asynq.Client, queue string) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, queue: queue}
}

// Dispatch enqueues the batch. The batch id is the task id, so a batch
// that is already queued is not enqueued twice.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, payload pipeline.BatchPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	task := asynq.NewTask(TaskTypeCaptureBatch, data)
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(d.queue),
		asynq.TaskID(payload.BatchID),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("%w: enqueue task: %v", ErrDispatch, err)
	}
	return nil
}

// Close closes the asynq client
func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// AsynqHandler processes capture batch tasks on an asynq server
type AsynqHandler struct {
	exec   Executor
	logger *log.Logger
}

// NewAsynqHandler creates a task handler
func NewAsynqHandler(exec Executor, logger *log.Logger) *AsynqHandler {
	return &AsynqHandler{exec: exec, logger: logger}
}

// ProcessTask implements asynq.Handler. Undecodable tasks are not retried.
func (h *AsynqHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload pipeline.BatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode task: %v: %w", err, asynq.SkipRetry)
	}

	br, err := h.exec.Execute(ctx, payload)
	if err != nil {
		if errors.Is(err, executors.ErrBadPayload) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	h.logger.Info().
		Str("batch_id", br.BatchID).
		Int("success", br.SuccessCount).
		Int("failed", br.FailedCount).
		Msg("asynq batch processed")
	return nil
}

// NewAsynqServeMux routes capture batch tasks to h
func NewAsynqServeMux(h *AsynqHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeCaptureBatch, h)
	return mux
}
