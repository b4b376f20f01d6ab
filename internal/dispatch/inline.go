package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/phuslu/log"

	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// InlineConfig bounds in-process batch execution
type InlineConfig struct {
	// Workers is the number of batches (and so browsers) running at once.
	Workers int
	// QueueSize is the number of batches waiting for a worker.
	QueueSize int
}

// WithDefaults fills in default values for optional fields
func (c InlineConfig) WithDefaults() InlineConfig {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// InlineDispatcher runs batches on a fixed pool of goroutines in this process
type InlineDispatcher struct {
	exec   Executor
	logger *log.Logger
	queue  chan pipeline.BatchPayload

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInlineDispatcher creates an in-process dispatcher and starts its workers
func NewInlineDispatcher(exec Executor, cfg InlineConfig, logger *log.Logger) *InlineDispatcher {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &InlineDispatcher{
		exec:   exec,
		logger: logger,
		queue:  make(chan pipeline.BatchPayload, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

func (d *InlineDispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case payload := <-d.queue:
			if d.ctx.Err() != nil {
				return
			}
			if _, err := d.exec.Execute(d.ctx, payload); err != nil {
				d.logger.Error().Err(err).Str("batch_id", payload.BatchID).Msg("inline batch failed")
			}
		}
	}
}

// Dispatch queues the batch and returns immediately; the batch outlives the
// caller's context. A full queue is rejected with ErrQueueFull.
func (d *InlineDispatcher) Dispatch(ctx context.Context, payload pipeline.BatchPayload) error {
	if err := d.ctx.Err(); err != nil {
		return ErrDispatch
	}
	select {
	case d.queue <- payload:
		return nil
	default:
		return fmt.Errorf("%w: %w", ErrDispatch, ErrQueueFull)
	}
}

// Close cancels running batches and waits for the workers to return.
// Queued batches are dropped.
func (d *InlineDispatcher) Close() error {
	d.cancel()
	d.wg.Wait()
	if n := len(d.queue); n > 0 {
		d.logger.Warn().Int("dropped", n).Msg("inline dispatcher closed with queued batches")
	}
	return nil
}
