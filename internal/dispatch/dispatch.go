// Package dispatch hands capture batches to whatever runs them: a
// goroutine in this process, an asynq queue, a kafka topic or a DBOS queue.
package dispatch

import (
	"context"
	"errors"

	"github.com/tendant/pet-image-sync/internal/workflows"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

var (
	// ErrDispatch wraps transport failures
	ErrDispatch = errors.New("dispatch failed")

	// ErrQueueFull means the in-process queue has no room for the batch
	ErrQueueFull = errors.New("dispatch queue full")
)

// Dispatcher sends a capture batch for asynchronous processing
type Dispatcher interface {
	Dispatch(ctx context.Context, payload pipeline.BatchPayload) error
	Close() error
}

// Executor runs one decoded batch
type Executor interface {
	Execute(ctx context.Context, payload pipeline.BatchPayload) (*workflows.BatchResult, error)
}
