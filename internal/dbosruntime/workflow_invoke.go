package dbosruntime

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// Execer is the part of *sql.DB used to enqueue workflows
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EnqueueBatch writes a pending workflow row for a capture batch so any
// DBOS worker registered under BatchWorkflowName picks it up. The batch id
// doubles as the workflow id, so re-dispatching the same batch is rejected
// by the primary key.
func (r *Runtime) EnqueueBatch(ctx context.Context, payload pipeline.BatchPayload) (string, error) {
	return enqueueBatch(ctx, r.db, r.config, payload, time.Now())
}

func enqueueBatch(ctx context.Context, db Execer, cfg Config, payload pipeline.BatchPayload, now time.Time) (string, error) {
	inputJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal input: %w", err)
	}
	request := string(inputJSON)
	if cfg.ServeBatches {
		request = base64.StdEncoding.EncodeToString(inputJSON)
	}
	workflowID := cfg.BatchWorkflowName + "-" + payload.BatchID
	ms := now.UnixMilli()

	_, err = db.ExecContext(ctx, `
		INSERT INTO dbos.workflow_status (
			workflow_uuid,
			status,
			name,
			request,
			executor_id,
			created_at,
			updated_at,
			application_version,
			application_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		workflowID,
		"ENQUEUED",
		cfg.BatchWorkflowName,
		request,
		"pending",
		ms,
		ms,
		cfg.ApplicationVersion,
		cfg.AppName,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert workflow: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO dbos.workflow_queue (
			workflow_uuid,
			queue_name,
			created_at_epoch_ms
		) VALUES ($1, $2, $3)`,
		workflowID,
		cfg.QueueName,
		ms,
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue workflow: %w", err)
	}
	return workflowID, nil
}
