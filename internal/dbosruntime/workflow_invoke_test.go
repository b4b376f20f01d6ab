package dbosruntime

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

type execCall struct {
	query string
	args  []any
}

type recordingExecer struct {
	calls []execCall
	err   error
}

func (r *recordingExecer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	r.calls = append(r.calls, execCall{query: query, args: args})
	return nil, r.err
}

func TestEnqueueBatch(t *testing.T) {
	cfg := Config{AppName: "petsync", ApplicationVersion: "v1"}
	cfg.WithDefaults()

	payload, err := pipeline.NewBatchPayload("b-42", []pipeline.BatchPet{{ID: "p1", Type: "dog", SourceURL: "https://x"}})
	require.NoError(t, err)

	db := &recordingExecer{}
	now := time.UnixMilli(1_700_000_000_000)
	id, err := enqueueBatch(context.Background(), db, cfg, payload, now)
	require.NoError(t, err)
	assert.Equal(t, "capture_pets_batch-b-42", id)

	require.Len(t, db.calls, 2)
	status := db.calls[0]
	assert.Contains(t, status.query, "dbos.workflow_status")
	assert.Equal(t, id, status.args[0])
	assert.Equal(t, "capture_pets_batch", status.args[2])

	var decoded pipeline.BatchPayload
	require.NoError(t, json.Unmarshal([]byte(status.args[3].(string)), &decoded))
	assert.Equal(t, payload, decoded)

	queue := db.calls[1]
	assert.Contains(t, queue.query, "dbos.workflow_queue")
	assert.Equal(t, []any{id, "pet-image-sync", now.UnixMilli()}, queue.args)
}

func TestEnqueueBatch_InsertError(t *testing.T) {
	cfg := Config{}
	cfg.WithDefaults()
	db := &recordingExecer{err: errors.New("connection refused")}

	_, err := enqueueBatch(context.Background(), db, cfg, pipeline.BatchPayload{BatchID: "b"}, time.Now())
	assert.ErrorContains(t, err, "failed to insert workflow")
	assert.Len(t, db.calls, 1)
}

func TestNewRuntime_RequiresDatabaseURL(t *testing.T) {
	_, err := NewRuntime(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrMissingDatabaseURL)
}

func TestEnqueueBatch_EncodesForGoWorkers(t *testing.T) {
	cfg := Config{ServeBatches: true}
	cfg.WithDefaults()

	payload, err := pipeline.NewBatchPayload("rebuild-1", []pipeline.BatchPet{{PetID: "p1", Type: "cat"}})
	require.NoError(t, err)
	payload.Mode = pipeline.BatchModeRebuild

	db := &recordingExecer{}
	_, err = enqueueBatch(context.Background(), db, cfg, payload, time.Now())
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(db.calls[0].args[3].(string))
	require.NoError(t, err)
	var decoded pipeline.BatchPayload
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestBatchWorkflow_RunsPayload(t *testing.T) {
	var got pipeline.BatchPayload
	wf := batchWorkflow(func(ctx context.Context, payload pipeline.BatchPayload) (BatchSummary, error) {
		got = payload
		return BatchSummary{BatchID: payload.BatchID, Succeeded: 2, Failed: 1}, nil
	})

	summary, err := wf(nil, pipeline.BatchPayload{BatchID: "b-1"})
	require.NoError(t, err)
	assert.Equal(t, "b-1", got.BatchID)
	assert.Equal(t, BatchSummary{BatchID: "b-1", Succeeded: 2, Failed: 1}, summary)
}

func TestServeBatches_RejectedAfterLaunch(t *testing.T) {
	r := &Runtime{config: Config{ServeBatches: true}, launched: true}
	err := r.ServeBatches(func(ctx context.Context, payload pipeline.BatchPayload) (BatchSummary, error) {
		return BatchSummary{}, nil
	})
	assert.ErrorIs(t, err, ErrLaunched)
	assert.False(t, r.ServesBatches())
}

func TestServeBatches_RequiresServeMode(t *testing.T) {
	r := &Runtime{config: Config{}}
	err := r.ServeBatches(func(ctx context.Context, payload pipeline.BatchPayload) (BatchSummary, error) {
		return BatchSummary{}, nil
	})
	assert.ErrorContains(t, err, "disabled")
}
