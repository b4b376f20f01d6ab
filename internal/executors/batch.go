package executors

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/internal/workflows"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// ErrBadPayload is returned for a batch that cannot be decoded
var ErrBadPayload = errors.New("bad batch payload")

// Runner processes capture batches and WebP rebuild batches
type Runner interface {
	workflows.BatchRunner
	RebuildBatch(ctx context.Context, batchID string, pets []model.Pet) (*workflows.BatchResult, error)
}

// BatchExecutor runs dispatched batches through the orchestrator
type BatchExecutor struct {
	batches Runner
	logger  *log.Logger
}

// NewBatchExecutor creates a new batch executor
func NewBatchExecutor(batches Runner, logger *log.Logger) *BatchExecutor {
	return &BatchExecutor{batches: batches, logger: logger}
}

// Execute decodes the payload and processes its pets, as a rebuild when
// the payload mode asks for one. Entries that cannot
// be turned into a pet are reported as failed without being captured; an
// all-invalid batch never launches a browser.
func (e *BatchExecutor) Execute(ctx context.Context, payload pipeline.BatchPayload) (*workflows.BatchResult, error) {
	entries, err := payload.Pets()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	batchID := payload.BatchID
	if batchID == "" {
		batchID = uuid.New().String()
	}

	results := make([]workflows.PetResult, len(entries))
	pets := make([]model.Pet, 0, len(entries))
	positions := make([]int, 0, len(entries))
	invalid := 0
	for i, entry := range entries {
		pet, err := toPet(entry)
		if err != nil {
			e.logger.Warn().Err(err).Str("batch_id", batchID).Str("pet_id", entry.ID).Msg("invalid batch entry")
			results[i] = workflows.PetResult{
				PetID:  entryID(entry),
				State:  workflows.StateFailed,
				Reason: workflows.ReasonInvalidEntry,
				Error:  err.Error(),
			}
			invalid++
			continue
		}
		pets = append(pets, pet)
		positions = append(positions, i)
	}

	br := &workflows.BatchResult{BatchID: batchID}
	if len(pets) > 0 {
		e.logger.Info().Str("batch_id", batchID).Str("mode", payload.Mode).Int("pets", len(pets)).Msg("executing dispatched batch")
		if payload.Mode == pipeline.BatchModeRebuild {
			br, err = e.batches.RebuildBatch(ctx, batchID, pets)
		} else {
			br, err = e.batches.RunBatch(ctx, batchID, pets)
		}
		if err != nil {
			return nil, err
		}
		for j, i := range positions {
			results[i] = br.Results[j]
		}
	}
	br.Results = results
	br.FailedCount += invalid
	return br, nil
}

func entryID(entry pipeline.BatchPet) string {
	if entry.PetID != "" {
		return entry.PetID
	}
	return entry.ID
}

func toPet(entry pipeline.BatchPet) (model.Pet, error) {
	id := entryID(entry)
	if id == "" {
		return model.Pet{}, errors.New("missing pet id")
	}
	petType, err := model.ParsePetType(entry.Type)
	if err != nil {
		return model.Pet{}, err
	}
	return model.Pet{
		ID:         id,
		ExternalID: entry.ID,
		Type:       petType,
		Name:       entry.Name,
		SourceURL:  entry.SourceURL,
	}, nil
}
