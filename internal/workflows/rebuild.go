package workflows

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// RebuildBatch regenerates the WebP variant of pets that already have a
// JPEG, converting the stored screenshot (or the JPEG when the screenshot
// is gone). No browser is launched and the listing site is not contacted.
func (o *Orchestrator) RebuildBatch(ctx context.Context, batchID string, pets []model.Pet) (*BatchResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.BatchTimeout)
	defer cancel()

	o.logger.Info().Str("batch_id", batchID).Int("pets", len(pets)).Msg("rebuild started")

	results := make([]PetResult, len(pets))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, pet := range pets {
		g.Go(func() error {
			results[i] = o.RebuildPet(ctx, batchID, pet)
			return nil
		})
	}
	g.Wait()

	return o.finishBatch(batchID, results, start), nil
}

// RebuildPet regenerates the WebP variant of one pet. Like ProcessPet it
// never panics or returns an error.
func (o *Orchestrator) RebuildPet(ctx context.Context, batchID string, pet model.Pet) (res PetResult) {
	res = PetResult{PetID: pet.ID, State: StateNeedsConversion}

	defer func() {
		if r := recover(); r != nil {
			res.State = StateFailed
			res.Reason = ReasonInternal
			res.Error = fmt.Sprintf("panic: %v", r)
			o.logger.Error().Str("batch_id", batchID).Str("pet_id", pet.ID).Str("panic", fmt.Sprint(r)).Msg("pet rebuild panicked")
		}
	}()

	if ctx.Err() != nil {
		return abandon(res, ctx.Err())
	}

	st, err := o.status.GetStatus(ctx, pet.ID)
	if err != nil {
		o.logger.Warn().Err(err).Str("pet_id", pet.ID).Msg("read status failed, rebuilding anyway")
		st = &model.PetImageStatus{PetID: pet.ID, HasJPEG: true}
	} else if st.HasWebP {
		res.State = StateDone
		res.Skipped = true
		return res
	}

	var source []byte
	for _, v := range []pipeline.Variant{pipeline.VariantScreenshot, pipeline.VariantOriginal} {
		source, err = o.store.Get(ctx, pipeline.ObjectKey(string(pet.Type), pet.ID, v))
		if err != nil {
			if ctx.Err() != nil {
				return abandon(res, err)
			}
			return o.fail(res, batchID, ReasonStoreFailed, err)
		}
		if source != nil {
			break
		}
	}
	if source == nil {
		return o.fail(res, batchID, ReasonSourceMissing, fmt.Errorf("no stored image to rebuild %s from", pet.ID))
	}

	res.State = StateConverting
	converted, err := o.converter.Convert(source)
	if err != nil {
		return o.fail(res, batchID, ReasonConversionFailed, err)
	}
	res.WebPSize = converted.WebPSize
	res.JPEGSize = converted.JPEGSize
	res.SavingsPercent = converted.SavingsPercent

	res.State = StateStoring
	meta := map[string]string{
		"pet-id":   pet.ID,
		"pet-type": string(pet.Type),
		"batch-id": batchID,
	}
	v := pipeline.VariantOptimized
	key := pipeline.ObjectKey(string(pet.Type), pet.ID, v)
	if err := o.putWithRetry(ctx, key, converted.WebP, pipeline.ContentType(v), meta, v); err != nil {
		if ctx.Err() != nil {
			return abandon(res, err)
		}
		return o.fail(res, batchID, ReasonStoreFailed, err)
	}

	if err := o.status.SetImageFlags(ctx, pet.ID, st.HasJPEG, true); err != nil {
		res = o.statusError(res, batchID, "set flags", err)
	}

	res.State = StateDone
	o.logger.Info().
		Str("batch_id", batchID).
		Str("pet_id", pet.ID).
		Int("webp_bytes", converted.WebPSize).
		Msg("webp variant rebuilt")
	return res
}
