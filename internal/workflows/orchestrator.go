package workflows

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tendant/pet-image-sync/internal/capture"
	"github.com/tendant/pet-image-sync/internal/convert"
	"github.com/tendant/pet-image-sync/internal/metrics"
	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// PetState is the position of one pet in the pipeline
type PetState string

const (
	StateNeedsCapture    PetState = "needs_capture"
	StateCapturing       PetState = "capturing"
	StateNeedsConversion PetState = "needs_conversion"
	StateConverting      PetState = "converting"
	StateStoring         PetState = "storing"
	StateDone            PetState = "done"
	StateFailed          PetState = "failed"
	// StateAbandoned is a pet cut off by cancellation; its status is left as is
	StateAbandoned PetState = "abandoned"
)

// FailureReason qualifies StateFailed
type FailureReason string

const (
	ReasonCaptureFailed    FailureReason = "capture_failed"
	ReasonNoImageFound     FailureReason = "no_image_found"
	ReasonConversionFailed FailureReason = "conversion_failed"
	ReasonStoreFailed      FailureReason = "store_failed"
	ReasonInternal         FailureReason = "internal_error"
	ReasonInvalidEntry     FailureReason = "invalid_entry"
	ReasonSourceMissing    FailureReason = "source_missing"
)

// PetResult is the outcome of one pet in a batch
type PetResult struct {
	PetID          string           `json:"petId"`
	State          PetState         `json:"state"`
	Reason         FailureReason    `json:"reason,omitempty"`
	Error          string           `json:"error,omitempty"`
	Skipped        bool             `json:"skipped,omitempty"`
	Attempts       int              `json:"attempts,omitempty"`
	Strategy       capture.Strategy `json:"strategy,omitempty"`
	JPEGSize       int              `json:"jpegSize,omitempty"`
	WebPSize       int              `json:"webpSize,omitempty"`
	SavingsPercent float64          `json:"savingsPercent,omitempty"`
	// StatusErrors lists status writes that failed; the pet still counts as done.
	StatusErrors []string `json:"statusErrors,omitempty"`
}

// BatchResult has exactly one entry per input pet, in input order
type BatchResult struct {
	BatchID        string        `json:"batchId"`
	SuccessCount   int           `json:"successCount"`
	FailedCount    int           `json:"failedCount"`
	AbandonedCount int           `json:"abandonedCount"`
	Results        []PetResult   `json:"results"`
	Duration       time.Duration `json:"duration"`
}

// Capturer is a browser session able to capture pages
type Capturer interface {
	Capture(ctx context.Context, sourceURL string) (*capture.Result, error)
	Close() error
}

// Launcher acquires a capture session for one batch
type Launcher interface {
	Launch(ctx context.Context) (Capturer, error)
}

// LaunchFunc adapts a function to Launcher
type LaunchFunc func(ctx context.Context) (Capturer, error)

func (f LaunchFunc) Launch(ctx context.Context) (Capturer, error) { return f(ctx) }

// ImageConverter converts captured bytes into web formats
type ImageConverter interface {
	Convert(data []byte) (*convert.Result, error)
}

// ImageStore reads and writes objects in the image store; a missing key
// reads as (nil, nil)
type ImageStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
}

// StatusWriter is the status-store surface the orchestrator touches
type StatusWriter interface {
	GetStatus(ctx context.Context, petID string) (*model.PetImageStatus, error)
	MarkScreenshotRequested(ctx context.Context, petID string) error
	MarkScreenshotCompleted(ctx context.Context, petID string) error
	SetImageFlags(ctx context.Context, petID string, hasJPEG, hasWebP bool) error
}

// OrchestratorConfig holds retry, pacing and batch limits
type OrchestratorConfig struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	Concurrency  int
	RequestDelay time.Duration
	BatchTimeout time.Duration
	// Variants to write for each capture; must include original.
	Variants []pipeline.Variant
}

// WithDefaults fills in default values for optional fields
func (c OrchestratorConfig) WithDefaults() OrchestratorConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Minute
	}
	if len(c.Variants) == 0 {
		c.Variants = pipeline.AllVariants
	}
	return c
}

// Orchestrator drives pets through capture, conversion, storage and status
// updates. Pets fail independently; only a launch failure fails a batch.
type Orchestrator struct {
	launcher  Launcher
	converter ImageConverter
	store     ImageStore
	status    StatusWriter
	cfg       OrchestratorConfig
	logger    *log.Logger
	metrics   *metrics.Metrics
	sleep     func(ctx context.Context, d time.Duration) error
	// paces captures across every batch this orchestrator runs
	limiter *rate.Limiter
}

// NewOrchestrator creates an orchestrator. m may be nil.
func NewOrchestrator(launcher Launcher, converter ImageConverter, store ImageStore, status StatusWriter, cfg OrchestratorConfig, logger *log.Logger, m *metrics.Metrics) *Orchestrator {
	cfg = cfg.WithDefaults()
	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}
	return &Orchestrator{
		launcher:  launcher,
		converter: converter,
		store:     store,
		status:    status,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		sleep:     sleepCtx,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunBatch processes pets with bounded concurrency under the batch timeout.
// One browser session serves the whole batch and is closed on every exit.
func (o *Orchestrator) RunBatch(ctx context.Context, batchID string, pets []model.Pet) (*BatchResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.BatchTimeout)
	defer cancel()

	o.logger.Info().Str("batch_id", batchID).Int("pets", len(pets)).Msg("batch started")

	session, err := o.launcher.Launch(ctx)
	if err != nil {
		o.logger.Error().Err(err).Str("batch_id", batchID).Msg("batch setup failed")
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			o.logger.Warn().Err(err).Str("batch_id", batchID).Msg("close capture session")
		}
	}()

	results := make([]PetResult, len(pets))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, pet := range pets {
		g.Go(func() error {
			if err := o.limiter.Wait(ctx); err != nil {
				results[i] = PetResult{PetID: pet.ID, State: StateAbandoned, Error: err.Error()}
				return nil
			}
			results[i] = o.ProcessPet(ctx, session, batchID, pet)
			return nil
		})
	}
	g.Wait()

	return o.finishBatch(batchID, results, start), nil
}

// finishBatch tallies results and records batch metrics
func (o *Orchestrator) finishBatch(batchID string, results []PetResult, start time.Time) *BatchResult {
	br := &BatchResult{BatchID: batchID, Results: results, Duration: time.Since(start)}
	for _, r := range results {
		switch r.State {
		case StateDone:
			br.SuccessCount++
		case StateAbandoned:
			br.AbandonedCount++
		default:
			br.FailedCount++
		}
		o.metrics.PetOutcome(string(r.State), string(r.Reason))
	}
	o.metrics.BatchDone(br.Duration)

	o.logger.Info().
		Str("batch_id", batchID).
		Int("success", br.SuccessCount).
		Int("failed", br.FailedCount).
		Int("abandoned", br.AbandonedCount).
		Dur("duration", br.Duration).
		Msg("batch finished")

	return br
}

// ProcessPet runs one pet to a terminal state. It never panics or returns
// an error; every outcome is a PetResult.
func (o *Orchestrator) ProcessPet(ctx context.Context, session Capturer, batchID string, pet model.Pet) (res PetResult) {
	res = PetResult{PetID: pet.ID, State: StateNeedsCapture}

	defer func() {
		if r := recover(); r != nil {
			res.State = StateFailed
			res.Reason = ReasonInternal
			res.Error = fmt.Sprintf("panic: %v", r)
			o.logger.Error().Str("batch_id", batchID).Str("pet_id", pet.ID).Str("panic", fmt.Sprint(r)).Msg("pet processing panicked")
		}
	}()

	if ctx.Err() != nil {
		return abandon(res, ctx.Err())
	}

	st, err := o.status.GetStatus(ctx, pet.ID)
	if err != nil {
		o.logger.Warn().Err(err).Str("pet_id", pet.ID).Msg("read status failed, capturing anyway")
	} else if st.HasJPEG {
		// an open request here means its completion write was lost
		if st.CapturePending() {
			if err := o.status.MarkScreenshotCompleted(ctx, pet.ID); err != nil {
				res = o.statusError(res, batchID, "mark completed", err)
			}
		}
		res.State = StateDone
		res.Skipped = true
		return res
	}

	if pet.SourceURL == "" {
		return o.fail(res, batchID, ReasonCaptureFailed, fmt.Errorf("%w: pet has no source url", ErrInvalidRequest))
	}

	if err := o.status.MarkScreenshotRequested(ctx, pet.ID); err != nil {
		res = o.statusError(res, batchID, "mark requested", err)
	}

	// capture
	res.State = StateCapturing
	captured, attempts, err := o.captureWithRetry(ctx, session, batchID, pet)
	res.Attempts = attempts
	if err != nil {
		if ctx.Err() != nil {
			return abandon(res, err)
		}
		reason := ReasonCaptureFailed
		if errors.Is(err, capture.ErrNoImageFound) {
			reason = ReasonNoImageFound
		}
		return o.fail(res, batchID, reason, err)
	}
	res.Strategy = captured.Strategy

	// convert
	res.State = StateNeedsConversion
	if ctx.Err() != nil {
		return abandon(res, ctx.Err())
	}
	res.State = StateConverting
	converted, err := o.converter.Convert(captured.PNG)
	if err != nil {
		return o.fail(res, batchID, ReasonConversionFailed, err)
	}
	res.JPEGSize = converted.JPEGSize
	res.WebPSize = converted.WebPSize
	res.SavingsPercent = converted.SavingsPercent
	o.metrics.Converted(converted.JPEGSize, converted.WebPSize, converted.SavingsPercent)

	// store
	res.State = StateStoring
	meta := map[string]string{
		"pet-id":   pet.ID,
		"pet-type": string(pet.Type),
		"strategy": string(captured.Strategy),
		"batch-id": batchID,
	}
	for _, v := range o.cfg.Variants {
		data := variantBytes(v, captured, converted)
		key := pipeline.ObjectKey(string(pet.Type), pet.ID, v)
		if err := o.putWithRetry(ctx, key, data, pipeline.ContentType(v), meta, v); err != nil {
			if ctx.Err() != nil {
				return abandon(res, err)
			}
			return o.fail(res, batchID, ReasonStoreFailed, err)
		}
	}

	// status; the store is already ahead, so failures here are drift, not failure
	hasJPEG := slices.Contains(o.cfg.Variants, pipeline.VariantOriginal)
	hasWebP := slices.Contains(o.cfg.Variants, pipeline.VariantOptimized)
	if hasJPEG {
		if err := o.status.MarkScreenshotCompleted(ctx, pet.ID); err != nil {
			res = o.statusError(res, batchID, "mark completed", err)
		}
	}
	if err := o.status.SetImageFlags(ctx, pet.ID, hasJPEG, hasWebP); err != nil {
		res = o.statusError(res, batchID, "set flags", err)
	}

	res.State = StateDone
	o.logger.Info().
		Str("batch_id", batchID).
		Str("pet_id", pet.ID).
		Str("strategy", string(captured.Strategy)).
		Int("attempts", attempts).
		Int("jpeg_bytes", converted.JPEGSize).
		Int("webp_bytes", converted.WebPSize).
		Msg("pet images stored")
	return res
}

func (o *Orchestrator) captureWithRetry(ctx context.Context, session Capturer, batchID string, pet model.Pet) (*capture.Result, int, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		res, err := session.Capture(ctx, pet.SourceURL)
		if err == nil {
			o.metrics.CaptureAttempt(string(res.Strategy))
			return res, attempt, nil
		}
		o.metrics.CaptureAttempt("error")
		lastErr = err

		if ctx.Err() != nil || errors.Is(err, capture.ErrNoImageFound) {
			return nil, attempt, err
		}

		o.logger.Warn().
			Err(err).
			Str("batch_id", batchID).
			Str("pet_id", pet.ID).
			Int("attempt", attempt).
			Msg("capture attempt failed")

		if attempt < o.cfg.MaxAttempts {
			if err := o.sleep(ctx, o.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return nil, attempt, err
			}
		}
	}
	return nil, o.cfg.MaxAttempts, lastErr
}

func (o *Orchestrator) putWithRetry(ctx context.Context, key string, data []byte, contentType string, meta map[string]string, v pipeline.Variant) error {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		err := o.store.Put(ctx, key, data, contentType, meta)
		o.metrics.StoreWrite(string(v), err)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < o.cfg.MaxAttempts {
			if err := o.sleep(ctx, o.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrStoreWrite, key, o.cfg.MaxAttempts, lastErr)
}

func variantBytes(v pipeline.Variant, captured *capture.Result, converted *convert.Result) []byte {
	switch v {
	case pipeline.VariantScreenshot:
		return captured.PNG
	case pipeline.VariantOriginal:
		return converted.JPEG
	case pipeline.VariantOptimized:
		return converted.WebP
	}
	return nil
}

func (o *Orchestrator) fail(res PetResult, batchID string, reason FailureReason, err error) PetResult {
	res.State = StateFailed
	res.Reason = reason
	res.Error = err.Error()
	o.logger.Warn().
		Err(err).
		Str("batch_id", batchID).
		Str("pet_id", res.PetID).
		Str("reason", string(reason)).
		Msg("pet failed")
	return res
}

func (o *Orchestrator) statusError(res PetResult, batchID, op string, err error) PetResult {
	err = fmt.Errorf("%w: %s: %v", ErrStatusWrite, op, err)
	res.StatusErrors = append(res.StatusErrors, err.Error())
	o.logger.Warn().Err(err).Str("batch_id", batchID).Str("pet_id", res.PetID).Msg("status write failed")
	return res
}

func abandon(res PetResult, err error) PetResult {
	res.State = StateAbandoned
	res.Reason = ""
	res.Error = err.Error()
	return res
}
