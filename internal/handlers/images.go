package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/tendant/pet-image-sync/internal/dedupe"
	"github.com/tendant/pet-image-sync/internal/metrics"
	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// PetStatusStore is the status surface the image endpoint reads and corrects
type PetStatusStore interface {
	GetPet(ctx context.Context, petID string) (*model.Pet, error)
	GetStatus(ctx context.Context, petID string) (*model.PetImageStatus, error)
	MarkScreenshotRequested(ctx context.Context, petID string) error
	SetImageFlags(ctx context.Context, petID string, hasJPEG, hasWebP bool) error
}

// ImageReader reads stored variants; a missing key is (nil, nil)
type ImageReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// RequestGate counts on-demand requests per pet and lets one of them
// dispatch per dedupe window
type RequestGate interface {
	Record(ctx context.Context, petID string, now time.Time, window time.Duration) (dedupe.Request, error)
	Release(ctx context.Context, petID string) error
}

// BatchDispatcher hands a capture batch to the workers
type BatchDispatcher interface {
	Dispatch(ctx context.Context, payload pipeline.BatchPayload) error
}

// ServeConfig tunes image responses
type ServeConfig struct {
	RetryAfter   time.Duration
	DedupeWindow time.Duration
	CacheMaxAge  time.Duration
}

// ImageHandler serves pet images and triggers captures for missing ones
type ImageHandler struct {
	status     PetStatusStore
	images     ImageReader
	requests   RequestGate
	dispatcher BatchDispatcher
	cfg        ServeConfig
	logger     *log.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewImageHandler creates an image handler. m may be nil.
func NewImageHandler(status PetStatusStore, images ImageReader, requests RequestGate, dispatcher BatchDispatcher, cfg ServeConfig, logger *log.Logger, m *metrics.Metrics) *ImageHandler {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	return &ImageHandler{
		status:     status,
		images:     images,
		requests:   requests,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// negotiate picks the variant for ?format= and the Accept header
func negotiate(format, accept string) (pipeline.Variant, bool) {
	switch strings.ToLower(format) {
	case "", "auto":
		if strings.Contains(accept, "image/webp") {
			return pipeline.VariantOptimized, true
		}
		return pipeline.VariantOriginal, true
	case "jpeg", "jpg":
		return pipeline.VariantOriginal, true
	case "webp":
		return pipeline.VariantOptimized, true
	}
	return "", false
}

func formatLabel(v pipeline.Variant) string {
	if v == pipeline.VariantOptimized {
		return "webp"
	}
	return "jpeg"
}

// HandleGetImage handles GET /pets/:id/image
func (h *ImageHandler) HandleGetImage(c *gin.Context) {
	petID := c.Param("id")
	format := c.DefaultQuery("format", "auto")
	variant, ok := negotiate(format, c.GetHeader("Accept"))
	if !ok {
		h.respond(c, "invalid", http.StatusBadRequest, gin.H{"error": "format must be auto, jpeg or webp"})
		return
	}

	ctx := c.Request.Context()
	pet, err := h.status.GetPet(ctx, petID)
	if err != nil {
		h.internalError(c, variant, "get pet", petID, err)
		return
	}
	if pet == nil {
		h.respond(c, formatLabel(variant), http.StatusNotFound, gin.H{"error": "pet not found"})
		return
	}

	st, err := h.status.GetStatus(ctx, petID)
	if err != nil {
		h.internalError(c, variant, "get status", petID, err)
		return
	}

	// auto falls back to jpeg while the webp variant is missing
	if f := strings.ToLower(format); f == "auto" || f == "" {
		if variant == pipeline.VariantOptimized && !st.HasWebP && st.HasJPEG {
			variant = pipeline.VariantOriginal
		}
	}

	has := st.HasJPEG
	if variant == pipeline.VariantOptimized {
		has = st.HasWebP
	}
	if !has {
		if st.HasJPEG {
			// a capture would be skipped, so rebuild the webp from stored images
			h.requestRebuild(c, pet, variant)
			return
		}
		h.requestCapture(c, pet, variant)
		return
	}

	key := pipeline.ObjectKey(string(pet.Type), pet.ID, variant)
	data, err := h.images.Get(ctx, key)
	if err != nil {
		h.internalError(c, variant, "get object", petID, err)
		return
	}
	if data == nil {
		h.correctFlags(ctx, st, variant)
		h.respond(c, formatLabel(variant), http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}

	c.Header("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cfg.CacheMaxAge.Seconds())))
	c.Header("Vary", "Accept")
	c.Data(http.StatusOK, pipeline.ContentType(variant), data)
	h.metrics.Served(formatLabel(variant), http.StatusOK)
}

func (h *ImageHandler) requestCapture(c *gin.Context, pet *model.Pet, variant pipeline.Variant) {
	ctx := c.Request.Context()

	req, err := h.requests.Record(ctx, pet.ID, h.now(), h.cfg.DedupeWindow)
	if err != nil {
		h.internalError(c, variant, "record request", pet.ID, err)
		return
	}

	if req.Dispatch {
		if err := h.status.MarkScreenshotRequested(ctx, pet.ID); err != nil {
			h.release(ctx, pet.ID)
			h.internalError(c, variant, "mark requested", pet.ID, err)
			return
		}
		batchID, err := h.dispatch(ctx, "ondemand-", "", pet)
		if err != nil {
			h.internalError(c, variant, "dispatch capture", pet.ID, err)
			return
		}
		h.logger.Info().Str("pet_id", pet.ID).Str("batch_id", batchID).Int("seen", req.SeenCount).Msg("capture dispatched")
	}

	h.accepted(c, pet, variant, "capturing")
}

func (h *ImageHandler) requestRebuild(c *gin.Context, pet *model.Pet, variant pipeline.Variant) {
	ctx := c.Request.Context()

	req, err := h.requests.Record(ctx, pet.ID, h.now(), h.cfg.DedupeWindow)
	if err != nil {
		h.internalError(c, variant, "record request", pet.ID, err)
		return
	}
	if req.Dispatch {
		batchID, err := h.dispatch(ctx, "rebuild-", pipeline.BatchModeRebuild, pet)
		if err != nil {
			h.internalError(c, variant, "dispatch rebuild", pet.ID, err)
			return
		}
		h.logger.Info().Str("pet_id", pet.ID).Str("batch_id", batchID).Int("seen", req.SeenCount).Msg("webp rebuild dispatched")
	}

	h.accepted(c, pet, variant, "converting")
}

// dispatch sends a single-pet batch. A failed dispatch releases the gate.
func (h *ImageHandler) dispatch(ctx context.Context, prefix, mode string, pet *model.Pet) (string, error) {
	payload, err := pipeline.NewBatchPayload(prefix+uuid.New().String(), []pipeline.BatchPet{{
		ID:        pet.ExternalID,
		PetID:     pet.ID,
		Type:      string(pet.Type),
		Name:      pet.Name,
		SourceURL: pet.SourceURL,
	}})
	if err == nil {
		payload.Mode = mode
		err = h.dispatcher.Dispatch(ctx, payload)
	}
	if err != nil {
		h.release(ctx, pet.ID)
		return "", err
	}
	return payload.BatchID, nil
}

func (h *ImageHandler) release(ctx context.Context, petID string) {
	if err := h.requests.Release(ctx, petID); err != nil {
		h.logger.Warn().Err(err).Str("pet_id", petID).Msg("release request gate failed")
	}
}

func (h *ImageHandler) accepted(c *gin.Context, pet *model.Pet, variant pipeline.Variant, state string) {
	c.Header("Retry-After", strconv.Itoa(int(h.cfg.RetryAfter.Seconds())))
	h.respond(c, formatLabel(variant), http.StatusAccepted, gin.H{"status": state, "petId": pet.ID})
}

// correctFlags clears the flag of a variant whose object is gone
func (h *ImageHandler) correctFlags(ctx context.Context, st *model.PetImageStatus, variant pipeline.Variant) {
	hasJPEG, hasWebP := st.HasJPEG, st.HasWebP
	if variant == pipeline.VariantOptimized {
		hasWebP = false
	} else {
		hasJPEG = false
	}
	if err := h.status.SetImageFlags(ctx, st.PetID, hasJPEG, hasWebP); err != nil {
		h.logger.Warn().Err(err).Str("pet_id", st.PetID).Msg("correct image flags failed")
		return
	}
	h.logger.Warn().Str("pet_id", st.PetID).Str("variant", string(variant)).Msg("image flag set but object missing, flag cleared")
}

func (h *ImageHandler) internalError(c *gin.Context, variant pipeline.Variant, op, petID string, err error) {
	h.logger.Error().Err(err).Str("op", op).Str("pet_id", petID).Msg("serve image failed")
	h.respond(c, formatLabel(variant), http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (h *ImageHandler) respond(c *gin.Context, format string, code int, body gin.H) {
	h.metrics.Served(format, code)
	c.JSON(code, body)
}
