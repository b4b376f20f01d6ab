package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"

	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/internal/reconcile"
	"github.com/tendant/pet-image-sync/internal/status"
	"github.com/tendant/pet-image-sync/internal/workflows"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// JobStarter starts sync jobs asynchronously
type JobStarter interface {
	Start(ctx context.Context, req pipeline.StartJobRequest) (string, error)
}

// JobReader reads sync job records
type JobReader interface {
	GetJob(ctx context.Context, id string) (*model.SyncJob, error)
}

// ReadinessStore reads and recomputes the readiness snapshot
type ReadinessStore interface {
	GetReadiness(ctx context.Context) (*model.ReadinessSnapshot, error)
	ComputeReadiness(ctx context.Context) (*model.ReadinessSnapshot, error)
}

// Reconciler runs integrity checks
type Reconciler interface {
	Reconcile(ctx context.Context, opts reconcile.Options) (*reconcile.IntegrityReport, error)
}

// AdminHandler handles the admin surface
type AdminHandler struct {
	starter    JobStarter
	jobs       JobReader
	readiness  ReadinessStore
	reconciler Reconciler
	logger     *log.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(starter JobStarter, jobs JobReader, readiness ReadinessStore, reconciler Reconciler, logger *log.Logger) *AdminHandler {
	return &AdminHandler{
		starter:    starter,
		jobs:       jobs,
		readiness:  readiness,
		reconciler: reconciler,
		logger:     logger,
	}
}

// HandleStartJob handles POST /admin/sync-jobs - records the job and returns immediately
func (h *AdminHandler) HandleStartJob(c *gin.Context) {
	var req pipeline.StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	jobID, err := h.starter.Start(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, workflows.ErrInvalidRequest) || errors.Is(err, workflows.ErrWorkflowNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error().Err(err).Str("job_type", req.JobType).Msg("start job failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusAccepted, pipeline.StartJobResponse{JobID: jobID})
}

// HandleGetJob handles GET /admin/sync-jobs/:id
func (h *AdminHandler) HandleGetJob(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, status.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error().Err(err).Str("job_id", c.Param("id")).Msg("get job failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, pipeline.JobStatusResponse{
		ID:       job.ID,
		Type:     string(job.Type),
		Status:   string(job.Status),
		Progress: job.Progress,
		Error:    job.Error,
	})
}

// HandleGetReadiness handles GET /admin/readiness, computing a first
// snapshot when none exists yet
func (h *AdminHandler) HandleGetReadiness(c *gin.Context) {
	snap, err := h.readiness.GetReadiness(c.Request.Context())
	if err == nil && snap == nil {
		snap, err = h.readiness.ComputeReadiness(c.Request.Context())
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("get readiness failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleRecomputeReadiness handles POST /admin/readiness/recompute
func (h *AdminHandler) HandleRecomputeReadiness(c *gin.Context) {
	snap, err := h.readiness.ComputeReadiness(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("compute readiness failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleReconcile handles POST /admin/reconcile. An empty body runs a full
// report-only check.
func (h *AdminHandler) HandleReconcile(c *gin.Context) {
	var req pipeline.ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SampleSize < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sampleSize must not be negative"})
		return
	}

	report, err := h.reconciler.Reconcile(c.Request.Context(), reconcile.Options{SampleSize: req.SampleSize, AutoFix: req.AutoFix})
	if err != nil {
		h.logger.Error().Err(err).Msg("reconcile failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, report)
}
