package reconcile

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/pet-image-sync/internal/metrics"
	"github.com/tendant/pet-image-sync/internal/model"
	"github.com/tendant/pet-image-sync/internal/storage"
	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// StatusStore is the subset of the status store the reconciler needs
type StatusStore interface {
	GetStatus(ctx context.Context, petID string) (*model.PetImageStatus, error)
	SetImageFlags(ctx context.Context, petID string, hasJPEG, hasWebP bool) error
	MarkChecked(ctx context.Context, petID string) error
	ListPets(ctx context.Context, limit int) ([]model.Pet, error)
	SamplePets(ctx context.Context, limit int) ([]model.Pet, error)
	ComputeReadiness(ctx context.Context) (*model.ReadinessSnapshot, error)
}

// ObjectStore answers existence checks against the image store
type ObjectStore interface {
	Head(ctx context.Context, key string) (*storage.ObjectInfo, error)
}

// Options selects the pets to check and whether drift is corrected.
type Options struct {
	// SampleSize limits the check to the least recently checked pets; 0 checks all.
	SampleSize int  `json:"sampleSize"`
	AutoFix    bool `json:"autoFix"`
}

// IntegrityReport summarizes one reconciliation pass.
type IntegrityReport struct {
	TotalChecked   int      `json:"totalChecked"`
	MismatchedJPEG []string `json:"mismatchedJpeg"`
	MismatchedWebP []string `json:"mismatchedWebp"`
	FixedCount     int      `json:"fixedCount"`
	Errors         []string `json:"errors"`
}

// Reconciler compares status flags against the object store, which is the
// source of truth, and optionally corrects the flags.
type Reconciler struct {
	status      StatusStore
	store       ObjectStore
	concurrency int
	logger      *log.Logger
	metrics     *metrics.Metrics
}

// NewReconciler creates a reconciler. m may be nil.
func NewReconciler(status StatusStore, store ObjectStore, concurrency int, logger *log.Logger, m *metrics.Metrics) *Reconciler {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Reconciler{
		status:      status,
		store:       store,
		concurrency: concurrency,
		logger:      logger,
		metrics:     m,
	}
}

// Reconcile checks the selected pets. Without AutoFix it never writes.
// Per-pet failures are collected in the report; only failing to select
// pets returns an error.
func (r *Reconciler) Reconcile(ctx context.Context, opts Options) (*IntegrityReport, error) {
	var pets []model.Pet
	var err error
	if opts.SampleSize > 0 {
		pets, err = r.status.SamplePets(ctx, opts.SampleSize)
	} else {
		pets, err = r.status.ListPets(ctx, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("select pets: %w", err)
	}

	report := &IntegrityReport{
		MismatchedJPEG: []string{},
		MismatchedWebP: []string{},
		Errors:         []string{},
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, pet := range pets {
		g.Go(func() error {
			res := r.checkPet(gctx, pet, opts.AutoFix)

			mu.Lock()
			defer mu.Unlock()
			if res.err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", pet.ID, res.err))
				return nil
			}
			report.TotalChecked++
			if res.jpegMismatch {
				report.MismatchedJPEG = append(report.MismatchedJPEG, pet.ID)
			}
			if res.webpMismatch {
				report.MismatchedWebP = append(report.MismatchedWebP, pet.ID)
			}
			if res.fixed {
				report.FixedCount++
			}
			return nil
		})
	}
	g.Wait()
	slices.Sort(report.MismatchedJPEG)
	slices.Sort(report.MismatchedWebP)

	if err := ctx.Err(); err != nil {
		return report, err
	}

	if opts.AutoFix {
		snap, err := r.status.ComputeReadiness(ctx)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("compute readiness: %v", err))
		} else {
			r.metrics.Readiness(snap)
		}
	}

	r.metrics.Reconciled(len(report.MismatchedJPEG), len(report.MismatchedWebP), report.FixedCount)
	r.logger.Info().
		Int("checked", report.TotalChecked).
		Int("jpeg_mismatches", len(report.MismatchedJPEG)).
		Int("webp_mismatches", len(report.MismatchedWebP)).
		Int("fixed", report.FixedCount).
		Int("errors", len(report.Errors)).
		Bool("auto_fix", opts.AutoFix).
		Msg("reconcile finished")

	return report, nil
}

type petCheck struct {
	jpegMismatch bool
	webpMismatch bool
	fixed        bool
	err          error
}

func (r *Reconciler) checkPet(ctx context.Context, pet model.Pet, autoFix bool) petCheck {
	st, err := r.status.GetStatus(ctx, pet.ID)
	if err != nil {
		return petCheck{err: err}
	}

	petType := string(pet.Type)
	jpeg, err := r.store.Head(ctx, pipeline.ObjectKey(petType, pet.ID, pipeline.VariantOriginal))
	if err != nil {
		return petCheck{err: fmt.Errorf("head original: %w", err)}
	}
	webp, err := r.store.Head(ctx, pipeline.ObjectKey(petType, pet.ID, pipeline.VariantOptimized))
	if err != nil {
		return petCheck{err: fmt.Errorf("head optimized: %w", err)}
	}

	hasJPEG, hasWebP := jpeg != nil, webp != nil
	res := petCheck{
		jpegMismatch: hasJPEG != st.HasJPEG,
		webpMismatch: hasWebP != st.HasWebP,
	}
	if !autoFix {
		return res
	}

	if res.jpegMismatch || res.webpMismatch {
		if err := r.status.SetImageFlags(ctx, pet.ID, hasJPEG, hasWebP); err != nil {
			return petCheck{err: fmt.Errorf("fix flags: %w", err)}
		}
		res.fixed = true
		r.logger.Info().
			Str("pet_id", pet.ID).
			Bool("has_jpeg", hasJPEG).
			Bool("has_webp", hasWebP).
			Msg("corrected image flags")
		return res
	}

	if err := r.status.MarkChecked(ctx, pet.ID); err != nil {
		return petCheck{err: fmt.Errorf("mark checked: %w", err)}
	}
	return res
}
