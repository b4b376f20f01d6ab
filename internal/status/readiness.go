package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tendant/pet-image-sync/internal/model"
)

// ComputeReadiness recounts pets and image coverage, persists the snapshot
// and returns it.
func (s *Store) ComputeReadiness(ctx context.Context) (*model.ReadinessSnapshot, error) {
	var dogs, cats, withJPEG, withWebP int64
	err := s.db.QueryRowContext(ctx, `SELECT
		   COALESCE(SUM(CASE WHEN p.type = 'dog' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN p.type = 'cat' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN s.has_jpeg THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN s.has_webp THEN 1 ELSE 0 END), 0)
		 FROM pets p
		 LEFT JOIN pet_image_status s ON s.pet_id = p.id`,
	).Scan(&dogs, &cats, &withJPEG, &withWebP)
	if err != nil {
		return nil, fmt.Errorf("count readiness: %w", err)
	}

	snap := model.NewReadinessSnapshot(int(dogs), int(cats), int(withJPEG), int(withWebP), s.thresholds, s.now())

	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO readiness_snapshot
		   (id, total_pets, total_dogs, total_cats, pets_with_jpeg, pets_with_webp, image_coverage, is_ready, computed_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   total_pets = excluded.total_pets,
		   total_dogs = excluded.total_dogs,
		   total_cats = excluded.total_cats,
		   pets_with_jpeg = excluded.pets_with_jpeg,
		   pets_with_webp = excluded.pets_with_webp,
		   image_coverage = excluded.image_coverage,
		   is_ready = excluded.is_ready,
		   computed_at = excluded.computed_at`),
		snap.TotalPets, snap.TotalDogs, snap.TotalCats, snap.PetsWithJPEG, snap.PetsWithWebP,
		snap.ImageCoverage, snap.IsReady, snap.ComputedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("save readiness: %w", err)
	}

	return &snap, nil
}

// GetReadiness returns the last persisted snapshot, or nil if readiness has
// never been computed.
func (s *Store) GetReadiness(ctx context.Context) (*model.ReadinessSnapshot, error) {
	var snap model.ReadinessSnapshot
	err := s.db.QueryRowContext(ctx, `SELECT total_pets, total_dogs, total_cats, pets_with_jpeg,
		   pets_with_webp, image_coverage, is_ready, computed_at
		 FROM readiness_snapshot WHERE id = 1`,
	).Scan(&snap.TotalPets, &snap.TotalDogs, &snap.TotalCats, &snap.PetsWithJPEG,
		&snap.PetsWithWebP, &snap.ImageCoverage, &snap.IsReady, &snap.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get readiness: %w", err)
	}
	snap.ComputedAt = snap.ComputedAt.UTC()
	return &snap, nil
}
