package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tendant/pet-image-sync/internal/database"
	"github.com/tendant/pet-image-sync/internal/model"
)

// Store owns the durable image status of every pet plus the readiness
// snapshot and sync job records.
type Store struct {
	db         *database.DB
	thresholds model.ReadinessThresholds
	now        func() time.Time
}

// NewStore creates a status store over an opened database
func NewStore(db *database.DB, thresholds model.ReadinessThresholds) *Store {
	return &Store{
		db:         db,
		thresholds: thresholds,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type scanner interface{ Scan(...any) error }

const petCols = `p.id, p.external_id, p.type, p.name, p.source_url, p.created_at`

func scanPet(s scanner) (*model.Pet, error) {
	var p model.Pet
	var petType string
	if err := s.Scan(&p.ID, &p.ExternalID, &petType, &p.Name, &p.SourceURL, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Type = model.PetType(petType)
	return &p, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (s *Store) queryPets(ctx context.Context, query string, args ...any) ([]model.Pet, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pets []model.Pet
	for rows.Next() {
		p, err := scanPet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pet: %w", err)
		}
		pets = append(pets, *p)
	}
	return pets, rows.Err()
}

// UpsertPet inserts or replaces a pet record. The pipeline only reads pets;
// this exists for local seeding and tests.
func (s *Store) UpsertPet(ctx context.Context, p model.Pet) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO pets (id, external_id, type, name, source_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   external_id = excluded.external_id,
		   type = excluded.type,
		   name = excluded.name,
		   source_url = excluded.source_url`),
		p.ID, p.ExternalID, string(p.Type), p.Name, p.SourceURL, p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert pet: %w", err)
	}
	return nil
}

// GetPet returns the pet record or nil when it does not exist.
func (s *Store) GetPet(ctx context.Context, petID string) (*model.Pet, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+petCols+` FROM pets p WHERE p.id = ?`), petID)
	p, err := scanPet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pet: %w", err)
	}
	return p, nil
}

// GetStatus returns the image status of a pet. A missing status row (or a
// missing pet) yields all-false defaults rather than an error.
func (s *Store) GetStatus(ctx context.Context, petID string) (*model.PetImageStatus, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT p.id, p.type, s.has_jpeg, s.has_webp,
		   s.image_checked_at, s.screenshot_requested_at, s.screenshot_completed_at
		 FROM pets p
		 LEFT JOIN pet_image_status s ON s.pet_id = p.id
		 WHERE p.id = ?`), petID)

	var st model.PetImageStatus
	var petType string
	var hasJPEG, hasWebP sql.NullBool
	var checked, requested, completed sql.NullTime
	err := row.Scan(&st.PetID, &petType, &hasJPEG, &hasWebP, &checked, &requested, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.PetImageStatus{PetID: petID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}

	st.PetType = model.PetType(petType)
	st.HasJPEG = hasJPEG.Valid && hasJPEG.Bool
	st.HasWebP = hasWebP.Valid && hasWebP.Bool
	st.ImageCheckedAt = nullTimePtr(checked)
	st.ScreenshotRequestedAt = nullTimePtr(requested)
	st.ScreenshotCompletedAt = nullTimePtr(completed)
	return &st, nil
}

// upsertStatus writes the status row of petID, inserting it with the pet's
// type when absent and applying onConflict when present.
func (s *Store) upsertStatus(ctx context.Context, petID string, cols []string, vals []any, onConflict string) error {
	var petType string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT type FROM pets WHERE id = ?`), petID).Scan(&petType)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrPetNotFound, petID)
	}
	if err != nil {
		return err
	}

	query := `INSERT INTO pet_image_status (pet_id, pet_type, ` + strings.Join(cols, ", ") + `)
		 VALUES (?, ?` + strings.Repeat(", ?", len(cols)) + `)
		 ON CONFLICT (pet_id) DO UPDATE SET ` + onConflict

	args := append([]any{petID, petType}, vals...)
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}

// SetImageFlags records which variants exist and stamps image_checked_at.
// Clearing hasJpeg also clears screenshot_completed_at, since a completed
// capture always implies the JPEG exists. Setting hasJpeg closes an open
// capture request so the pet leaves the pending queue.
func (s *Store) SetImageFlags(ctx context.Context, petID string, hasJPEG, hasWebP bool) error {
	err := s.upsertStatus(ctx, petID,
		[]string{"has_jpeg", "has_webp", "image_checked_at"},
		[]any{hasJPEG, hasWebP, s.now()},
		`has_jpeg = excluded.has_jpeg,
		   has_webp = excluded.has_webp,
		   image_checked_at = excluded.image_checked_at,
		   screenshot_completed_at = CASE WHEN excluded.has_jpeg THEN
		     COALESCE(pet_image_status.screenshot_completed_at,
		       CASE WHEN pet_image_status.screenshot_requested_at IS NOT NULL THEN excluded.image_checked_at END)
		   ELSE NULL END`,
	)
	if err != nil {
		return fmt.Errorf("set image flags: %w", err)
	}
	return nil
}

// MarkScreenshotRequested stamps a new capture request and clears any
// previous completion so the pet shows up as pending.
func (s *Store) MarkScreenshotRequested(ctx context.Context, petID string) error {
	err := s.upsertStatus(ctx, petID,
		[]string{"screenshot_requested_at"},
		[]any{s.now()},
		`screenshot_requested_at = excluded.screenshot_requested_at,
		   screenshot_completed_at = NULL`,
	)
	if err != nil {
		return fmt.Errorf("mark screenshot requested: %w", err)
	}
	return nil
}

// MarkScreenshotCompleted stamps completion and sets has_jpeg.
func (s *Store) MarkScreenshotCompleted(ctx context.Context, petID string) error {
	err := s.upsertStatus(ctx, petID,
		[]string{"has_jpeg", "screenshot_completed_at"},
		[]any{true, s.now()},
		`has_jpeg = excluded.has_jpeg,
		   screenshot_completed_at = excluded.screenshot_completed_at`,
	)
	if err != nil {
		return fmt.Errorf("mark screenshot completed: %w", err)
	}
	return nil
}

// MarkChecked stamps image_checked_at without changing flags.
func (s *Store) MarkChecked(ctx context.Context, petID string) error {
	err := s.upsertStatus(ctx, petID,
		[]string{"image_checked_at"},
		[]any{s.now()},
		`image_checked_at = excluded.image_checked_at`,
	)
	if err != nil {
		return fmt.Errorf("mark checked: %w", err)
	}
	return nil
}

// GetPetsMissingImages returns pets without a JPEG, newest first. An empty
// petType selects both species. Pets in exclude are left out before the
// limit applies.
func (s *Store) GetPetsMissingImages(ctx context.Context, limit int, petType model.PetType, exclude []string) ([]model.Pet, error) {
	query := `SELECT ` + petCols + ` FROM pets p
		 LEFT JOIN pet_image_status s ON s.pet_id = p.id
		 WHERE (s.pet_id IS NULL OR NOT s.has_jpeg)`
	var args []any
	if petType != "" {
		query += ` AND p.type = ?`
		args = append(args, string(petType))
	}
	if len(exclude) > 0 {
		query += ` AND p.id NOT IN (?` + strings.Repeat(`, ?`, len(exclude)-1) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY p.created_at DESC, p.id LIMIT ?`
	args = append(args, limit)

	pets, err := s.queryPets(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get pets missing images: %w", err)
	}
	return pets, nil
}

// GetPendingScreenshots returns pets with a request and no completion,
// oldest request first. A non-zero requestedBefore restricts the result to
// requests older than that instant (stalled captures).
func (s *Store) GetPendingScreenshots(ctx context.Context, limit int, requestedBefore time.Time) ([]model.Pet, error) {
	query := `SELECT ` + petCols + ` FROM pets p
		 JOIN pet_image_status s ON s.pet_id = p.id
		 WHERE s.screenshot_requested_at IS NOT NULL AND s.screenshot_completed_at IS NULL`
	var args []any
	if !requestedBefore.IsZero() {
		query += ` AND s.screenshot_requested_at < ?`
		args = append(args, requestedBefore.UTC())
	}
	query += ` ORDER BY s.screenshot_requested_at ASC, p.id LIMIT ?`
	args = append(args, limit)

	pets, err := s.queryPets(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get pending screenshots: %w", err)
	}
	return pets, nil
}

// ListPets returns every pet ordered by id; limit <= 0 means no limit.
func (s *Store) ListPets(ctx context.Context, limit int) ([]model.Pet, error) {
	query := `SELECT ` + petCols + ` FROM pets p ORDER BY p.id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	pets, err := s.queryPets(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pets: %w", err)
	}
	return pets, nil
}

// SamplePets returns up to limit pets, never-checked first and then the
// least recently checked, so repeated samples rotate through every pet.
func (s *Store) SamplePets(ctx context.Context, limit int) ([]model.Pet, error) {
	pets, err := s.queryPets(ctx, `SELECT `+petCols+` FROM pets p
		 LEFT JOIN pet_image_status s ON s.pet_id = p.id
		 ORDER BY CASE WHEN s.image_checked_at IS NULL THEN 0 ELSE 1 END,
		   s.image_checked_at ASC, p.id
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sample pets: %w", err)
	}
	return pets, nil
}
