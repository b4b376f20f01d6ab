package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/tendant/pet-image-sync/internal/database"
)

// Request is the outcome of recording an on-demand request for a pet
type Request struct {
	// SeenCount is how many times the pet has been requested so far
	SeenCount int
	// Dispatch is true for exactly one request per dedupe window; the
	// caller that gets it owns sending the work.
	Dispatch bool
}

// Tracker counts on-demand requests per pet and gates their dispatch so
// repeated requests for the same missing image are coalesced.
type Tracker struct {
	db *database.DB
}

// NewTracker creates a tracker over the capture_requests table
func NewTracker(db *database.DB) *Tracker {
	return &Tracker{db: db}
}

// Record records a request made at now. The request wins the dispatch when
// the pet was never dispatched or its last dispatch is at least window old.
// The decision is made in the same statement as the write, so concurrent
// requests cannot both win: the winner stamps its own seen_count as
// dispatched_seen.
func (t *Tracker) Record(ctx context.Context, petID string, now time.Time, window time.Duration) (Request, error) {
	now = now.UTC()
	query := t.db.Rebind(`
		INSERT INTO capture_requests (pet_id, first_seen_at, last_seen_at, seen_count, dispatched_at, dispatched_seen)
		VALUES (?, ?, ?, 1, ?, 1)
		ON CONFLICT (pet_id) DO UPDATE
		SET last_seen_at = excluded.last_seen_at,
		    seen_count = capture_requests.seen_count + 1,
		    dispatched_at = CASE
		      WHEN capture_requests.dispatched_at IS NULL OR capture_requests.dispatched_at <= ?
		      THEN excluded.dispatched_at
		      ELSE capture_requests.dispatched_at END,
		    dispatched_seen = CASE
		      WHEN capture_requests.dispatched_at IS NULL OR capture_requests.dispatched_at <= ?
		      THEN capture_requests.seen_count + 1
		      ELSE capture_requests.dispatched_seen END
		RETURNING seen_count, dispatched_seen = seen_count
	`)

	cutoff := now.Add(-window)
	var req Request
	err := t.db.QueryRowContext(ctx, query, petID, now, now, now, cutoff, cutoff).Scan(&req.SeenCount, &req.Dispatch)
	if err != nil {
		return Request{}, fmt.Errorf("failed to record capture request: %w", err)
	}
	return req, nil
}

// Release clears the dispatch mark of a pet whose dispatch failed, so the
// next request can try again without waiting out the window
func (t *Tracker) Release(ctx context.Context, petID string) error {
	_, err := t.db.ExecContext(ctx, t.db.Rebind(`UPDATE capture_requests SET dispatched_at = NULL WHERE pet_id = ?`), petID)
	if err != nil {
		return fmt.Errorf("failed to release capture request: %w", err)
	}
	return nil
}
