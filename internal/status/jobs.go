package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/pet-image-sync/internal/model"
)

const jobCols = `id, type, source, pet_type, batch_size, status, progress, error, created_at, started_at, completed_at`

func scanJob(s scanner) (*model.SyncJob, error) {
	var j model.SyncJob
	var jobType, jobStatus string
	var petType sql.NullString
	var started, completed sql.NullTime
	err := s.Scan(&j.ID, &jobType, &j.Source, &petType, &j.BatchSize, &jobStatus,
		&j.Progress, &j.Error, &j.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	j.Type = model.JobType(jobType)
	j.Status = model.JobStatus(jobStatus)
	if petType.Valid {
		pt := model.PetType(petType.String)
		j.PetType = &pt
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.StartedAt = nullTimePtr(started)
	j.CompletedAt = nullTimePtr(completed)
	return &j, nil
}

// CreateJob inserts a pending job. An empty ID is filled with a new UUID.
func (s *Store) CreateJob(ctx context.Context, job *model.SyncJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = model.JobStatusPending
	job.Progress = 0
	job.CreatedAt = s.now()

	var petType any
	if job.PetType != nil {
		petType = string(*job.PetType)
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO sync_jobs (id, type, source, pet_type, batch_size, status, progress, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '', ?)`),
		job.ID, string(job.Type), job.Source, petType, job.BatchSize, string(job.Status), job.Progress, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob returns a job by id or ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*model.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+jobCols+` FROM sync_jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// transition runs a conditional update and maps "no rows" to either
// ErrJobNotFound or ErrInvalidTransition.
func (s *Store) transition(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.Status)
}

// StartJob moves a pending job to running.
func (s *Store) StartJob(ctx context.Context, id string) error {
	err := s.transition(ctx, id,
		`UPDATE sync_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(model.JobStatusRunning), s.now(), id, string(model.JobStatusPending))
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	return nil
}

// UpdateJobProgress records advisory progress (0..100) on a running job.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress float64) error {
	progress = min(max(progress, 0), 100)
	err := s.transition(ctx, id,
		`UPDATE sync_jobs SET progress = ? WHERE id = ? AND status = ?`,
		progress, id, string(model.JobStatusRunning))
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// CompleteJob moves a running job to completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	err := s.transition(ctx, id,
		`UPDATE sync_jobs SET status = ?, progress = 100, completed_at = ? WHERE id = ? AND status = ?`,
		string(model.JobStatusCompleted), s.now(), id, string(model.JobStatusRunning))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob moves a pending or running job to failed with a message.
func (s *Store) FailJob(ctx context.Context, id, message string) error {
	err := s.transition(ctx, id,
		`UPDATE sync_jobs SET status = ?, error = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(model.JobStatusFailed), message, s.now(), id,
		string(model.JobStatusPending), string(model.JobStatusRunning))
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// CountActiveJobs counts pending or running jobs created after since. Jobs
// older than since are treated as abandoned by a crashed process.
func (s *Store) CountActiveJobs(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT COUNT(*) FROM sync_jobs WHERE status IN (?, ?) AND created_at > ?`),
		string(model.JobStatusPending), string(model.JobStatusRunning), since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}
