package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

// ErrStaleUpdate is returned when a write would move a job backwards or
// touch a record that already reached a terminal state.
var ErrStaleUpdate = errors.New("stale job update")

// JobStore persists job records and results. Implementations must be safe
// for concurrent use and must enforce CheckTransition atomically.
type JobStore interface {
	// Create writes a new record; an existing id is a conflict
	Create(ctx context.Context, job *models.Job) error
	Put(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	PutResult(ctx context.Context, id string, result *models.JobResult) error
	GetResult(ctx context.Context, id string) (*models.JobResult, error)
	// Complete stores the result and marks the job COMPLETED at 100 in one step
	Complete(ctx context.Context, job *models.Job, result *models.JobResult) error
	// ListUnfinished returns every PENDING or PROCESSING record
	ListUnfinished(ctx context.Context) ([]*models.Job, error)
	Ping(ctx context.Context) error
	Close() error
}

// CheckTransition validates replacing prev with next through Put.
func CheckTransition(prev, next *models.Job) error {
	if prev.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", ErrStaleUpdate, prev.ID, prev.Status)
	}
	if next.Status.Rank() < prev.Status.Rank() {
		return fmt.Errorf("%w: %s -> %s", ErrStaleUpdate, prev.Status, next.Status)
	}
	if next.Status.Rank() == prev.Status.Rank() && next.Progress < prev.Progress {
		return fmt.Errorf("%w: progress %d -> %d", ErrStaleUpdate, prev.Progress, next.Progress)
	}
	return nil
}

// stamped returns a copy of job carrying the write time
func stamped(job *models.Job) *models.Job {
	c := job.Clone()
	c.UpdatedAt = time.Now().UTC()
	return c
}

// validatePut rejects records that can never be written through Put
func validatePut(job *models.Job) error {
	if job == nil || job.ID == "" {
		return apperrors.Validation("id", "job id is required")
	}
	if !job.Status.Valid() {
		return apperrors.Validation("status", fmt.Sprintf("unknown status %q", job.Status))
	}
	if job.Status == models.StatusCompleted {
		return apperrors.Validation("status", "completed jobs must be written with Complete")
	}
	if job.Progress < 0 || job.Progress > 99 {
		return apperrors.Validation("progress", fmt.Sprintf("progress %d outside 0..99", job.Progress))
	}
	return nil
}

func validateComplete(job *models.Job, result *models.JobResult) error {
	if job == nil || job.ID == "" {
		return apperrors.Validation("id", "job id is required")
	}
	if result == nil {
		return apperrors.Validation("result", "result is required")
	}
	if result.JobID != job.ID {
		return apperrors.Validation("result", fmt.Sprintf("result belongs to %s, not %s", result.JobID, job.ID))
	}
	return nil
}

// completed returns the record Complete writes
func completed(job *models.Job, result *models.JobResult) *models.Job {
	c := job.Clone()
	c.Status = models.StatusCompleted
	c.Progress = 100
	c.Error = ""
	at := result.CompletedAt
	c.CompletedAt = &at
	c.UpdatedAt = time.Now().UTC()
	return c
}
