package storage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
	"github.com/adverant/nexus/videodetect-worker/internal/observability"
	"github.com/adverant/nexus/videodetect-worker/pkg/backoff"
)

// RetryingStore retries each failed store call once after a short backoff.
// Guard rejections and lookups of unknown ids are returned immediately.
type RetryingStore struct {
	JobStore
	metrics *observability.Metrics
	backoff *backoff.Config
}

func WithRetry(store JobStore, metrics *observability.Metrics, cfg *backoff.Config) *RetryingStore {
	return &RetryingStore{JobStore: store, metrics: metrics, backoff: cfg}
}

func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrStaleUpdate),
		errors.Is(err, apperrors.ErrNotFound),
		errors.Is(err, apperrors.ErrConflict),
		errors.Is(err, apperrors.ErrValidation),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (s *RetryingStore) do(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if !retryable(err) {
		return err
	}
	slog.Warn("Job store call failed, retrying once", "op", op, "error", err)
	s.metrics.RecordStoreRetry(ctx, op)
	if sleepErr := backoff.Sleep(ctx, 1, s.backoff); sleepErr != nil {
		return err
	}
	return fn()
}

func (s *RetryingStore) Create(ctx context.Context, job *models.Job) error {
	return s.do(ctx, "create", func() error { return s.JobStore.Create(ctx, job) })
}

func (s *RetryingStore) Put(ctx context.Context, job *models.Job) error {
	return s.do(ctx, "put", func() error { return s.JobStore.Put(ctx, job) })
}

func (s *RetryingStore) Get(ctx context.Context, id string) (*models.Job, error) {
	var job *models.Job
	err := s.do(ctx, "get", func() (err error) {
		job, err = s.JobStore.Get(ctx, id)
		return err
	})
	return job, err
}

func (s *RetryingStore) PutResult(ctx context.Context, id string, result *models.JobResult) error {
	return s.do(ctx, "put_result", func() error { return s.JobStore.PutResult(ctx, id, result) })
}

func (s *RetryingStore) GetResult(ctx context.Context, id string) (*models.JobResult, error) {
	var result *models.JobResult
	err := s.do(ctx, "get_result", func() (err error) {
		result, err = s.JobStore.GetResult(ctx, id)
		return err
	})
	return result, err
}

// Complete treats a stale rejection on the retry as success when the record
// is already COMPLETED, since the first attempt may have committed before
// its reply was lost.
func (s *RetryingStore) Complete(ctx context.Context, job *models.Job, result *models.JobResult) error {
	attempts := 0
	err := s.do(ctx, "complete", func() error {
		attempts++
		return s.JobStore.Complete(ctx, job, result)
	})
	if err == nil || attempts < 2 || !errors.Is(err, ErrStaleUpdate) {
		return err
	}
	stored, getErr := s.JobStore.Get(ctx, job.ID)
	if getErr != nil || stored.Status != models.StatusCompleted {
		return err
	}
	if _, getErr := s.JobStore.GetResult(ctx, job.ID); getErr != nil {
		return err
	}
	return nil
}

func (s *RetryingStore) ListUnfinished(ctx context.Context) ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.do(ctx, "list_unfinished", func() (err error) {
		jobs, err = s.JobStore.ListUnfinished(ctx)
		return err
	})
	return jobs, err
}
