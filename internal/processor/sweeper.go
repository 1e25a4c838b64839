package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

// ErrWorkerRestarted is recorded on jobs whose worker stopped writing
// before they reached a terminal state
var ErrWorkerRestarted = errors.New("worker restarted")

// SweepOptions selects which unfinished records RecoverStale fails
type SweepOptions struct {
	// MaxIdle is how long a record may go without a write. Zero fails every
	// unfinished record not running in this process.
	MaxIdle time.Duration
	// IncludePending also fails PENDING records; queued jobs waiting for a
	// consumer must not be swept.
	IncludePending bool
}

// RecoverStale marks abandoned jobs FAILED and removes their staged uploads.
// Jobs running in this process are never touched.
func (p *VideoProcessor) RecoverStale(ctx context.Context, opts SweepOptions) (int, error) {
	jobs, err := p.store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-opts.MaxIdle)
	recovered := 0
	for _, job := range jobs {
		if job.Status == models.StatusPending && !opts.IncludePending {
			continue
		}
		if _, running := p.Task(job.ID); running {
			continue
		}
		if opts.MaxIdle > 0 && job.UpdatedAt.After(cutoff) {
			continue
		}

		p.fail(ctx, job, ErrWorkerRestarted)
		if job.Status != models.StatusFailed {
			continue
		}
		p.cleanup(job)
		p.metrics.RecordJobFinished(ctx, "", false, 0)
		recovered++
	}
	if recovered > 0 {
		slog.Warn("Recovered abandoned jobs", "count", recovered)
	}
	return recovered, nil
}

// WatchStale runs RecoverStale every interval until ctx is done
func (p *VideoProcessor) WatchStale(ctx context.Context, interval time.Duration, opts SweepOptions) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := p.RecoverStale(ctx, opts); err != nil && ctx.Err() == nil {
			slog.Warn("Stale job sweep failed", "error", err)
		}
	}
}
