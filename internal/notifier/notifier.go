// Package notifier exposes job progress to clients, either as a single
// snapshot or as a periodic push stream.
package notifier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

// Snapshot statuses beyond the job states
const (
	StatusNotFound = "NOT_FOUND"
	StatusError    = "ERROR"
)

// TimeoutMessage is reported when a watched job outlives the push window
const TimeoutMessage = "processing timed out"

// Snapshot is one observation of a job
type Snapshot struct {
	JobID    string            `json:"task_id"`
	Status   string            `json:"status"`
	Progress int               `json:"progress"`
	Error    string            `json:"error,omitempty"`
	Result   *models.JobResult `json:"result,omitempty"`
}

// Terminal reports whether no further snapshots will follow
func (s Snapshot) Terminal() bool {
	switch s.Status {
	case string(models.StatusCompleted), string(models.StatusFailed), StatusNotFound, StatusError:
		return true
	}
	return false
}

// Source reads the current view of a job
type Source interface {
	GetResult(ctx context.Context, id string) (*models.ResultView, error)
}

// Notifier turns job views into snapshots
type Notifier struct {
	source   Source
	interval time.Duration
	maxWait  time.Duration
}

// New creates a notifier pushing every interval for at most maxWait
func New(source Source, interval, maxWait time.Duration) *Notifier {
	if interval <= 0 {
		interval = time.Second
	}
	if maxWait <= 0 {
		maxWait = time.Hour
	}
	return &Notifier{source: source, interval: interval, maxWait: maxWait}
}

// Snapshot returns the current state of a job. Unknown ids produce a
// NOT_FOUND snapshot rather than an error.
func (n *Notifier) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	view, err := n.source.GetResult(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return Snapshot{JobID: id, Status: StatusNotFound, Error: "job not found"}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		JobID:    view.JobID,
		Status:   string(view.Status),
		Progress: view.Progress,
		Error:    view.Error,
		Result:   view.Result,
	}, nil
}

// Watch emits a snapshot every interval until the job is terminal, ctx is
// done or maxWait has elapsed. On timeout a final ERROR snapshot with
// progress -1 is sent. The channel is closed when watching stops.
func (n *Notifier) Watch(ctx context.Context, id string) <-chan Snapshot {
	out := make(chan Snapshot)
	go func() {
		defer close(out)
		deadline := time.Now().Add(n.maxWait)

		for {
			snap, err := n.Snapshot(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Failed to read job for push", "jobId", id, "error", err)
			} else {
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
				if snap.Terminal() {
					return
				}
			}

			if !time.Now().Before(deadline) {
				timeout := Snapshot{JobID: id, Status: StatusError, Progress: -1, Error: TimeoutMessage}
				select {
				case out <- timeout:
				case <-ctx.Done():
				}
				return
			}

			timer := time.NewTimer(n.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	return out
}
