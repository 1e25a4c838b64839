package processor

import (
	"context"
	"errors"
	"sync"

	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

// ErrJobCancelled is the cancellation cause for jobs stopped through their Task
var ErrJobCancelled = errors.New("job cancelled")

// Task supervises the execution of one job
type Task struct {
	jobID  string
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu     sync.Mutex
	result *models.JobResult
	err    error
}

func newTask(parent context.Context, jobID string) (*Task, context.Context) {
	ctx, cancel := context.WithCancelCause(parent)
	return &Task{
		jobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
	}, ctx
}

// JobID returns the id of the supervised job
func (t *Task) JobID() string {
	return t.jobID
}

// Done is closed when the job has reached a terminal state
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel stops the job; it will be marked FAILED with "job cancelled"
func (t *Task) Cancel() {
	t.cancel(ErrJobCancelled)
}

// Wait blocks until the job finishes or ctx is done. A result may be
// returned together with an error when it was computed but could not be
// persisted.
func (t *Task) Wait(ctx context.Context) (*models.JobResult, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

func (t *Task) finish(result *models.JobResult, err error) {
	t.mu.Lock()
	t.result = result
	t.err = err
	t.mu.Unlock()
	t.cancel(nil)
	close(t.done)
}
