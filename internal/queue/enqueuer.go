package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

const (
	// TaskProcess is the asynq task type carrying one job id
	TaskProcess = "videodetect:process"
	// QueueDefault is the only queue jobs are placed on
	QueueDefault = "videodetect:default"
)

// NewProcessTask builds the queue message for jobID. The job id doubles as
// the task id so a job can never be queued twice, and jobs are never
// retried by the queue: failures are recorded on the job itself.
func NewProcessTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(models.ProcessTaskPayload{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return asynq.NewTask(TaskProcess, payload,
		asynq.TaskID(jobID),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(0),
	), nil
}

// Enqueuer places submitted jobs on the Redis queue for consumers
type Enqueuer struct {
	client *asynq.Client
}

// NewEnqueuer creates an enqueuer from a redis:// URL
func NewEnqueuer(redisURL string) (*Enqueuer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return newEnqueuer(asynq.NewClient(redisOpt)), nil
}

func newEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client}
}

// Launch enqueues the job for processing
func (e *Enqueuer) Launch(ctx context.Context, jobID string) error {
	task, err := NewProcessTask(jobID)
	if err != nil {
		return err
	}
	info, err := e.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	slog.Debug("Job enqueued", "jobId", jobID, "queue", info.Queue)
	return nil
}

// Close releases the Redis connection
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
