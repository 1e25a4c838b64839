package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

// Executor runs a PENDING job to a terminal state
type Executor interface {
	Execute(ctx context.Context, jobID string) (*models.JobResult, error)
}

// RedisConsumer consumes detection jobs from the Redis queue
type RedisConsumer struct {
	server   *asynq.Server
	executor Executor
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL        string
	Concurrency     int
	Executor        Executor
	ShutdownTimeout time.Duration // How long Stop waits before cancelling running jobs
}

// NewRedisConsumer creates a new Redis queue consumer
func NewRedisConsumer(config *RedisConsumerConfig) (*RedisConsumer, error) {
	if config.Executor == nil {
		return nil, errors.New("queue: executor is required")
	}
	redisOpt, err := asynq.ParseRedisURI(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency:     config.Concurrency,
			ShutdownTimeout: config.ShutdownTimeout,
			Queues: map[string]int{
				QueueDefault: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				slog.Warn("Task failed", "type", task.Type(), "error", err)
			}),
		},
	)

	return &RedisConsumer{
		server:   server,
		executor: config.Executor,
	}, nil
}

// Start begins consuming in the background
func (rc *RedisConsumer) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskProcess, rc.HandleProcessTask)

	slog.Info("Starting queue consumer", "queue", QueueDefault)
	if err := rc.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	return nil
}

// Stop waits for active tasks and stops the consumer
func (rc *RedisConsumer) Stop() {
	slog.Info("Shutting down queue consumer")
	rc.server.Shutdown()
}

// HandleProcessTask executes the job named in the task. Errors are marked
// with asynq.SkipRetry since the job record already holds the failure.
func (rc *RedisConsumer) HandleProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload models.ProcessTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload has no job id: %w", asynq.SkipRetry)
	}

	logger := slog.With("jobId", payload.JobID)
	logger.Info("Processing queued job")

	if _, err := rc.executor.Execute(ctx, payload.JobID); err != nil {
		logger.Warn("Queued job failed", "error", err)
		return fmt.Errorf("job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}

	logger.Info("Queued job completed")
	return nil
}
