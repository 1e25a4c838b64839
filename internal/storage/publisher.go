package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

const (
	progressChannelPrefix = "videodetect:progress:"
	progressStream        = "videodetect:progress"
)

// ProgressChannel is the pub/sub channel carrying updates for one job
func ProgressChannel(jobID string) string {
	return progressChannelPrefix + jobID
}

// RedisProgressPublisher fans progress updates out to pub/sub subscribers
// and to a capped stream for late readers.
type RedisProgressPublisher struct {
	client    *redis.Client
	streamLen int64
}

func NewRedisProgressPublisher(client *redis.Client) *RedisProgressPublisher {
	return &RedisProgressPublisher{client: client, streamLen: 10000}
}

func (p *RedisProgressPublisher) Publish(ctx context.Context, update models.ProgressUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal progress update: %w", err)
	}

	if err := p.client.Publish(ctx, ProgressChannel(update.JobID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}

	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: progressStream,
		MaxLen: p.streamLen,
		Approx: true,
		Values: map[string]interface{}{
			"jobId":     update.JobID,
			"status":    string(update.Status),
			"progress":  update.Progress,
			"message":   update.Message,
			"timestamp": update.Timestamp.UnixMilli(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to append progress stream: %w", err)
	}
	return nil
}
