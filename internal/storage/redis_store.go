package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

const (
	jobKeyPrefix    = "videodetect:job:"
	resultKeyPrefix = "videodetect:result:"
)

func jobKey(id string) string    { return jobKeyPrefix + id }
func resultKey(id string) string { return resultKeyPrefix + id }

// Script return codes: 1 written, 0 stale, -1 missing
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

var putScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'rank', 'progress')
if not cur[1] then
  return -1
end
local rank = tonumber(cur[1])
local progress = tonumber(cur[2])
local nrank = tonumber(ARGV[1])
local nprogress = tonumber(ARGV[2])
if rank >= 2 or nrank < rank or (nrank == rank and nprogress < progress) then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return 1
`)

var completeScript = redis.NewScript(`
local rank = redis.call('HGET', KEYS[1], 'rank')
if not rank then
  return -1
end
if tonumber(rank) >= 2 then
  return 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('SET', KEYS[2], ARGV[1], 'EX', ttl)
else
  redis.call('SET', KEYS[2], ARGV[1])
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return 1
`)

// NewRedisClient connects and pings with a short timeout
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisJobStore keeps each job as a typed hash and its result as JSON.
// Terminal records expire after resultTTL.
type RedisJobStore struct {
	client    *redis.Client
	resultTTL time.Duration
}

func NewRedisJobStore(client *redis.Client, resultTTL time.Duration) *RedisJobStore {
	return &RedisJobStore{client: client, resultTTL: resultTTL}
}

func (s *RedisJobStore) Create(ctx context.Context, job *models.Job) error {
	if err := validatePut(job); err != nil {
		return err
	}
	n, err := createScript.Run(ctx, s.client, []string{jobKey(job.ID)}, jobFields(stamped(job))...).Int()
	if err != nil {
		return apperrors.Storage("redis.create", err)
	}
	if n == 0 {
		return apperrors.Conflict("job", job.ID, "job "+job.ID+" already exists")
	}
	return nil
}

func (s *RedisJobStore) Put(ctx context.Context, job *models.Job) error {
	if err := validatePut(job); err != nil {
		return err
	}

	ttl := int64(0)
	if job.Status.IsTerminal() {
		ttl = int64(s.resultTTL / time.Second)
	}
	args := append([]interface{}{job.Status.Rank(), job.Progress, ttl}, jobFields(stamped(job))...)

	n, err := putScript.Run(ctx, s.client, []string{jobKey(job.ID)}, args...).Int()
	if err != nil {
		return apperrors.Storage("redis.put", err)
	}
	switch n {
	case -1:
		return apperrors.NotFound("job", job.ID)
	case 0:
		return fmt.Errorf("%w: job %s rejected %s/%d", ErrStaleUpdate, job.ID, job.Status, job.Progress)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, apperrors.Storage("redis.get", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.NotFound("job", id)
	}
	job, err := parseJob(fields)
	if err != nil {
		return nil, apperrors.Storage("redis.get", fmt.Errorf("job %s: %w", id, err))
	}
	return job, nil
}

func (s *RedisJobStore) PutResult(ctx context.Context, id string, result *models.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return apperrors.Internal("marshal result", err)
	}
	if err := s.client.Set(ctx, resultKey(id), data, s.resultTTL).Err(); err != nil {
		return apperrors.Storage("redis.put_result", err)
	}
	return nil
}

func (s *RedisJobStore) GetResult(ctx context.Context, id string) (*models.JobResult, error) {
	data, err := s.client.Get(ctx, resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NotFound("result", id)
	}
	if err != nil {
		return nil, apperrors.Storage("redis.get_result", err)
	}

	var result models.JobResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, apperrors.Storage("redis.get_result", fmt.Errorf("decode result %s: %w", id, err))
	}
	return &result, nil
}

func (s *RedisJobStore) Complete(ctx context.Context, job *models.Job, result *models.JobResult) error {
	if err := validateComplete(job, result); err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return apperrors.Internal("marshal result", err)
	}

	next := completed(job, result)
	args := append([]interface{}{data, int64(s.resultTTL / time.Second)}, jobFields(next)...)

	n, err := completeScript.Run(ctx, s.client, []string{jobKey(job.ID), resultKey(job.ID)}, args...).Int()
	if err != nil {
		return apperrors.Storage("redis.complete", err)
	}
	switch n {
	case -1:
		return apperrors.NotFound("job", job.ID)
	case 0:
		return fmt.Errorf("%w: job %s is already terminal", ErrStaleUpdate, job.ID)
	}
	return nil
}

// ListUnfinished scans job hashes; terminal records are skipped
func (s *RedisJobStore) ListUnfinished(ctx context.Context) ([]*models.Job, error) {
	var out []*models.Job
	iter := s.client.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, apperrors.Storage("redis.list", err)
		}
		if len(fields) == 0 {
			continue
		}
		job, err := parseJob(fields)
		if err != nil {
			slog.Warn("Skipping unreadable job record", "key", iter.Val(), "error", err)
			continue
		}
		if !job.Status.IsTerminal() {
			out = append(out, job)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, apperrors.Storage("redis.list", err)
	}
	return out, nil
}

func (s *RedisJobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisJobStore) Close() error {
	return s.client.Close()
}

// jobFields flattens a job into HSET field/value pairs
func jobFields(job *models.Job) []interface{} {
	return []interface{}{
		"id", job.ID,
		"status", string(job.Status),
		"rank", strconv.Itoa(job.Status.Rank()),
		"progress", strconv.Itoa(job.Progress),
		"video_path", job.VideoPath,
		"frame_skip", strconv.Itoa(job.FrameSkip),
		"confidence_threshold", strconv.FormatFloat(job.ConfidenceThreshold, 'f', -1, 64),
		"created_at", formatTime(&job.CreatedAt),
		"started_at", formatTime(job.StartedAt),
		"completed_at", formatTime(job.CompletedAt),
		"updated_at", formatTime(&job.UpdatedAt),
		"error", job.Error,
	}
}

func parseJob(f map[string]string) (*models.Job, error) {
	job := &models.Job{
		ID:        f["id"],
		Status:    models.JobStatus(f["status"]),
		VideoPath: f["video_path"],
		Error:     f["error"],
	}
	if !job.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", f["status"])
	}

	var err error
	if job.Progress, err = strconv.Atoi(f["progress"]); err != nil {
		return nil, fmt.Errorf("progress: %w", err)
	}
	if job.FrameSkip, err = strconv.Atoi(f["frame_skip"]); err != nil {
		return nil, fmt.Errorf("frame_skip: %w", err)
	}
	if job.ConfidenceThreshold, err = strconv.ParseFloat(f["confidence_threshold"], 64); err != nil {
		return nil, fmt.Errorf("confidence_threshold: %w", err)
	}

	created, err := parseTime(f["created_at"])
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if created != nil {
		job.CreatedAt = *created
	}
	if job.StartedAt, err = parseTime(f["started_at"]); err != nil {
		return nil, fmt.Errorf("started_at: %w", err)
	}
	if job.CompletedAt, err = parseTime(f["completed_at"]); err != nil {
		return nil, fmt.Errorf("completed_at: %w", err)
	}
	updated, err := parseTime(f["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	if updated != nil {
		job.UpdatedAt = *updated
	}
	return job, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
