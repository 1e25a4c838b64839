package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRedisStore(t *testing.T) (*RedisJobStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisJobStore(client, 7*24*time.Hour)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func backends(t *testing.T) map[string]JobStore {
	redisStore, _ := newRedisStore(t)
	return map[string]JobStore{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
}

func pendingJob(id string) *models.Job {
	return &models.Job{
		ID:                  id,
		Status:              models.StatusPending,
		VideoPath:           "/tmp/" + id + ".video",
		FrameSkip:           3,
		ConfidenceThreshold: 0.5,
		CreatedAt:           created,
	}
}

func processing(job *models.Job, progress int) *models.Job {
	c := job.Clone()
	c.Status = models.StatusProcessing
	c.Progress = progress
	started := created.Add(time.Second)
	c.StartedAt = &started
	return c
}

func resultFor(id string) *models.JobResult {
	return &models.JobResult{
		JobID:           id,
		TotalFrames:     30,
		ProcessedFrames: 10,
		VideoLength:     1,
		Results: []models.FrameResult{
			{FrameIndex: 0, TimestampMs: 0, Detections: []models.Detection{
				{Label: "person", Confidence: 0.9, BBox: models.BoundingBox{X1: 1, Y1: 2, X2: 30, Y2: 40}},
			}},
		},
		AnnotatedVideo: "http://localhost/v1/videos/outputs/" + id + ".webm",
		OutputFile:     id + ".webm",
		Codec:          "VP8",
		MIMEType:       "video/webm",
		CompletedAt:    created.Add(time.Minute),
	}
}

func TestJobStore_Lifecycle(t *testing.T) {
	t.Parallel()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			job := pendingJob("life-" + name)

			if err := store.Create(ctx, job); err != nil {
				t.Fatalf("Create: %v", err)
			}
			got, err := store.Get(ctx, job.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != models.StatusPending || got.FrameSkip != 3 || got.ConfidenceThreshold != 0.5 {
				t.Errorf("unexpected record %+v", got)
			}
			if !got.CreatedAt.Equal(created) || got.StartedAt != nil {
				t.Errorf("timestamps not preserved: %+v", got)
			}

			if err := store.Put(ctx, processing(job, 40)); err != nil {
				t.Fatalf("Put processing: %v", err)
			}
			if _, err := store.GetResult(ctx, job.ID); !errors.Is(err, apperrors.ErrNotFound) {
				t.Errorf("result before completion: got %v, want ErrNotFound", err)
			}

			if err := store.Complete(ctx, processing(job, 40), resultFor(job.ID)); err != nil {
				t.Fatalf("Complete: %v", err)
			}
			got, _ = store.Get(ctx, job.ID)
			if got.Status != models.StatusCompleted || got.Progress != 100 {
				t.Errorf("after Complete got %s/%d, want COMPLETED/100", got.Status, got.Progress)
			}
			if got.CompletedAt == nil || !got.CompletedAt.Equal(created.Add(time.Minute)) {
				t.Errorf("CompletedAt = %v", got.CompletedAt)
			}
			res, err := store.GetResult(ctx, job.ID)
			if err != nil {
				t.Fatalf("GetResult: %v", err)
			}
			if res.Codec != "VP8" || len(res.Results) != 1 || res.Results[0].Detections[0].BBox.Y2 != 40 {
				t.Errorf("result not preserved: %+v", res)
			}
		})
	}
}

func TestJobStore_RejectsStaleUpdates(t *testing.T) {
	t.Parallel()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			job := pendingJob("stale-" + name)
			if err := store.Create(ctx, job); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := store.Put(ctx, processing(job, 50)); err != nil {
				t.Fatalf("Put: %v", err)
			}

			if err := store.Put(ctx, processing(job, 20)); !errors.Is(err, ErrStaleUpdate) {
				t.Errorf("lower progress: got %v, want ErrStaleUpdate", err)
			}
			if err := store.Put(ctx, job); !errors.Is(err, ErrStaleUpdate) {
				t.Errorf("PROCESSING -> PENDING: got %v, want ErrStaleUpdate", err)
			}

			failed := processing(job, 50)
			failed.Status = models.StatusFailed
			failed.Error = "decode failed"
			if err := store.Put(ctx, failed); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			if err := store.Put(ctx, processing(job, 90)); !errors.Is(err, ErrStaleUpdate) {
				t.Errorf("write after FAILED: got %v, want ErrStaleUpdate", err)
			}
			if err := store.Complete(ctx, processing(job, 90), resultFor(job.ID)); !errors.Is(err, ErrStaleUpdate) {
				t.Errorf("Complete after FAILED: got %v, want ErrStaleUpdate", err)
			}

			got, _ := store.Get(ctx, job.ID)
			if got.Status != models.StatusFailed || got.Error != "decode failed" || got.Progress != 50 {
				t.Errorf("terminal record changed: %+v", got)
			}
		})
	}
}

func TestJobStore_Errors(t *testing.T) {
	t.Parallel()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			job := pendingJob("err-" + name)

			tests := []struct {
				name string
				run  func() error
				want error
			}{
				{"get unknown", func() error { _, err := store.Get(ctx, "nope"); return err }, apperrors.ErrNotFound},
				{"put unknown", func() error { return store.Put(ctx, pendingJob("nope")) }, apperrors.ErrNotFound},
				{"complete unknown", func() error { return store.Complete(ctx, pendingJob("nope"), resultFor("nope")) }, apperrors.ErrNotFound},
				{"put completed", func() error {
					c := job.Clone()
					c.Status = models.StatusCompleted
					return store.Put(ctx, c)
				}, apperrors.ErrValidation},
				{"put progress 100", func() error { return store.Put(ctx, processing(job, 100)) }, apperrors.ErrValidation},
				{"complete mismatched result", func() error { return store.Complete(ctx, job, resultFor("other")) }, apperrors.ErrValidation},
			}

			if err := store.Create(ctx, job); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := store.Create(ctx, job); !errors.Is(err, apperrors.ErrConflict) {
				t.Errorf("duplicate Create: got %v, want ErrConflict", err)
			}
			for _, tt := range tests {
				if err := tt.run(); !errors.Is(err, tt.want) {
					t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
				}
			}
		})
	}
}

func TestRedisJobStore_ExpiresTerminalRecords(t *testing.T) {
	t.Parallel()
	store, mr := newRedisStore(t)
	ctx := context.Background()
	job := pendingJob("ttl")

	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ttl := mr.TTL(jobKey(job.ID)); ttl != 0 {
		t.Errorf("pending job should not expire, TTL %v", ttl)
	}
	if err := store.Complete(ctx, processing(job, 10), resultFor(job.ID)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if ttl := mr.TTL(resultKey(job.ID)); ttl != 7*24*time.Hour {
		t.Errorf("result TTL = %v", ttl)
	}
	if ttl := mr.TTL(jobKey(job.ID)); ttl != 7*24*time.Hour {
		t.Errorf("job TTL = %v", ttl)
	}
	if got := mr.HGet(jobKey(job.ID), "rank"); got != "2" {
		t.Errorf("rank field = %q", got)
	}
}

func TestRedisJobStore_CorruptRecord(t *testing.T) {
	t.Parallel()
	store, mr := newRedisStore(t)
	mr.HSet(jobKey("bad"), "id", "bad", "status", "EXPLODED", "progress", "1")

	if _, err := store.Get(context.Background(), "bad"); !errors.Is(err, apperrors.ErrStorage) {
		t.Errorf("expected ErrStorage for corrupt record, got %v", err)
	}
}

func TestCheckTransition(t *testing.T) {
	t.Parallel()
	job := pendingJob("ct")
	tests := []struct {
		name      string
		prev      *models.Job
		next      *models.Job
		wantStale bool
	}{
		{"pending to processing", job, processing(job, 0), false},
		{"progress advances", processing(job, 5), processing(job, 6), false},
		{"same progress", processing(job, 5), processing(job, 5), false},
		{"progress regresses", processing(job, 6), processing(job, 5), true},
		{"status regresses", processing(job, 0), job, true},
		{"terminal", func() *models.Job { f := job.Clone(); f.Status = models.StatusFailed; return f }(), processing(job, 10), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := CheckTransition(tt.prev, tt.next)
			if got := errors.Is(err, ErrStaleUpdate); got != tt.wantStale {
				t.Errorf("CheckTransition() = %v, wantStale %v", err, tt.wantStale)
			}
		})
	}
}

func TestJobStore_ListUnfinished(t *testing.T) {
	t.Parallel()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			running := pendingJob("open-" + name)
			done := pendingJob("done-" + name)
			for _, job := range []*models.Job{running, done} {
				if err := store.Create(ctx, job); err != nil {
					t.Fatalf("Create: %v", err)
				}
			}
			failed := processing(done, 4)
			failed.Status = models.StatusFailed
			failed.Error = "boom"
			if err := store.Put(ctx, failed); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := store.Put(ctx, processing(running, 7)); err != nil {
				t.Fatalf("Put: %v", err)
			}

			jobs, err := store.ListUnfinished(ctx)
			if err != nil {
				t.Fatalf("ListUnfinished: %v", err)
			}
			if len(jobs) != 1 || jobs[0].ID != running.ID {
				t.Fatalf("ListUnfinished = %+v, want only %s", jobs, running.ID)
			}
			if jobs[0].Status != models.StatusProcessing || jobs[0].Progress != 7 {
				t.Errorf("listed job = %s/%d", jobs[0].Status, jobs[0].Progress)
			}
			if jobs[0].UpdatedAt.IsZero() || jobs[0].UpdatedAt.Before(created) {
				t.Errorf("UpdatedAt = %v, want the write time", jobs[0].UpdatedAt)
			}
		})
	}
}

func TestJobStore_StampsUpdatedAt(t *testing.T) {
	t.Parallel()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			job := pendingJob("stamp-" + name)
			if err := store.Create(ctx, job); err != nil {
				t.Fatalf("Create: %v", err)
			}
			first, err := store.Get(ctx, job.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if first.UpdatedAt.IsZero() {
				t.Fatal("Create did not stamp UpdatedAt")
			}

			time.Sleep(2 * time.Millisecond)
			if err := store.Put(ctx, processing(job, 0)); err != nil {
				t.Fatalf("Put: %v", err)
			}
			second, err := store.Get(ctx, job.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !second.UpdatedAt.After(first.UpdatedAt) {
				t.Errorf("UpdatedAt %v not refreshed past %v", second.UpdatedAt, first.UpdatedAt)
			}
		})
	}
}
