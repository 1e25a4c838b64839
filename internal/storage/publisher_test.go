package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

func TestRedisProgressPublisher(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	sub := client.Subscribe(ctx, ProgressChannel("pub-1"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	update := models.ProgressUpdate{
		JobID:     "pub-1",
		Status:    models.StatusProcessing,
		Progress:  42,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := NewRedisProgressPublisher(client).Publish(ctx, update); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got models.ProgressUpdate
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.JobID != "pub-1" || got.Progress != 42 || got.Status != models.StatusProcessing {
			t.Errorf("unexpected message %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pub/sub message received")
	}

	entries, err := client.XRange(ctx, progressStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 1 || entries[0].Values["progress"] != "42" || entries[0].Values["jobId"] != "pub-1" {
		t.Errorf("unexpected stream entries %+v", entries)
	}
}
