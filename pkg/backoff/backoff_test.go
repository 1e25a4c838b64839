package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponential_Defaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second}, // capped at max
	}

	for _, tt := range tests {
		got := Exponential(tt.attempt, nil)
		if got != tt.want {
			t.Errorf("Exponential(%d, nil) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CustomConfig(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Initial: 50 * time.Millisecond,
		Max:     150 * time.Millisecond,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 50 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{3, 150 * time.Millisecond}, // capped at max
	}

	for _, tt := range tests {
		got := Exponential(tt.attempt, cfg)
		if got != tt.want {
			t.Errorf("Exponential(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSleep_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, 1, &Config{Initial: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() = %v, want context.Canceled", err)
	}
}

func TestSleep_Elapses(t *testing.T) {
	t.Parallel()

	start := time.Now()
	if err := Sleep(context.Background(), 1, &Config{Initial: 10 * time.Millisecond}); err != nil {
		t.Fatalf("Sleep() = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("Sleep returned after %v, want >= 10ms", elapsed)
	}
}
