package processor

import (
	"context"
	"time"
)

// progressTracker turns frame indices into persisted progress points.
// Values stay within 0..99; 100 is only written together with the result.
type progressTracker struct {
	total     int
	step      int
	current   int
	heartbeat time.Duration
	lastWrite time.Time
	now       func() time.Time
	write     func(ctx context.Context, progress int) error
}

func newProgressTracker(total, step int, heartbeat time.Duration, write func(ctx context.Context, progress int) error) *progressTracker {
	if step < 1 {
		step = 1
	}
	if step > 5 {
		step = 5
	}
	return &progressTracker{total: total, step: step, heartbeat: heartbeat, now: time.Now, lastWrite: time.Now(), write: write}
}

// percent computes floor(index / total * 100) clamped to [0, 99]
func percent(index, total int) int {
	if total <= 0 || index <= 0 {
		return 0
	}
	p := index * 100 / total
	if p > 99 {
		p = 99
	}
	return p
}

// observe records that the frame at index has been written. The current
// value is rewritten once heartbeat elapses without a step.
func (t *progressTracker) observe(ctx context.Context, index int) error {
	p := percent(index, t.total)
	if p < t.current {
		p = t.current
	}
	now := t.now()
	due := t.heartbeat > 0 && now.Sub(t.lastWrite) >= t.heartbeat
	if p-t.current < t.step && !due {
		return nil
	}
	if err := t.write(ctx, p); err != nil {
		return err
	}
	t.current = p
	t.lastWrite = now
	return nil
}
