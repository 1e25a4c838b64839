package processor

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
	"github.com/adverant/nexus/videodetect-worker/internal/testutil"
)

func TestSubmit_AnnotatePanicFailsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 30, 30, func(_ *harness, o *Options) {
		o.Annotate = func(image.Image, []models.Detection) *image.RGBA {
			panic("annotator: malformed bbox")
		}
	})
	ctx := context.Background()

	id, err := h.proc.Submit(ctx, video(), models.SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.MustWaitFor(t, func() bool {
		s, _ := h.proc.GetStatus(ctx, id)
		return s != nil && s.Status == models.StatusFailed
	})

	status, _ := h.proc.GetStatus(ctx, id)
	if !strings.Contains(status.Error, "panic: annotator: malformed bbox") {
		t.Errorf("error = %q, want the panic message", status.Error)
	}
	testutil.MustWaitFor(t, func() bool {
		_, running := h.proc.Task(id)
		return !running
	})
	if n := h.stagedFiles(t); n != 0 {
		t.Errorf("%d staged files left after panic", n)
	}
	if w := h.encoders.writer(id); w == nil || !w.aborted {
		t.Error("writer not aborted after panic")
	}
}

func TestProcess_DetectorPanicOutsideAdapter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 30, 30, func(h *harness, o *Options) {
		o.Detector = panickingDetector{}
	})

	_, err := h.proc.Process(context.Background(), video(), models.SubmitOptions{})
	if !errors.Is(err, apperrors.ErrInternal) || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("Process() = %v, want internal panic error", err)
	}
}

type panickingDetector struct{}

func (panickingDetector) Detect(context.Context, image.Image, float64) ([]models.Detection, error) {
	panic("unguarded detector")
}

func TestNewVideoProcessor_KeepsZeroConfidence(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 9, 30, func(_ *harness, o *Options) { o.Confidence = floatPtr(0) })
	ctx := context.Background()

	id, err := h.proc.Submit(ctx, video(), models.SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, err := h.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.ConfidenceThreshold != 0 {
		t.Errorf("ConfidenceThreshold = %v, want 0", job.ConfidenceThreshold)
	}
}

func TestNewVideoProcessor_ConfidenceDefaultAndRange(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 9, 30, func(_ *harness, o *Options) { o.Confidence = nil })
	if h.proc.defaultThreshold != 0.5 {
		t.Errorf("default threshold = %v, want 0.5", h.proc.defaultThreshold)
	}

	_, err := NewVideoProcessor(Options{
		Store:      h.store,
		Media:      h.media,
		Encoders:   h.encoders,
		Detector:   panickingDetector{},
		TempDir:    t.TempDir(),
		Confidence: floatPtr(1.5),
	})
	if err == nil {
		t.Error("threshold 1.5 accepted")
	}
}

// blockingArchive holds until its context ends
type blockingArchive struct {
	deadline chan bool
}

func (a *blockingArchive) Archive(ctx context.Context, job *models.Job, result *models.JobResult) error {
	_, ok := ctx.Deadline()
	a.deadline <- ok
	<-ctx.Done()
	return ctx.Err()
}

func TestProcess_ArchiveIsBounded(t *testing.T) {
	t.Parallel()
	archive := &blockingArchive{deadline: make(chan bool, 1)}
	h := newHarness(t, 9, 30, func(_ *harness, o *Options) {
		o.Archive = archive
		o.ArchiveTimeout = 20 * time.Millisecond
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.proc.Process(context.Background(), video(), models.SubmitOptions{})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Process blocked on the archive")
	}
	if !<-archive.deadline {
		t.Error("archive context carried no deadline")
	}
}

func TestSubmit_JobsRunConcurrently(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 30, 30)
	h.media.gate = make(chan struct{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		id, err := h.proc.Submit(ctx, video(), models.SubmitOptions{})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, id)
	}

	// Both jobs hold the decoder at once; neither waits on the other
	testutil.MustWaitFor(t, func() bool {
		for _, id := range ids {
			s, _ := h.proc.GetStatus(ctx, id)
			if s == nil || s.Status != models.StatusProcessing {
				return false
			}
		}
		return true
	})
	close(h.media.gate)

	for _, id := range ids {
		task, ok := h.proc.Task(id)
		if !ok {
			continue
		}
		if _, err := task.Wait(ctx); err != nil {
			t.Fatalf("job %s: %v", id, err)
		}
	}
	for _, id := range ids {
		testutil.MustWaitFor(t, func() bool {
			s, _ := h.proc.GetStatus(ctx, id)
			return s != nil && s.Status == models.StatusCompleted
		})
	}
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	seed := func(t *testing.T, h *harness, id string, status models.JobStatus) string {
		t.Helper()
		path := filepath.Join(h.tempDir, id+".video")
		if err := os.WriteFile(path, []byte("staged"), 0o644); err != nil {
			t.Fatal(err)
		}
		job := &models.Job{ID: id, Status: models.StatusPending, VideoPath: path, FrameSkip: 3, ConfidenceThreshold: 0.5, CreatedAt: time.Now().UTC()}
		if err := h.store.Create(ctx, job); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if status == models.StatusProcessing {
			job.Status = models.StatusProcessing
			job.Progress = 40
			if err := h.store.Put(ctx, job); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
		return path
	}

	tests := []struct {
		name          string
		opts          SweepOptions
		wantProcessed models.JobStatus
		wantPending   models.JobStatus
	}{
		{"startup sweep fails everything", SweepOptions{IncludePending: true}, models.StatusFailed, models.StatusFailed},
		{"queued jobs are left alone", SweepOptions{}, models.StatusFailed, models.StatusPending},
		{"recent writes are alive", SweepOptions{MaxIdle: time.Hour, IncludePending: true}, models.StatusProcessing, models.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 10, 30)
			runningPath := seed(t, h, "orphan-running", models.StatusProcessing)
			pendingPath := seed(t, h, "orphan-pending", models.StatusPending)

			if _, err := h.proc.RecoverStale(ctx, tt.opts); err != nil {
				t.Fatalf("RecoverStale: %v", err)
			}

			for id, want := range map[string]models.JobStatus{"orphan-running": tt.wantProcessed, "orphan-pending": tt.wantPending} {
				job, err := h.store.Get(ctx, id)
				if err != nil {
					t.Fatalf("Get %s: %v", id, err)
				}
				if job.Status != want {
					t.Errorf("%s = %s, want %s", id, job.Status, want)
				}
				if want == models.StatusFailed && job.Error != ErrWorkerRestarted.Error() {
					t.Errorf("%s error = %q", id, job.Error)
				}
			}
			for path, status := range map[string]models.JobStatus{runningPath: tt.wantProcessed, pendingPath: tt.wantPending} {
				_, err := os.Stat(path)
				if removed := errors.Is(err, os.ErrNotExist); removed != (status == models.StatusFailed) {
					t.Errorf("%s removed = %v with status %s", path, removed, status)
				}
			}
		})
	}
}

func TestRecoverStale_SkipsLocalJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 30, 30)
	h.media.gate = make(chan struct{})
	ctx := context.Background()

	id, err := h.proc.Submit(ctx, video(), models.SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.MustWaitFor(t, func() bool {
		s, _ := h.proc.GetStatus(ctx, id)
		return s != nil && s.Status == models.StatusProcessing
	})

	n, err := h.proc.RecoverStale(ctx, SweepOptions{IncludePending: true})
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered %d jobs, want 0 while the job runs here", n)
	}
	close(h.media.gate)
	task, ok := h.proc.Task(id)
	if ok {
		if _, err := task.Wait(ctx); err != nil {
			t.Fatalf("job: %v", err)
		}
	}
}
