package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/encoder"
	"github.com/adverant/nexus/videodetect-worker/internal/extractor"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

// frameItem travels from the decoder to the encoder. Sampled items are
// also handed to a detection worker, which closes done when finished.
type frameItem struct {
	index      int
	frame      *image.RGBA
	sampled    bool
	detections []models.Detection
	done       chan struct{}
}

// frameRun is the outcome of pushing a whole video through the pipeline
type frameRun struct {
	decoded int
	results []models.FrameResult
}

// pipelineConfig is the per-job part of the frame pipeline
type pipelineConfig struct {
	jobID       string
	frameSkip   int
	threshold   float64
	fps         float64
	concurrency int
	onFrame     func(ctx context.Context, index int) error
}

// runFrames decodes src in order, runs detection on every frameSkip-th frame
// on a bounded worker pool and writes every frame to w in index order,
// annotated when detections were found.
func (p *VideoProcessor) runFrames(ctx context.Context, src extractor.Source, w encoder.Writer, cfg pipelineConfig) (*frameRun, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	concurrency := cfg.concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	ordered := make(chan *frameItem, 4*concurrency)
	work := make(chan *frameItem)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recoverInto(cancel, "detect worker")
			for it := range work {
				it.detections = p.detect(ctx, cfg, it)
				close(it.done)
			}
		}()
	}

	go func() {
		defer close(ordered)
		defer close(work)
		defer recoverInto(cancel, "frame reader")
		for {
			idx, frame, err := src.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				cancel(err)
				return
			}

			it := &frameItem{index: idx, frame: frame, sampled: idx%cfg.frameSkip == 0, done: make(chan struct{})}
			if it.sampled {
				select {
				case work <- it:
				case <-ctx.Done():
					return
				}
			} else {
				close(it.done)
			}
			select {
			case ordered <- it:
			case <-ctx.Done():
				return
			}
		}
	}()

	run := &frameRun{results: []models.FrameResult{}}
	skipped := 0
	for it := range ordered {
		select {
		case <-it.done:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		out := it.frame
		if it.sampled {
			run.results = append(run.results, models.FrameResult{
				FrameIndex:  it.index,
				TimestampMs: timestampMs(it.index, cfg.fps),
				Detections:  it.detections,
			})
			if len(it.detections) > 0 {
				out = p.annotate(it.frame, it.detections)
			}
		} else {
			skipped++
		}

		if err := w.Write(out); err != nil {
			cancel(err)
			break
		}
		run.decoded++

		if err := cfg.onFrame(ctx, it.index); err != nil {
			cancel(err)
			break
		}
	}

	// Unblock the decoder and workers before reporting
	for range ordered {
	}
	wg.Wait()

	p.metrics.RecordFrames(ctx, len(run.results), skipped)

	if err := context.Cause(ctx); err != nil {
		return run, err
	}
	return run, nil
}

func (p *VideoProcessor) detect(ctx context.Context, cfg pipelineConfig, it *frameItem) []models.Detection {
	if ctx.Err() != nil {
		return []models.Detection{}
	}
	dets, err := p.detector.Detect(ctx, it.frame, cfg.threshold)
	if err != nil && ctx.Err() == nil {
		slog.Warn("Detection failed, continuing with no detections",
			"jobId", cfg.jobID, "frame", it.index, "error", err)
	}
	if dets == nil {
		dets = []models.Detection{}
	}
	return dets
}

// timestampMs is the presentation time of frame index at fps, truncated to milliseconds
func timestampMs(index int, fps float64) int64 {
	if fps <= 0 {
		return 0
	}
	return int64(float64(index) / fps * 1000)
}

// recoverInto cancels the pipeline with a panic raised on one of its goroutines
func recoverInto(cancel context.CancelCauseFunc, stage string) {
	if r := recover(); r != nil {
		slog.Error("Pipeline stage panicked", "stage", stage, "panic", r, "stack", string(debug.Stack()))
		cancel(apperrors.Internal(stage, fmt.Errorf("panic: %v", r)))
	}
}

func errNoFrames(jobID string) error {
	return fmt.Errorf("video for job %s contains no decodable frames", jobID)
}
