package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/adverant/nexus/videodetect-worker/internal/annotator"
	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/encoder"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
	"github.com/adverant/nexus/videodetect-worker/internal/observability"
	"github.com/adverant/nexus/videodetect-worker/internal/storage"
	"github.com/adverant/nexus/videodetect-worker/internal/utils"
)

var clientIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

const maxClientIDLength = 128

// Options wires a VideoProcessor. Store, Media, Encoders and Detector are required.
type Options struct {
	Store     storage.JobStore
	Media     MediaSource
	Encoders  EncoderFactory
	Detector  Detector
	Annotate  AnnotateFunc      // Defaults to annotator.Annotate
	Publisher ProgressPublisher // Optional
	Archive   Archiver          // Optional
	Launcher  Launcher          // Optional; jobs run in-process when nil
	Metrics   *observability.Metrics

	TempDir           string
	PublicBaseURL     string
	MaxVideoSize      int64
	FrameSkip         int
	Confidence        *float64 // Defaults to 0.5; zero is a valid threshold
	DetectConcurrency int
	ProgressStep      int
	PollInterval      time.Duration
	ArchiveTimeout    time.Duration
	Heartbeat         time.Duration // Rewrites progress at least this often so sweeps see the job alive
}

// VideoProcessor accepts uploads, owns the job state machine and runs the
// detection pipeline for each job
type VideoProcessor struct {
	store     storage.JobStore
	media     MediaSource
	encoders  EncoderFactory
	detector  Detector
	annotate  AnnotateFunc
	publisher ProgressPublisher
	archive   Archiver
	launcher  Launcher
	metrics   *observability.Metrics

	tempDir           string
	publicBaseURL     string
	maxVideoSize      int64
	defaultFrameSkip  int
	defaultThreshold  float64
	detectConcurrency int
	progressStep      int
	pollInterval      time.Duration
	archiveTimeout    time.Duration
	heartbeat         time.Duration

	root     context.Context
	stopRoot context.CancelFunc

	mu       sync.Mutex
	tasks    map[string]*Task
	closing  bool
	inflight sync.WaitGroup
}

// NewVideoProcessor creates a new video processor
func NewVideoProcessor(opts Options) (*VideoProcessor, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("processor: job store is required")
	case opts.Media == nil:
		return nil, errors.New("processor: media source is required")
	case opts.Encoders == nil:
		return nil, errors.New("processor: encoder factory is required")
	case opts.Detector == nil:
		return nil, errors.New("processor: detector is required")
	}

	if opts.Annotate == nil {
		opts.Annotate = annotator.Annotate
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.FrameSkip < 1 {
		opts.FrameSkip = 3
	}
	threshold := 0.5
	if opts.Confidence != nil {
		threshold = *opts.Confidence
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("processor: confidence threshold %g outside [0, 1]", threshold)
	}
	if opts.DetectConcurrency < 1 {
		opts.DetectConcurrency = 1
	}
	if opts.ProgressStep < 1 {
		opts.ProgressStep = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = 10 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = time.Minute
	}
	if err := os.MkdirAll(opts.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	root, stop := context.WithCancel(context.Background())
	return &VideoProcessor{
		store:             opts.Store,
		media:             opts.Media,
		encoders:          opts.Encoders,
		detector:          opts.Detector,
		annotate:          opts.Annotate,
		publisher:         opts.Publisher,
		archive:           opts.Archive,
		launcher:          opts.Launcher,
		metrics:           opts.Metrics,
		tempDir:           opts.TempDir,
		publicBaseURL:     strings.TrimRight(opts.PublicBaseURL, "/"),
		maxVideoSize:      opts.MaxVideoSize,
		defaultFrameSkip:  opts.FrameSkip,
		defaultThreshold:  threshold,
		detectConcurrency: opts.DetectConcurrency,
		progressStep:      opts.ProgressStep,
		pollInterval:      opts.PollInterval,
		archiveTimeout:    opts.ArchiveTimeout,
		heartbeat:         opts.Heartbeat,
		root:              root,
		stopRoot:          stop,
		tasks:             make(map[string]*Task),
	}, nil
}

// Submit stages the upload, verifies it is a decodable video and records a
// PENDING job. Processing starts in the background; the id is returned
// immediately. Undecodable uploads fail with ErrInvalidMedia and leave no record.
func (p *VideoProcessor) Submit(ctx context.Context, video io.Reader, opts models.SubmitOptions) (string, error) {
	id, _, err := p.submit(ctx, video, opts)
	return id, err
}

// Process submits a video and waits for its result
func (p *VideoProcessor) Process(ctx context.Context, video io.Reader, opts models.SubmitOptions) (*models.JobResult, error) {
	id, task, err := p.submit(ctx, video, opts)
	if err != nil {
		return nil, err
	}
	if task != nil {
		return task.Wait(ctx)
	}
	return p.WaitResult(ctx, id)
}

func (p *VideoProcessor) submit(ctx context.Context, video io.Reader, opts models.SubmitOptions) (string, *Task, error) {
	frameSkip, threshold, err := p.resolveOptions(opts)
	if err != nil {
		return "", nil, err
	}

	p.mu.Lock()
	closing := p.closing
	p.mu.Unlock()
	if closing {
		return "", nil, apperrors.Internal("submit", errors.New("processor is shutting down"))
	}

	if opts.ClientID != "" {
		if _, err := p.store.Get(ctx, opts.ClientID); err == nil {
			return "", nil, apperrors.Conflict("job", opts.ClientID, "job "+opts.ClientID+" already exists")
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			return "", nil, err
		}
	}

	videoPath, err := utils.StageVideo(p.tempDir, video, p.maxVideoSize)
	if err != nil {
		if errors.Is(err, utils.ErrTooLarge) {
			return "", nil, apperrors.Validation("video_file", err.Error())
		}
		return "", nil, apperrors.Internal("stage upload", err)
	}

	if _, err := p.media.Probe(ctx, videoPath); err != nil {
		os.Remove(videoPath)
		if !errors.Is(err, apperrors.ErrInvalidMedia) {
			err = apperrors.InvalidMedia("cannot read video", err)
		}
		return "", nil, err
	}

	id := opts.ClientID
	if id == "" {
		id = models.NewJobID()
	}
	job := &models.Job{
		ID:                  id,
		Status:              models.StatusPending,
		VideoPath:           videoPath,
		FrameSkip:           frameSkip,
		ConfidenceThreshold: threshold,
		CreatedAt:           time.Now().UTC(),
	}
	if err := p.store.Create(ctx, job); err != nil {
		os.Remove(videoPath)
		return "", nil, err
	}

	p.metrics.RecordJobSubmitted(ctx)
	p.publish(ctx, job, "queued")
	slog.Info("Job submitted", "jobId", id, "frameSkip", frameSkip, "confidenceThreshold", threshold)

	if p.launcher != nil {
		if err := p.launcher.Launch(ctx, id); err != nil {
			launchErr := apperrors.Internal("launch job", err)
			p.fail(ctx, job, launchErr)
			os.Remove(videoPath)
			return "", nil, launchErr
		}
		return id, nil, nil
	}

	task, err := p.start(p.root, id)
	if err != nil {
		return "", nil, err
	}
	return id, task, nil
}

func (p *VideoProcessor) resolveOptions(opts models.SubmitOptions) (int, float64, error) {
	frameSkip := opts.FrameSkip
	if frameSkip == 0 {
		frameSkip = p.defaultFrameSkip
	}
	if frameSkip < 1 {
		return 0, 0, apperrors.Validation("frame_skip", fmt.Sprintf("frame_skip must be >= 1, got %d", frameSkip))
	}

	threshold := p.defaultThreshold
	if opts.ConfidenceThreshold != nil {
		threshold = *opts.ConfidenceThreshold
	}
	if threshold < 0 || threshold > 1 {
		return 0, 0, apperrors.Validation("confidence_threshold", fmt.Sprintf("confidence_threshold must be within [0, 1], got %g", threshold))
	}

	if opts.ClientID != "" {
		if len(opts.ClientID) > maxClientIDLength || !clientIDPattern.MatchString(opts.ClientID) {
			return 0, 0, apperrors.Validation("client_id", "client_id must match "+clientIDPattern.String()+" and be at most 128 characters")
		}
	}
	return frameSkip, threshold, nil
}

// start runs a job on its own goroutine under parent
func (p *VideoProcessor) start(parent context.Context, id string) (*Task, error) {
	task, ctx, err := p.register(parent, id)
	if err != nil {
		return nil, err
	}
	go func() {
		result, err := p.execute(ctx, id)
		p.release(task, result, err)
	}()
	return task, nil
}

// Execute runs a PENDING job to completion on the calling goroutine. It is
// the entry point for queue consumers.
func (p *VideoProcessor) Execute(ctx context.Context, id string) (*models.JobResult, error) {
	task, taskCtx, err := p.register(ctx, id)
	if err != nil {
		return nil, err
	}
	result, err := p.execute(taskCtx, id)
	p.release(task, result, err)
	return result, err
}

func (p *VideoProcessor) register(parent context.Context, id string) (*Task, context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return nil, nil, apperrors.Internal("start job", errors.New("processor is shutting down"))
	}
	if _, running := p.tasks[id]; running {
		return nil, nil, apperrors.Conflict("job", id, "job "+id+" is already running")
	}
	task, ctx := newTask(parent, id)
	p.tasks[id] = task
	p.inflight.Add(1)
	return task, ctx, nil
}

func (p *VideoProcessor) release(task *Task, result *models.JobResult, err error) {
	p.mu.Lock()
	delete(p.tasks, task.jobID)
	p.mu.Unlock()
	task.finish(result, err)
	p.inflight.Done()
}

// Task returns the handle of a job running in this process
func (p *VideoProcessor) Task(id string) (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	return t, ok
}

// execute drives one job from PENDING to a terminal state
func (p *VideoProcessor) execute(ctx context.Context, id string) (*models.JobResult, error) {
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusPending {
		return nil, apperrors.Conflict("job", id, fmt.Sprintf("job %s is %s, not PENDING", id, job.Status))
	}
	defer p.cleanup(job)

	logger := slog.With("jobId", id)
	started := time.Now().UTC()
	job.Status = models.StatusProcessing
	job.StartedAt = &started
	if err := p.store.Put(ctx, job); err != nil {
		p.fail(ctx, job, err)
		return nil, err
	}
	p.publish(ctx, job, "processing started")
	p.metrics.RecordJobStarted(ctx)
	logger.Info("Job processing started")

	result, err := p.processRecovered(ctx, job, started)
	if err != nil {
		p.fail(ctx, job, err)
		p.metrics.RecordJobFinished(ctx, "", false, time.Since(started).Seconds())
		return nil, err
	}

	if err := p.store.Complete(ctx, job, result); err != nil {
		logger.Error("Failed to persist result", "error", err)
		p.fail(ctx, job, fmt.Errorf("failed to persist result: %w", err))
		p.metrics.RecordJobFinished(ctx, result.Codec, false, time.Since(started).Seconds())
		return result, err
	}

	job.Status = models.StatusCompleted
	job.Progress = 100
	job.CompletedAt = &result.CompletedAt
	p.publish(ctx, job, "completed")
	p.metrics.RecordJobFinished(ctx, result.Codec, true, time.Since(started).Seconds())

	if p.archive != nil {
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.archiveTimeout)
		err := p.archive.Archive(archiveCtx, job, result)
		cancel()
		if err != nil {
			logger.Warn("Failed to archive job", "error", err)
		}
	}

	logger.Info("✓ Job completed",
		"totalFrames", result.TotalFrames,
		"processedFrames", result.ProcessedFrames,
		"timeCost", result.TimeCost,
		"codec", result.Codec)
	return result, nil
}

// processRecovered turns a panic anywhere in the pipeline into a job failure
func (p *VideoProcessor) processRecovered(ctx context.Context, job *models.Job, started time.Time) (result *models.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Job pipeline panicked", "jobId", job.ID, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = apperrors.Internal("process", fmt.Errorf("panic: %v", r))
		}
	}()
	return p.process(ctx, job, started)
}

// process runs the frame pipeline and builds the result
func (p *VideoProcessor) process(ctx context.Context, job *models.Job, started time.Time) (*models.JobResult, error) {
	src, err := p.media.Open(ctx, job.VideoPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	meta := src.Metadata()

	w, err := p.encoders.Open(ctx, job.ID, meta.FrameRate, meta.Width, meta.Height)
	if err != nil {
		return nil, err
	}
	closed := false
	defer func() {
		if !closed {
			w.Abort()
		}
	}()

	tracker := newProgressTracker(meta.TotalFrames, p.progressStep, p.heartbeat, func(ctx context.Context, progress int) error {
		return p.writeProgress(ctx, job, progress)
	})

	run, err := p.runFrames(ctx, src, w, pipelineConfig{
		jobID:       job.ID,
		frameSkip:   job.FrameSkip,
		threshold:   job.ConfidenceThreshold,
		fps:         meta.FrameRate,
		concurrency: p.detectConcurrency,
		onFrame:     tracker.observe,
	})
	if err != nil {
		return nil, err
	}
	if run.decoded == 0 {
		return nil, apperrors.MediaRead("decode", errNoFrames(job.ID))
	}

	closed = true
	out, err := w.Close()
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(started).Seconds()
	fps := 0.0
	if elapsed > 0 {
		fps = float64(len(run.results)) / elapsed
	}
	return &models.JobResult{
		JobID:           job.ID,
		TotalFrames:     run.decoded,
		ProcessedFrames: len(run.results),
		TimeCost:        elapsed,
		FPS:             fps,
		VideoLength:     float64(run.decoded) / meta.FrameRate,
		Results:         run.results,
		AnnotatedVideo:  p.outputURL(out),
		OutputFile:      out.FileName,
		Codec:           out.Selection.Codec.Name,
		MIMEType:        out.Selection.Codec.MIMEType,
		CompletedAt:     time.Now().UTC(),
	}, nil
}

func (p *VideoProcessor) outputURL(out *encoder.Output) string {
	return p.publicBaseURL + "/v1/videos/outputs/" + out.FileName
}

// writeProgress persists a new progress value. Store hiccups are logged and
// tolerated; a stale rejection means the job was finalized elsewhere and stops it.
func (p *VideoProcessor) writeProgress(ctx context.Context, job *models.Job, progress int) error {
	next := job.Clone()
	next.Progress = progress
	err := p.store.Put(ctx, next)
	switch {
	case err == nil:
		job.Progress = progress
		p.publish(ctx, job, "")
		return nil
	case errors.Is(err, storage.ErrStaleUpdate):
		return err
	default:
		slog.Warn("Failed to write progress", "jobId", job.ID, "progress", progress, "error", err)
		return nil
	}
}

// fail moves the job to FAILED. Writes against an already terminal record
// are dropped.
func (p *VideoProcessor) fail(ctx context.Context, job *models.Job, cause error) {
	msg := cause.Error()
	if errors.Is(context.Cause(ctx), ErrJobCancelled) {
		msg = ErrJobCancelled.Error()
	}

	failed := job.Clone()
	failed.Status = models.StatusFailed
	failed.Error = msg
	now := time.Now().UTC()
	failed.CompletedAt = &now

	writeCtx := context.WithoutCancel(ctx)
	if err := p.store.Put(writeCtx, failed); err != nil {
		if errors.Is(err, storage.ErrStaleUpdate) {
			slog.Info("Ignoring failure for finished job", "jobId", job.ID, "error", msg)
		} else {
			slog.Error("Failed to record job failure", "jobId", job.ID, "error", err, "cause", msg)
		}
		return
	}
	*job = *failed
	p.publish(writeCtx, job, msg)
	slog.Warn("Job failed", "jobId", job.ID, "error", msg)
}

func (p *VideoProcessor) publish(ctx context.Context, job *models.Job, message string) {
	if p.publisher == nil {
		return
	}
	update := models.ProgressUpdate{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if err := p.publisher.Publish(context.WithoutCancel(ctx), update); err != nil {
		slog.Debug("Failed to publish progress", "jobId", job.ID, "error", err)
	}
}

func (p *VideoProcessor) cleanup(job *models.Job) {
	if job.VideoPath == "" {
		return
	}
	if err := os.Remove(job.VideoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove staged video", "jobId", job.ID, "path", job.VideoPath, "error", err)
	}
}

// GetStatus returns the current status view of a job
func (p *VideoProcessor) GetStatus(ctx context.Context, id string) (*models.JobStatusView, error) {
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return statusView(job), nil
}

// GetResult returns the full result for completed jobs and a status view
// otherwise. Failed jobs never expose a partial result.
func (p *VideoProcessor) GetResult(ctx context.Context, id string) (*models.ResultView, error) {
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &models.ResultView{JobStatusView: *statusView(job)}
	if job.Status != models.StatusCompleted {
		return view, nil
	}

	result, err := p.store.GetResult(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Storage("get result", fmt.Errorf("result for completed job %s is missing", id))
		}
		return nil, err
	}
	view.Result = result
	return view, nil
}

// WaitResult polls the store until the job is terminal
func (p *VideoProcessor) WaitResult(ctx context.Context, id string) (*models.JobResult, error) {
	if task, ok := p.Task(id); ok {
		return task.Wait(ctx)
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		view, err := p.GetResult(ctx, id)
		if err != nil {
			return nil, err
		}
		switch view.Status {
		case models.StatusCompleted:
			return view.Result, nil
		case models.StatusFailed:
			return nil, apperrors.Internal("job "+id, errors.New(view.Error))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops accepting jobs and waits for running ones. Jobs still
// running when ctx expires are cancelled and recorded as FAILED.
func (p *VideoProcessor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.stopRoot()
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	for _, t := range p.tasks {
		slog.Warn("Cancelling job at shutdown", "jobId", t.jobID)
		t.Cancel()
	}
	p.mu.Unlock()
	<-done
	p.stopRoot()
	return ctx.Err()
}

func statusView(job *models.Job) *models.JobStatusView {
	return &models.JobStatusView{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Error:    job.Error,
	}
}
