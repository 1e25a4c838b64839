package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/detector"
	"github.com/adverant/nexus/videodetect-worker/internal/encoder"
	"github.com/adverant/nexus/videodetect-worker/internal/extractor"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
	"github.com/adverant/nexus/videodetect-worker/internal/storage"
)

const garbage = "garbage"

// frameIndex recovers the index stamped into the first pixel by fakeSource
func frameIndex(img image.Image) int {
	rgba := img.(*image.RGBA)
	return int(rgba.Pix[0]) | int(rgba.Pix[1])<<8
}

type fakeSource struct {
	ctx    context.Context
	meta   *models.VideoMetadata
	frames int
	failAt int
	gate   chan struct{}
	next   int
}

func (s *fakeSource) Metadata() *models.VideoMetadata { return s.meta }

func (s *fakeSource) Next() (int, *image.RGBA, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			return 0, nil, apperrors.MediaRead("decode", s.ctx.Err())
		}
	}
	if s.next == s.failAt {
		return 0, nil, apperrors.MediaRead(fmt.Sprintf("decode frame %d", s.next), errors.New("corrupt packet"))
	}
	if s.next >= s.frames {
		return 0, nil, io.EOF
	}
	img := image.NewRGBA(image.Rect(0, 0, s.meta.Width, s.meta.Height))
	img.Pix[0] = byte(s.next)
	img.Pix[1] = byte(s.next >> 8)
	idx := s.next
	s.next++
	return idx, img, nil
}

func (s *fakeSource) Close() error { return nil }

// fakeMedia treats staged files containing "garbage" as undecodable
type fakeMedia struct {
	frames int
	fps    float64
	failAt int
	gate   chan struct{}
}

func (m *fakeMedia) metadata() *models.VideoMetadata {
	return &models.VideoMetadata{
		Width:       4,
		Height:      4,
		FrameRate:   m.fps,
		TotalFrames: m.frames,
		Duration:    float64(m.frames) / m.fps,
	}
}

func (m *fakeMedia) Probe(ctx context.Context, path string) (*models.VideoMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if string(data) == garbage {
		return nil, apperrors.InvalidMedia("cannot read video container", errors.New("moov atom not found"))
	}
	return m.metadata(), nil
}

func (m *fakeMedia) Open(ctx context.Context, path string) (extractor.Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, apperrors.MediaRead("open", err)
	}
	return &fakeSource{ctx: ctx, meta: m.metadata(), frames: m.frames, failAt: m.failAt, gate: m.gate}, nil
}

type fakeWriter struct {
	jobID     string
	mu        sync.Mutex
	indices   []int
	annotated []int
	closed    bool
	aborted   bool
}

func (w *fakeWriter) Write(frame *image.RGBA) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := frameIndex(frame)
	w.indices = append(w.indices, idx)
	if frame.Pix[5] == 255 {
		w.annotated = append(w.annotated, idx)
	}
	return nil
}

func (w *fakeWriter) Close() (*encoder.Output, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	sel := encoder.Selection{Codec: encoder.DefaultCodecs[0]}
	return &encoder.Output{
		Path:      "/outputs/" + sel.FileName(w.jobID),
		FileName:  sel.FileName(w.jobID),
		Selection: sel,
		Frames:    len(w.indices),
	}, nil
}

func (w *fakeWriter) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborted = true
}

type fakeEncoders struct {
	mu      sync.Mutex
	writers map[string]*fakeWriter
	openErr error
}

func (e *fakeEncoders) Open(ctx context.Context, jobID string, fps float64, width, height int) (encoder.Writer, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w := &fakeWriter{jobID: jobID}
	e.writers[jobID] = w
	return w, nil
}

func (e *fakeEncoders) writer(jobID string) *fakeWriter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writers[jobID]
}

// markAnnotate copies the frame and flags it in pixel (1,0)
func markAnnotate(frame image.Image, dets []models.Detection) *image.RGBA {
	src := frame.(*image.RGBA)
	out := &image.RGBA{Pix: append([]byte{}, src.Pix...), Stride: src.Stride, Rect: src.Rect}
	out.Pix[5] = 255
	return out
}

// fakeModel finds one person per frame, except on failOn frames
type fakeModel struct {
	calls  atomic.Int64
	failOn map[int]bool
	panics map[int]bool
}

func (m *fakeModel) Detect(ctx context.Context, frame image.Image) ([]models.Detection, error) {
	m.calls.Add(1)
	idx := frameIndex(frame)
	// Vary latency so workers finish out of order
	time.Sleep(time.Duration(idx*7%4) * time.Millisecond)
	if m.panics[idx] {
		panic("model crashed")
	}
	if m.failOn[idx] {
		return nil, errors.New("inference server unavailable")
	}
	return []models.Detection{
		{Label: "person", Confidence: 0.9, BBox: models.BoundingBox{X1: 0, Y1: 0, X2: 2, Y2: 2}},
	}, nil
}

// recordingStore remembers every accepted write
type recordingStore struct {
	*storage.MemoryStore
	mu          sync.Mutex
	history     []models.Job
	completeErr error
}

func (s *recordingStore) record(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, *job.Clone())
}

func (s *recordingStore) Create(ctx context.Context, job *models.Job) error {
	if err := s.MemoryStore.Create(ctx, job); err != nil {
		return err
	}
	s.record(job)
	return nil
}

func (s *recordingStore) Put(ctx context.Context, job *models.Job) error {
	if err := s.MemoryStore.Put(ctx, job); err != nil {
		return err
	}
	s.record(job)
	return nil
}

func (s *recordingStore) Complete(ctx context.Context, job *models.Job, result *models.JobResult) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	if err := s.MemoryStore.Complete(ctx, job, result); err != nil {
		return err
	}
	stored, _ := s.MemoryStore.Get(ctx, job.ID)
	s.record(stored)
	return nil
}

func (s *recordingStore) writes(id string) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.history {
		if j.ID == id {
			out = append(out, j)
		}
	}
	return out
}

type fakeLauncher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (l *fakeLauncher) Launch(ctx context.Context, jobID string) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, jobID)
	return nil
}

type harness struct {
	proc     *VideoProcessor
	store    *recordingStore
	media    *fakeMedia
	encoders *fakeEncoders
	model    *fakeModel
	tempDir  string
}

func newHarness(t *testing.T, frames int, fps float64, configure ...func(*harness, *Options)) *harness {
	t.Helper()
	h := &harness{
		store:    &recordingStore{MemoryStore: storage.NewMemoryStore()},
		media:    &fakeMedia{frames: frames, fps: fps, failAt: -1},
		encoders: &fakeEncoders{writers: map[string]*fakeWriter{}},
		model:    &fakeModel{failOn: map[int]bool{}, panics: map[int]bool{}},
		tempDir:  t.TempDir(),
	}
	opts := Options{
		Store:             h.store,
		Media:             h.media,
		Encoders:          h.encoders,
		Detector:          detector.NewAdapter(h.model, nil),
		Annotate:          markAnnotate,
		TempDir:           h.tempDir,
		PublicBaseURL:     "http://videos.test/",
		FrameSkip:         3,
		Confidence:        floatPtr(0.5),
		DetectConcurrency: 4,
		ProgressStep:      1,
		PollInterval:      5 * time.Millisecond,
	}
	for _, c := range configure {
		c(h, &opts)
	}

	proc, err := NewVideoProcessor(opts)
	if err != nil {
		t.Fatalf("NewVideoProcessor: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		proc.Shutdown(ctx)
	})
	h.proc = proc
	return h
}

// stagedFiles counts uploads still on disk
func (h *harness) stagedFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(h.tempDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return len(entries)
}
