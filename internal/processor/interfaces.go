package processor

import (
	"context"
	"image"

	"github.com/adverant/nexus/videodetect-worker/internal/encoder"
	"github.com/adverant/nexus/videodetect-worker/internal/extractor"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

// MediaSource probes staged uploads and opens them for decoding
type MediaSource interface {
	Probe(ctx context.Context, videoPath string) (*models.VideoMetadata, error)
	Open(ctx context.Context, videoPath string) (extractor.Source, error)
}

// EncoderFactory opens the output video for a job
type EncoderFactory interface {
	Open(ctx context.Context, jobID string, fps float64, width, height int) (encoder.Writer, error)
}

// Detector finds objects in one frame. A failing call must still return a
// usable (possibly empty) list; the error is only reported.
type Detector interface {
	Detect(ctx context.Context, frame image.Image, threshold float64) ([]models.Detection, error)
}

// AnnotateFunc draws detections onto a copy of frame
type AnnotateFunc func(frame image.Image, detections []models.Detection) *image.RGBA

// ProgressPublisher broadcasts persisted progress changes
type ProgressPublisher interface {
	Publish(ctx context.Context, update models.ProgressUpdate) error
}

// Archiver keeps a copy of completed jobs outside the job store
type Archiver interface {
	Archive(ctx context.Context, job *models.Job, result *models.JobResult) error
}

// Launcher hands a PENDING job to another executor instead of running it
// in this process
type Launcher interface {
	Launch(ctx context.Context, jobID string) error
}
