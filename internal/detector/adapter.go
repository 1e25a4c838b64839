// Package detector wraps an object detection model behind a call that never
// fails the surrounding job.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
	"github.com/adverant/nexus/videodetect-worker/internal/observability"
)

// Model is the underlying detection capability
type Model interface {
	Detect(ctx context.Context, frame image.Image) ([]models.Detection, error)
}

// ModelFunc adapts a function to Model
type ModelFunc func(ctx context.Context, frame image.Image) ([]models.Detection, error)

// Detect calls f
func (f ModelFunc) Detect(ctx context.Context, frame image.Image) ([]models.Detection, error) {
	return f(ctx, frame)
}

// Adapter filters, sanitizes and isolates failures of a Model
type Adapter struct {
	model   Model
	metrics *observability.Metrics
}

// NewAdapter creates a detector adapter. metrics may be nil.
func NewAdapter(model Model, metrics *observability.Metrics) *Adapter {
	return &Adapter{model: model, metrics: metrics}
}

// Detect returns the detections in frame at or above threshold, with boxes
// clamped to the frame. The returned slice is never nil. When the model fails
// or panics the slice is empty and the error describes the failure; callers
// record it and carry on with the next frame.
func (a *Adapter) Detect(ctx context.Context, frame image.Image, threshold float64) (dets []models.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			dets = []models.Detection{}
			err = apperrors.Detection("model panicked", fmt.Errorf("%v", r))
			a.metrics.RecordDetectionFailure(ctx, "panic")
		}
	}()

	raw, err := a.model.Detect(ctx, frame)
	if err != nil {
		reason := "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			reason = "cancelled"
		}
		a.metrics.RecordDetectionFailure(ctx, reason)
		return []models.Detection{}, apperrors.Detection("model call", err)
	}

	return Sanitize(raw, frame.Bounds(), threshold), nil
}

// Sanitize drops detections below threshold or without area inside bounds,
// clamps the rest to bounds and confidences to [0, 1].
func Sanitize(raw []models.Detection, bounds image.Rectangle, threshold float64) []models.Detection {
	out := make([]models.Detection, 0, len(raw))
	for _, d := range raw {
		if d.Confidence < threshold {
			continue
		}
		if d.Confidence > 1 {
			d.Confidence = 1
		}

		b := d.BBox
		if b.X1 > b.X2 {
			b.X1, b.X2 = b.X2, b.X1
		}
		if b.Y1 > b.Y2 {
			b.Y1, b.Y2 = b.Y2, b.Y1
		}
		b.X1 = clamp(b.X1, bounds.Min.X, bounds.Max.X-1)
		b.X2 = clamp(b.X2, bounds.Min.X, bounds.Max.X-1)
		b.Y1 = clamp(b.Y1, bounds.Min.Y, bounds.Max.Y-1)
		b.Y2 = clamp(b.Y2, bounds.Min.Y, bounds.Max.Y-1)
		if b.X1 == b.X2 || b.Y1 == b.Y2 {
			slog.Debug("Dropping detection without area", "label", d.Label, "bbox", d.BBox)
			continue
		}

		d.BBox = b
		out = append(out, d)
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
