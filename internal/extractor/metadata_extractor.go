package extractor

import (
	"context"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
	"github.com/adverant/nexus/videodetect-worker/internal/utils"
)

// MetadataExtractor handles video metadata extraction
type MetadataExtractor struct {
	ffmpeg *utils.FFmpegHelper
}

// NewMetadataExtractor creates a new metadata extractor
func NewMetadataExtractor(ffmpeg *utils.FFmpegHelper) *MetadataExtractor {
	return &MetadataExtractor{
		ffmpeg: ffmpeg,
	}
}

// Extract probes videoPath and returns metadata usable for frame decoding.
// Anything that is not a decodable video yields an ErrInvalidMedia error.
func (me *MetadataExtractor) Extract(ctx context.Context, videoPath string) (*models.VideoMetadata, error) {
	metadata, err := me.ffmpeg.GetVideoMetadata(ctx, videoPath)
	if err != nil {
		return nil, apperrors.InvalidMedia("cannot read video container", err)
	}
	if err := CheckDecodable(metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

// CheckDecodable verifies the fields the frame pipeline depends on
func CheckDecodable(metadata *models.VideoMetadata) error {
	switch {
	case metadata.Width <= 0 || metadata.Height <= 0:
		return apperrors.InvalidMedia("video stream has no dimensions", nil)
	case metadata.FrameRate <= 0:
		return apperrors.InvalidMedia("video stream has no frame rate", nil)
	}
	return nil
}
