package extractor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
	"github.com/adverant/nexus/videodetect-worker/internal/utils"
)

// Source yields decoded frames in playback order
type Source interface {
	// Metadata is available before the first call to Next
	Metadata() *models.VideoMetadata
	// Next returns the next frame and its zero-based index, or io.EOF after the last one
	Next() (int, *image.RGBA, error)
	Close() error
}

// FrameExtractor opens staged videos as lazily decoded frame sources
type FrameExtractor struct {
	ffmpeg   *utils.FFmpegHelper
	metadata *MetadataExtractor
}

// NewFrameExtractor creates a new frame extractor
func NewFrameExtractor(ffmpeg *utils.FFmpegHelper) *FrameExtractor {
	return &FrameExtractor{
		ffmpeg:   ffmpeg,
		metadata: NewMetadataExtractor(ffmpeg),
	}
}

// Probe validates a staged file without decoding any frames
func (fe *FrameExtractor) Probe(ctx context.Context, videoPath string) (*models.VideoMetadata, error) {
	return fe.metadata.Extract(ctx, videoPath)
}

// Open starts an ffmpeg decoder for videoPath
func (fe *FrameExtractor) Open(ctx context.Context, videoPath string) (Source, error) {
	metadata, err := fe.metadata.Extract(ctx, videoPath)
	if err != nil {
		return nil, apperrors.MediaRead("probe "+videoPath, err)
	}

	cmd := fe.ffmpeg.DecodeCommand(ctx, videoPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.MediaRead("decoder pipe", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, apperrors.MediaRead("start decoder", err)
	}

	s := newFrameSampler(bufio.NewReaderSize(stdout, 1<<20), metadata)
	s.cmd = cmd
	s.stderr = stderr
	return s, nil
}

// FrameSampler reads fixed-size RGBA frames from a raw video stream
type FrameSampler struct {
	metadata  *models.VideoMetadata
	r         io.Reader
	frameSize int
	next      int
	done      bool

	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func newFrameSampler(r io.Reader, metadata *models.VideoMetadata) *FrameSampler {
	return &FrameSampler{
		metadata:  metadata,
		r:         r,
		frameSize: metadata.Width * metadata.Height * 4,
	}
}

// Metadata returns the probed stream properties
func (s *FrameSampler) Metadata() *models.VideoMetadata {
	return s.metadata
}

// Next decodes one frame. The returned image is owned by the caller.
func (s *FrameSampler) Next() (int, *image.RGBA, error) {
	if s.done {
		return 0, nil, io.EOF
	}

	buf := make([]byte, s.frameSize)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		s.done = true
		if errors.Is(err, io.EOF) {
			if werr := s.wait(); werr != nil {
				return 0, nil, werr
			}
			return 0, nil, io.EOF
		}
		s.wait()
		return 0, nil, apperrors.MediaRead(fmt.Sprintf("decode frame %d", s.next), err)
	}

	frame := &image.RGBA{
		Pix:    buf,
		Stride: 4 * s.metadata.Width,
		Rect:   image.Rect(0, 0, s.metadata.Width, s.metadata.Height),
	}
	idx := s.next
	s.next++
	return idx, frame, nil
}

// Close stops the decoder if it is still running
func (s *FrameSampler) Close() error {
	if s.cmd == nil || s.cmd.Process == nil || s.cmd.ProcessState != nil {
		return nil
	}
	s.cmd.Process.Kill()
	s.cmd.Wait()
	return nil
}

func (s *FrameSampler) wait() error {
	if s.cmd == nil || s.cmd.ProcessState != nil {
		return nil
	}
	if err := s.cmd.Wait(); err != nil {
		msg := strings.TrimSpace(s.stderr.String())
		return apperrors.MediaRead("decoder exited", fmt.Errorf("%w: %s", err, msg))
	}
	return nil
}
