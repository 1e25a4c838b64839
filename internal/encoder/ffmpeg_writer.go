package encoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/observability"
	"github.com/adverant/nexus/videodetect-worker/internal/utils"
)

// Writer accepts frames in order and produces one output file
type Writer interface {
	Write(frame *image.RGBA) error
	// Close finalizes the file and moves it to its public location
	Close() (*Output, error)
	// Abort stops encoding and removes partial output; safe after Close
	Abort()
}

// Output describes a finished video
type Output struct {
	Path      string
	FileName  string
	Selection Selection
	Frames    int
}

// evenDimensions pads odd sizes since yuv420p needs even width and height
var evenDimensions = []string{"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2"}

// Factory opens ffmpeg-backed writers using the codecs that passed a trial
// encode at construction
type Factory struct {
	ffmpeg    *utils.FFmpegHelper
	outputDir string
	usable    []Selection
	metrics   *observability.Metrics
}

// NewFactory evaluates candidates once, in order, and keeps the ones this
// ffmpeg build can actually encode with
func NewFactory(ctx context.Context, ffmpeg *utils.FFmpegHelper, outputDir string, candidates []Codec, metrics *observability.Metrics) (*Factory, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	available, err := ffmpeg.AvailableEncoders(ctx)
	if err != nil {
		return nil, apperrors.Encoding("list encoders", err)
	}

	f := &Factory{ffmpeg: ffmpeg, outputDir: outputDir, metrics: metrics}
	f.usable = Usable(candidates, func(c Codec) bool {
		if !available[c.Encoder] {
			slog.Warn("Encoder not compiled into ffmpeg", "codec", c.Name, "encoder", c.Encoder)
			return false
		}
		if err := f.trial(ctx, c); err != nil {
			slog.Warn("Encoder failed trial encode", "codec", c.Name, "error", err)
			return false
		}
		return true
	})

	if len(f.usable) == 0 {
		_, err := Select(candidates, func(Codec) bool { return false })
		return nil, err
	}
	if f.usable[0].Fallback() {
		metrics.RecordEncoderFallback(ctx, candidates[0].Name)
	}
	slog.Info("✓ Video encoder selected", "codec", f.usable[0].Codec.Name, "extension", f.usable[0].Codec.Extension)
	return f, nil
}

// Preferred returns the selection new jobs will use
func (f *Factory) Preferred() Selection {
	return f.usable[0]
}

// OutputPath resolves a file name inside the output directory
func (f *Factory) OutputPath(fileName string) string {
	return filepath.Join(f.outputDir, filepath.Base(fileName))
}

// trial encodes two tiny frames to prove the codec works end to end
func (f *Factory) trial(ctx context.Context, c Codec) error {
	out := filepath.Join(f.ffmpeg.TempDir(), "codec-trial"+c.Extension)
	defer os.Remove(out)

	w, err := f.start(ctx, Selection{Codec: c}, out, out, 10, 16, 16)
	if err != nil {
		return err
	}
	blank := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < 2; i++ {
		if err := w.Write(blank); err != nil {
			w.Abort()
			return err
		}
	}
	_, err = w.Close()
	return err
}

// Open starts a writer for jobID, falling back through the usable codecs if
// the preferred encoder cannot be started
func (f *Factory) Open(ctx context.Context, jobID string, fps float64, width, height int) (Writer, error) {
	var lastErr error
	for _, sel := range f.usable {
		final := f.OutputPath(sel.FileName(jobID))
		partial := filepath.Join(f.outputDir, "."+jobID+".partial"+sel.Codec.Extension)

		w, err := f.start(ctx, sel, partial, final, fps, width, height)
		if err == nil {
			return w, nil
		}
		lastErr = err
		f.metrics.RecordEncoderFallback(ctx, sel.Codec.Name)
		slog.Warn("Encoder failed to start, trying next codec", "jobId", jobID, "codec", sel.Codec.Name, "error", err)
	}
	return nil, apperrors.Encoding("open encoder", lastErr)
}

func (f *Factory) start(ctx context.Context, sel Selection, partial, final string, fps float64, width, height int) (*ffmpegWriter, error) {
	args := append([]string{}, sel.Codec.Args...)
	args = append(args, evenDimensions...)

	cmd := f.ffmpeg.EncodeCommand(ctx, utils.EncodeSpec{
		Encoder:     sel.Codec.Encoder,
		PixelFormat: sel.Codec.PixelFormat,
		Args:        args,
		FrameRate:   fps,
		Width:       width,
		Height:      height,
		OutputPath:  partial,
	})
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder pipe: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", sel.Codec.Encoder, err)
	}

	return &ffmpegWriter{
		cmd:       cmd,
		stdin:     stdin,
		stderr:    stderr,
		partial:   partial,
		final:     final,
		selection: sel,
		width:     width,
		height:    height,
	}, nil
}

type ffmpegWriter struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    *bytes.Buffer
	partial   string
	final     string
	selection Selection
	width     int
	height    int
	frames    int
	closed    bool
}

func (w *ffmpegWriter) Write(frame *image.RGBA) error {
	if w.closed {
		return apperrors.Encoding("write frame", io.ErrClosedPipe)
	}
	b := frame.Bounds()
	if b.Dx() != w.width || b.Dy() != w.height {
		return apperrors.Encoding("write frame",
			fmt.Errorf("frame %d is %dx%d, encoder expects %dx%d", w.frames, b.Dx(), b.Dy(), w.width, w.height))
	}

	rowLen := 4 * w.width
	if frame.Stride == rowLen && b.Min == (image.Point{}) {
		if _, err := w.stdin.Write(frame.Pix[:rowLen*w.height]); err != nil {
			return w.writeErr(err)
		}
	} else {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := frame.PixOffset(b.Min.X, y)
			if _, err := w.stdin.Write(frame.Pix[off : off+rowLen]); err != nil {
				return w.writeErr(err)
			}
		}
	}
	w.frames++
	return nil
}

func (w *ffmpegWriter) writeErr(err error) error {
	return apperrors.Encoding(w.selection.Codec.Encoder,
		fmt.Errorf("write frame %d: %w: %s", w.frames, err, strings.TrimSpace(w.stderr.String())))
}

func (w *ffmpegWriter) Close() (*Output, error) {
	if w.closed {
		return nil, apperrors.Encoding("close encoder", io.ErrClosedPipe)
	}
	w.closed = true

	w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		os.Remove(w.partial)
		return nil, apperrors.Encoding(w.selection.Codec.Encoder,
			fmt.Errorf("%w: %s", err, strings.TrimSpace(w.stderr.String())))
	}

	if w.partial != w.final {
		if err := os.Rename(w.partial, w.final); err != nil {
			os.Remove(w.partial)
			return nil, apperrors.Encoding("publish output", err)
		}
	}

	return &Output{
		Path:      w.final,
		FileName:  filepath.Base(w.final),
		Selection: w.selection,
		Frames:    w.frames,
	}, nil
}

func (w *ffmpegWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.stdin.Close()
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
	w.cmd.Wait()
	os.Remove(w.partial)
}
