package utils

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

// FFmpegHelper provides utilities for FFmpeg operations
type FFmpegHelper struct {
	ffmpegPath  string
	ffprobePath string
	tempDir     string
}

// NewFFmpegHelper creates a new FFmpeg helper
func NewFFmpegHelper(tempDir string) (*FFmpegHelper, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	return &FFmpegHelper{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		tempDir:     tempDir,
	}, nil
}

// TempDir returns the directory used for staged and intermediate files
func (h *FFmpegHelper) TempDir() string {
	return h.tempDir
}

// ErrTooLarge is returned when an upload exceeds the staging limit
var ErrTooLarge = errors.New("video exceeds maximum size")

// StageVideo copies r into a fresh file under dir. A positive limit caps the
// number of bytes accepted; larger inputs leave nothing behind and return ErrTooLarge.
func StageVideo(dir string, r io.Reader, limit int64) (string, error) {
	f, err := os.CreateTemp(dir, "upload-*.video")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write video file: %w", err)
	}
	if limit > 0 && n > limit {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("%w (%d bytes)", ErrTooLarge, limit)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close video file: %w", err)
	}

	return path, nil
}

type probeSideData struct {
	Rotation *float64 `json:"rotation"`
}

// sideDataRotation returns the first display matrix rotation, if any
func sideDataRotation(list []probeSideData) *float64 {
	for _, sd := range list {
		if sd.Rotation != nil {
			return sd.Rotation
		}
	}
	return nil
}

// streamRotation normalizes the stream rotation to 0, 90, 180 or 270.
// The display matrix wins over the legacy rotate tag.
func streamRotation(tag string, matrix *float64) int {
	deg := 0
	switch {
	case matrix != nil:
		deg = int(math.Round(*matrix))
	case tag != "":
		if v, err := strconv.Atoi(strings.TrimSpace(tag)); err == nil {
			deg = v
		}
	}
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return (deg + 45) / 90 * 90 % 360
}

// GetVideoMetadata extracts video metadata using ffprobe
func (h *FFmpegHelper) GetVideoMetadata(ctx context.Context, videoPath string) (*models.VideoMetadata, error) {
	cmd := exec.CommandContext(ctx, h.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		videoPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return ParseProbeOutput(output)
}

// ParseProbeOutput converts ffprobe JSON into VideoMetadata.
// When the container has no frame count, it is estimated from duration and frame rate.
func ParseProbeOutput(output []byte) (*models.VideoMetadata, error) {
	var ffprobeData struct {
		Streams []struct {
			CodecType    string `json:"codec_type"`
			CodecName    string `json:"codec_name"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			RFrameRate   string `json:"r_frame_rate"`
			AvgFrameRate string `json:"avg_frame_rate"`
			Duration     string `json:"duration"`
			NbFrames     string `json:"nb_frames"`
			Tags         struct {
				Rotate string `json:"rotate"`
			} `json:"tags"`
			SideDataList []probeSideData `json:"side_data_list"`
		} `json:"streams"`
		Format struct {
			Duration   string `json:"duration"`
			Size       string `json:"size"`
			FormatName string `json:"format_name"`
		} `json:"format"`
	}

	if err := json.Unmarshal(output, &ffprobeData); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe JSON: %w", err)
	}

	metadata := &models.VideoMetadata{Format: ffprobeData.Format.FormatName}
	if ffprobeData.Format.Duration != "" {
		if d, err := strconv.ParseFloat(ffprobeData.Format.Duration, 64); err == nil {
			metadata.Duration = d
		}
	}
	if ffprobeData.Format.Size != "" {
		if size, err := strconv.ParseInt(ffprobeData.Format.Size, 10, 64); err == nil {
			metadata.Size = size
		}
	}

	found := false
	for _, stream := range ffprobeData.Streams {
		if stream.CodecType != "video" {
			continue
		}
		found = true
		metadata.Width = stream.Width
		metadata.Height = stream.Height
		metadata.Codec = stream.CodecName

		// The decoder autorotates, so quarter turns swap the frame dimensions
		metadata.Rotation = streamRotation(stream.Tags.Rotate, sideDataRotation(stream.SideDataList))
		if metadata.Rotation%180 != 0 {
			metadata.Width, metadata.Height = metadata.Height, metadata.Width
		}

		// Prefer the average rate; r_frame_rate is the timebase guess and can be 90000/1
		if fps, err := ParseFrameRate(stream.AvgFrameRate); err == nil && fps > 0 {
			metadata.FrameRate = fps
		} else if fps, err := ParseFrameRate(stream.RFrameRate); err == nil {
			metadata.FrameRate = fps
		}

		if metadata.Duration == 0 && stream.Duration != "" {
			if d, err := strconv.ParseFloat(stream.Duration, 64); err == nil {
				metadata.Duration = d
			}
		}
		if n, err := strconv.Atoi(stream.NbFrames); err == nil && n > 0 {
			metadata.TotalFrames = n
		}
		break
	}

	if !found {
		return nil, fmt.Errorf("no video stream found")
	}
	if metadata.TotalFrames == 0 && metadata.Duration > 0 && metadata.FrameRate > 0 {
		metadata.TotalFrames = int(math.Round(metadata.Duration * metadata.FrameRate))
	}

	return metadata, nil
}

// ParseFrameRate parses a rate such as "30/1", "30000/1001" or "25"
func ParseFrameRate(rate string) (float64, error) {
	rate = strings.TrimSpace(rate)
	if rate == "" {
		return 0, fmt.Errorf("empty frame rate")
	}

	parts := strings.Split(rate, "/")
	if len(parts) == 2 {
		num, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse frame rate: %w", err)
		}
		den, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse frame rate: %w", err)
		}
		if den == 0 {
			return 0, fmt.Errorf("frame rate %q has zero denominator", rate)
		}
		return num / den, nil
	}

	r, err := strconv.ParseFloat(rate, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse frame rate: %w", err)
	}
	return r, nil
}

// AvailableEncoders lists the video encoders compiled into ffmpeg
func (h *FFmpegHelper) AvailableEncoders(ctx context.Context) (map[string]bool, error) {
	cmd := exec.CommandContext(ctx, h.ffmpegPath, "-hide_banner", "-encoders")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list encoders: %w", err)
	}
	return ParseEncoderList(output), nil
}

// ParseEncoderList extracts video encoder names from `ffmpeg -encoders` output.
// Encoder lines look like " V....D libvpx  libvpx VP8".
func ParseEncoderList(output []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	pastHeader := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "------") {
			pastHeader = true
			continue
		}
		if !pastHeader {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 || fields[0][0] != 'V' {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

// DecodeCommand streams every frame of videoPath to stdout as raw RGBA
func (h *FFmpegHelper) DecodeCommand(ctx context.Context, videoPath string) *exec.Cmd {
	return exec.CommandContext(ctx, h.ffmpegPath,
		"-v", "error",
		"-i", videoPath,
		"-map", "0:v:0",
		"-vsync", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)
}

// EncodeSpec describes one encoder invocation
type EncodeSpec struct {
	Encoder     string   // ffmpeg encoder name, e.g. "libvpx"
	PixelFormat string   // Output pixel format
	Args        []string // Extra encoder arguments
	FrameRate   float64
	Width       int
	Height      int
	FrameLimit  int // Stop after this many frames when > 0
	OutputPath  string
}

// EncodeCommand reads raw RGBA frames on stdin and writes an encoded file
func (h *FFmpegHelper) EncodeCommand(ctx context.Context, spec EncodeSpec) *exec.Cmd {
	args := []string{
		"-v", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-r", strconv.FormatFloat(spec.FrameRate, 'f', -1, 64),
		"-i", "-",
		"-an",
		"-c:v", spec.Encoder,
	}
	args = append(args, spec.Args...)
	if spec.PixelFormat != "" {
		args = append(args, "-pix_fmt", spec.PixelFormat)
	}
	if spec.FrameLimit > 0 {
		args = append(args, "-frames:v", strconv.Itoa(spec.FrameLimit))
	}
	args = append(args, spec.OutputPath)

	return exec.CommandContext(ctx, h.ffmpegPath, args...)
}
