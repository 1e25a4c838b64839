package encoder

import (
	"context"
	"errors"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/utils"
)

func only(names ...string) func(Codec) bool {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	return func(c Codec) bool { return set[c.Encoder] }
}

func TestSelect_Order(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		usable    func(Codec) bool
		wantCodec string
		wantExt   string
		wantRank  int
	}{
		{"all available", only("libvpx", "mpeg4", "mjpeg"), "VP8", ".webm", 0},
		{"no vp8", only("mpeg4", "mjpeg"), "MP4V", ".mp4", 1},
		{"mjpeg only", only("mjpeg"), "MJPG", ".avi", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sel, err := Select(DefaultCodecs, tt.usable)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if sel.Codec.Name != tt.wantCodec || sel.Codec.Extension != tt.wantExt || sel.Rank != tt.wantRank {
				t.Errorf("Select() = %s%s rank %d, want %s%s rank %d",
					sel.Codec.Name, sel.Codec.Extension, sel.Rank, tt.wantCodec, tt.wantExt, tt.wantRank)
			}
			if sel.Fallback() != (tt.wantRank > 0) {
				t.Errorf("Fallback() = %v", sel.Fallback())
			}
		})
	}
}

func TestSelect_NoneUsable(t *testing.T) {
	t.Parallel()
	_, err := Select(DefaultCodecs, only())
	if !errors.Is(err, apperrors.ErrEncoding) {
		t.Errorf("expected ErrEncoding, got %v", err)
	}
	if !errors.Is(err, ErrNoCodec) {
		t.Errorf("expected ErrNoCodec in chain, got %v", err)
	}
}

func TestUsable_PreservesRank(t *testing.T) {
	t.Parallel()
	got := Usable(DefaultCodecs, only("libvpx", "mjpeg"))
	if len(got) != 2 || got[0].Rank != 0 || got[1].Rank != 2 {
		t.Errorf("Usable() = %+v", got)
	}
}

func TestSelection_FileName(t *testing.T) {
	t.Parallel()
	sel := Selection{Codec: DefaultCodecs[1], Rank: 1}
	if got := sel.FileName("job-1"); got != "job-1.mp4" {
		t.Errorf("FileName() = %q", got)
	}
}

func TestFactory_EncodesFrames(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	ffmpeg, err := utils.NewFFmpegHelper(t.TempDir())
	if err != nil {
		t.Skipf("ffmpeg unavailable: %v", err)
	}
	outDir := t.TempDir()

	f, err := NewFactory(context.Background(), ffmpeg, outDir, DefaultCodecs, nil)
	if err != nil {
		t.Skipf("no codec usable on this host: %v", err)
	}

	w, err := f.Open(context.Background(), "job-enc", 10, 33, 17)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	frame := image.NewRGBA(image.Rect(0, 0, 33, 17))
	for i := 0; i < 5; i++ {
		if err := w.Write(frame); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	out, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	w.Abort() // no-op after close

	if out.Frames != 5 {
		t.Errorf("Frames = %d, want 5", out.Frames)
	}
	if out.Path != filepath.Join(outDir, "job-enc"+f.Preferred().Codec.Extension) {
		t.Errorf("unexpected output path %s", out.Path)
	}
	if info, err := os.Stat(out.Path); err != nil || info.Size() == 0 {
		t.Errorf("output missing or empty: %v", err)
	}
	entries, _ := os.ReadDir(outDir)
	if len(entries) != 1 {
		t.Errorf("expected only the final file in output dir, found %d entries", len(entries))
	}
}

func TestFactory_RejectsWrongFrameSize(t *testing.T) {
	t.Parallel()
	w := &ffmpegWriter{width: 4, height: 4, selection: Selection{Codec: DefaultCodecs[0]}}
	err := w.Write(image.NewRGBA(image.Rect(0, 0, 8, 8)))
	if !errors.Is(err, apperrors.ErrEncoding) {
		t.Errorf("expected ErrEncoding for mismatched frame, got %v", err)
	}
}
