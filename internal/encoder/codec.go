// Package encoder reassembles frames into an output video, choosing the first
// codec from an ordered fallback list that actually works on this host.
package encoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
)

// Codec is one entry of the fallback list
type Codec struct {
	Name        string // Short identifier, e.g. "VP8"
	Encoder     string // ffmpeg encoder name
	Extension   string // Container extension including the dot
	MIMEType    string
	PixelFormat string
	Args        []string
}

// DefaultCodecs is the fallback order: browser-playable WebM first, then MP4, then AVI
var DefaultCodecs = []Codec{
	{
		Name:        "VP8",
		Encoder:     "libvpx",
		Extension:   ".webm",
		MIMEType:    "video/webm",
		PixelFormat: "yuv420p",
		Args:        []string{"-b:v", "2M", "-deadline", "realtime", "-cpu-used", "8"},
	},
	{
		Name:        "MP4V",
		Encoder:     "mpeg4",
		Extension:   ".mp4",
		MIMEType:    "video/mp4",
		PixelFormat: "yuv420p",
		Args:        []string{"-q:v", "5"},
	},
	{
		Name:        "MJPG",
		Encoder:     "mjpeg",
		Extension:   ".avi",
		MIMEType:    "video/x-msvideo",
		PixelFormat: "yuvj420p",
		Args:        []string{"-q:v", "3"},
	},
}

// Selection is the codec chosen for a job, tagged with its position in the
// fallback list so callers can tell whether a fallback happened
type Selection struct {
	Codec Codec
	Rank  int
}

// Fallback reports whether a codec other than the preferred one was chosen
func (s Selection) Fallback() bool {
	return s.Rank > 0
}

// FileName returns the output file name for a job
func (s Selection) FileName(jobID string) string {
	return jobID + s.Codec.Extension
}

// ErrNoCodec is returned when none of the candidates is usable
var ErrNoCodec = errors.New("no usable video codec")

// Select returns the first candidate accepted by usable, in list order
func Select(candidates []Codec, usable func(Codec) bool) (Selection, error) {
	var tried []string
	for i, c := range candidates {
		if usable(c) {
			return Selection{Codec: c, Rank: i}, nil
		}
		tried = append(tried, c.Name)
	}
	return Selection{}, apperrors.Encoding("select codec",
		fmt.Errorf("%w (tried %s)", ErrNoCodec, strings.Join(tried, ", ")))
}

// Usable returns every candidate accepted by usable, preserving order and rank
func Usable(candidates []Codec, usable func(Codec) bool) []Selection {
	var out []Selection
	for i, c := range candidates {
		if usable(c) {
			out = append(out, Selection{Codec: c, Rank: i})
		}
	}
	return out
}
