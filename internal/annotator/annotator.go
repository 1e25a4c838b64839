// Package annotator draws detection overlays onto video frames.
package annotator

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

// Overlay style
var (
	BoxColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	LabelColor = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

const (
	Thickness    = 2
	labelPadding = 2
)

var face = basicfont.Face7x13

// Label formats the caption drawn above a box
func Label(d models.Detection) string {
	return fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
}

// Annotate returns a copy of frame with one rectangle and one caption per
// detection. The input frame is not modified. Detections with inverted
// corners are a programming error and panic.
func Annotate(frame image.Image, detections []models.Detection) *image.RGBA {
	bounds := frame.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, frame, bounds.Min, draw.Src)

	for _, d := range detections {
		if !d.BBox.Valid() {
			panic(fmt.Sprintf("annotator: malformed bbox %+v for %q", d.BBox, d.Label))
		}
		drawBox(out, d.BBox)
		drawLabel(out, d.BBox, Label(d))
	}
	return out
}

func drawBox(dst *image.RGBA, b models.BoundingBox) {
	for t := 0; t < Thickness; t++ {
		fill(dst, image.Rect(b.X1-t, b.Y1-t, b.X2+t+1, b.Y1-t+1), BoxColor) // top
		fill(dst, image.Rect(b.X1-t, b.Y2+t, b.X2+t+1, b.Y2+t+1), BoxColor) // bottom
		fill(dst, image.Rect(b.X1-t, b.Y1-t, b.X1-t+1, b.Y2+t+1), BoxColor) // left
		fill(dst, image.Rect(b.X2+t, b.Y1-t, b.X2+t+1, b.Y2+t+1), BoxColor) // right
	}
}

// drawLabel anchors the caption at the box's top-left corner, above the box
// when there is room and just inside it otherwise.
func drawLabel(dst *image.RGBA, b models.BoundingBox, text string) {
	metrics := face.Metrics()
	textWidth := font.MeasureString(face, text).Ceil()
	textHeight := metrics.Height.Ceil()

	bgHeight := textHeight + 2*labelPadding
	top := b.Y1 - Thickness - bgHeight
	if top < dst.Bounds().Min.Y {
		top = b.Y1 + Thickness
	}
	bg := image.Rect(b.X1, top, b.X1+textWidth+2*labelPadding, top+bgHeight)
	fill(dst, bg, BoxColor)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(LabelColor),
		Face: face,
		Dot:  fixed.P(bg.Min.X+labelPadding, bg.Min.Y+labelPadding+metrics.Ascent.Ceil()),
	}
	d.DrawString(text)
}

func fill(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Src)
}
