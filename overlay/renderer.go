// Package overlay draws the current detection set onto a transparent canvas
// kept at the size of the displayed video box.
package overlay

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font/basicfont"

	"github.com/boxsight/boxsight/detection"
	"github.com/boxsight/boxsight/transform"
)

const (
	strokeWidth = 2.0
	fillAlpha   = 0.25
	chipPadX    = 4.0
	chipPadY    = 3.0
)

// Renderer owns the overlay backing store. It is not safe for concurrent use;
// the run goroutine is its only caller.
type Renderer struct {
	dc     *gg.Context
	width  int
	height int
}

// NewRenderer creates a renderer with a backing store of the given display size.
func NewRenderer(width, height int) *Renderer {
	r := &Renderer{}
	r.Resize(width, height)
	return r
}

// Resize resets the backing store to the displayed video box size, discarding
// any prior contents. Called at run start and whenever the display resizes.
func (r *Renderer) Resize(width, height int) {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	r.width, r.height = width, height
	r.dc = gg.NewContext(width, height)
	r.dc.SetFontFace(basicfont.Face7x13)
}

// Size returns the current backing store size.
func (r *Renderer) Size() (int, int) {
	return r.width, r.height
}

// Render fully clears the canvas and draws every detection in display space:
// a translucent fill, a stroked border, and a label chip above the box,
// clamped to the top edge when the box starts too close to it. Returns the
// composed overlay image.
func (r *Renderer) Render(dets []detection.Detection, m *transform.Mapper) image.Image {
	r.dc.SetRGBA(0, 0, 0, 0)
	r.dc.Clear()
	for _, d := range dets {
		box := m.ModelToDisplay(d.BoundingBox())
		if box.Area() <= 0 {
			continue
		}
		c := classColor(d.Class())

		r.dc.SetRGBA(c.R, c.G, c.B, fillAlpha)
		r.dc.DrawRectangle(box.X1, box.Y1, box.Width(), box.Height())
		r.dc.Fill()

		r.dc.SetRGBA(c.R, c.G, c.B, 1)
		r.dc.SetLineWidth(strokeWidth)
		r.dc.DrawRectangle(box.X1, box.Y1, box.Width(), box.Height())
		r.dc.Stroke()

		r.drawChip(chipText(d), box, c)
	}
	return r.dc.Image()
}

// drawChip draws the label background and text above the box, or pinned to
// the canvas top when there is no room above.
func (r *Renderer) drawChip(text string, box detection.Box, c colorful.Color) {
	tw, th := r.dc.MeasureString(text)
	chipW := tw + 2*chipPadX
	chipH := th + 2*chipPadY
	chipY := box.Y1 - chipH
	if chipY < 0 {
		chipY = 0
	}
	r.dc.SetRGBA(c.R, c.G, c.B, 1)
	r.dc.DrawRectangle(box.X1, chipY, chipW, chipH)
	r.dc.Fill()
	r.dc.SetRGB(1, 1, 1)
	r.dc.DrawString(text, box.X1+chipPadX, chipY+chipH-chipPadY)
}

// chipText is "name-or-id confidence%" with one decimal.
func chipText(d detection.Detection) string {
	name := d.Label()
	if name == "" {
		name = fmt.Sprintf("%d", d.Class())
	}
	return fmt.Sprintf("%s %.1f%%", name, d.Score()*100)
}

// classColor returns a stable, well-separated color per class index.
func classColor(class int) colorful.Color {
	hue := float64((class * 47) % 360)
	return colorful.Hsv(hue, 0.75, 0.9)
}
