// Package detection defines the bounding box detections produced by the
// decoding pipeline, along with the postprocessing filters applied to them.
package detection

import (
	"fmt"
	"math"
)

// Box is an axis-aligned bounding box with float64 corners. Which coordinate
// space it lives in (model input, native frame, or display overlay) depends on
// where in the pipeline it is observed.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// NewBox returns the box spanning the two corner points.
func NewBox(x1, y1, x2, y2 float64) Box {
	return Box{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// Width returns the horizontal extent of the box.
func (b Box) Width() float64 {
	return b.X2 - b.X1
}

// Height returns the vertical extent of the box.
func (b Box) Height() float64 {
	return b.Y2 - b.Y1
}

// Area returns the area of the box, 0 for degenerate boxes.
func (b Box) Area() float64 {
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return 0
	}
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// Valid reports whether the corners are finite and properly ordered.
func (b Box) Valid() bool {
	for _, v := range []float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// IoU returns the intersection-over-union of two boxes, in [0,1].
// Degenerate boxes have IoU 0 with everything, themselves included.
func IoU(a, b Box) float64 {
	areaA, areaB := a.Area(), b.Area()
	if areaA <= 0 || areaB <= 0 {
		return 0
	}
	ix := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	iy := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	return inter / (areaA + areaB - inter)
}

// Detection is a single detected object: a bounding box, a confidence score,
// and the class it belongs to.
type Detection interface {
	// BoundingBox returns the box around the detected object.
	BoundingBox() Box
	// Score returns the confidence in [0,1].
	Score() float64
	// Class returns the non-negative class index of the detection.
	Class() int
	// Label returns the class name, or "" when no label set is known.
	Label() string
}

// NewDetection creates a simple 2D detection. Callers are expected to pass a
// well-formed box (Box.Valid); the decoding pipeline discards malformed rows
// before constructing detections.
func NewDetection(box Box, score float64, class int, label string) Detection {
	return &detection2D{box: box, score: score, class: class, label: label}
}

type detection2D struct {
	box   Box
	score float64
	class int
	label string
}

func (d *detection2D) BoundingBox() Box { return d.box }

func (d *detection2D) Score() float64 { return d.score }

func (d *detection2D) Class() int { return d.class }

func (d *detection2D) Label() string { return d.label }

func (d *detection2D) String() string {
	return fmt.Sprintf("Detection{class: %d, label: %q, score: %.3f, box: (%.1f,%.1f)-(%.1f,%.1f)}",
		d.class, d.label, d.score, d.box.X1, d.box.Y1, d.box.X2, d.box.Y2)
}

// Set is the ordered detection collection for one sampled playback time.
// It is the only detection state that survives across ticks within a run.
type Set struct {
	// At is the playback timestamp in seconds the detections were sampled at.
	At float64
	// Detections is ordered as produced by the postprocessing chain.
	Detections []Detection
}

// Empty reports whether the set holds no detections.
func (s Set) Empty() bool {
	return len(s.Detections) == 0
}
