// Package transform maps detection boxes between the three coordinate spaces
// of the pipeline: model input, native frame, and display overlay.
package transform

import (
	"sync"

	"github.com/boxsight/boxsight/detection"
)

// Scale records how a native frame was fitted into the square model input:
// the per-axis resize ratios and, for letterboxing, the padding offsets of
// the image content inside the square. Stretch fits have zero padding and
// independent ratios; letterbox fits have equal ratios.
type Scale struct {
	RatioX float64
	RatioY float64
	PadX   float64
	PadY   float64
}

// Identity is the no-op scale.
var Identity = Scale{RatioX: 1, RatioY: 1}

// Mapper converts boxes from model input space back to the native frame and
// on to the displayed overlay. Display size may change mid-run (the user
// resizes the video box); SetDisplaySize recomputes the final rescale.
type Mapper struct {
	mu           sync.RWMutex
	scale        Scale
	nativeWidth  float64
	nativeHeight float64
	dispWidth    float64
	dispHeight   float64
}

// NewMapper creates a mapper for a frame of the given native pixel size that
// was fitted into model space with the given scale. The display size starts
// equal to the native size until SetDisplaySize is called.
func NewMapper(scale Scale, nativeWidth, nativeHeight int) *Mapper {
	return &Mapper{
		scale:        scale,
		nativeWidth:  float64(nativeWidth),
		nativeHeight: float64(nativeHeight),
		dispWidth:    float64(nativeWidth),
		dispHeight:   float64(nativeHeight),
	}
}

// SetDisplaySize records the size of the displayed video box, recomputing the
// native-to-display factors used by subsequent mappings.
func (m *Mapper) SetDisplaySize(width, height int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispWidth = float64(width)
	m.dispHeight = float64(height)
}

// DisplaySize returns the current display size.
func (m *Mapper) DisplaySize() (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(m.dispWidth), int(m.dispHeight)
}

// ModelToNative undoes the letterbox/stretch fit, returning the box in native
// frame pixels, clamped to the frame.
func (m *Mapper) ModelToNative(b detection.Box) detection.Box {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := detection.Box{
		X1: (b.X1 - m.scale.PadX) / m.scale.RatioX,
		Y1: (b.Y1 - m.scale.PadY) / m.scale.RatioY,
		X2: (b.X2 - m.scale.PadX) / m.scale.RatioX,
		Y2: (b.Y2 - m.scale.PadY) / m.scale.RatioY,
	}
	out.X1 = clamp(out.X1, 0, m.nativeWidth)
	out.X2 = clamp(out.X2, 0, m.nativeWidth)
	out.Y1 = clamp(out.Y1, 0, m.nativeHeight)
	out.Y2 = clamp(out.Y2, 0, m.nativeHeight)
	return out
}

// NativeToModel applies the fit, returning the box in model input space.
func (m *Mapper) NativeToModel(b detection.Box) detection.Box {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return detection.Box{
		X1: b.X1*m.scale.RatioX + m.scale.PadX,
		Y1: b.Y1*m.scale.RatioY + m.scale.PadY,
		X2: b.X2*m.scale.RatioX + m.scale.PadX,
		Y2: b.Y2*m.scale.RatioY + m.scale.PadY,
	}
}

// NativeToDisplay rescales a native frame box into the displayed overlay.
func (m *Mapper) NativeToDisplay(b detection.Box) detection.Box {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sx := m.dispWidth / m.nativeWidth
	sy := m.dispHeight / m.nativeHeight
	return detection.Box{X1: b.X1 * sx, Y1: b.Y1 * sy, X2: b.X2 * sx, Y2: b.Y2 * sy}
}

// ModelToDisplay chains the full transform from model input space to the
// displayed overlay.
func (m *Mapper) ModelToDisplay(b detection.Box) detection.Box {
	return m.NativeToDisplay(m.ModelToNative(b))
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
