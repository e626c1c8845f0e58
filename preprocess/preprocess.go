// Package preprocess rasterizes video frames into the fixed-size normalized
// tensors a detection model expects.
package preprocess

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/boxsight/boxsight/transform"
)

// Policy selects how a frame is fitted into the square model input.
type Policy string

const (
	// PolicyStretch resizes anisotropically to fill the square. Simplest,
	// distorts aspect ratio.
	PolicyStretch = Policy("stretch")
	// PolicyLetterbox resizes isotropically and pads the remainder, recording
	// the ratio and padding offsets for inverse mapping.
	PolicyLetterbox = Policy("letterbox")
)

// ModelInput is one tick's model-ready tensor plus the geometry needed to map
// detections back onto the native frame. It is owned by the tick that
// produced it and must not be retained.
type ModelInput struct {
	// Tensor is channel-first float32 of shape [1,3,size,size], values in [0,1].
	Tensor *tensor.Dense
	// Scale records the fit for the coordinate mapper.
	Scale transform.Scale
	// NativeWidth and NativeHeight are the source frame pixel dimensions.
	NativeWidth, NativeHeight int
}

// Preprocessor draws frames into a fixed square model input buffer.
type Preprocessor struct {
	size   int
	policy Policy
}

// New creates a preprocessor for the given square model input size.
func New(size int, policy Policy) (*Preprocessor, error) {
	if size <= 0 {
		return nil, errors.Errorf("model input size must be positive, got %d", size)
	}
	switch policy {
	case PolicyStretch, PolicyLetterbox:
	default:
		return nil, errors.Errorf("unknown resize policy %q", policy)
	}
	return &Preprocessor{size: size, policy: policy}, nil
}

// Size returns the square model input size.
func (p *Preprocessor) Size() int { return p.size }

// Process fits the frame into the model square per the configured policy and
// converts it to a normalized channel-first tensor. Alpha is dropped.
func (p *Preprocessor) Process(img image.Image) (*ModelInput, error) {
	if img == nil {
		return nil, errors.New("cannot preprocess a nil frame")
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, errors.Errorf("cannot preprocess an empty %dx%d frame", w, h)
	}

	var fitted image.Image
	var scale transform.Scale
	switch p.policy {
	case PolicyStretch:
		fitted = resize.Resize(uint(p.size), uint(p.size), img, resize.Bilinear)
		scale = transform.Scale{
			RatioX: float64(p.size) / float64(w),
			RatioY: float64(p.size) / float64(h),
		}
	case PolicyLetterbox:
		ratio := math.Min(float64(p.size)/float64(w), float64(p.size)/float64(h))
		fw := int(math.Round(float64(w) * ratio))
		fh := int(math.Round(float64(h) * ratio))
		content := imaging.Resize(img, fw, fh, imaging.Linear)
		canvas := imaging.New(p.size, p.size, color.NRGBA{0, 0, 0, 255})
		padX := (p.size - fw) / 2
		padY := (p.size - fh) / 2
		fitted = imaging.Paste(canvas, content, image.Pt(padX, padY))
		scale = transform.Scale{
			RatioX: ratio,
			RatioY: ratio,
			PadX:   float64(padX),
			PadY:   float64(padY),
		}
	}

	return &ModelInput{
		Tensor:       imageToTensor(fitted, p.size),
		Scale:        scale,
		NativeWidth:  w,
		NativeHeight: h,
	}, nil
}

// imageToTensor packs 8-bit RGB samples into a [1,3,size,size] float32 tensor,
// each channel divided by 255.
func imageToTensor(img image.Image, size int) *tensor.Dense {
	data := make([]float32, 3*size*size)
	plane := size * size
	min := img.Bounds().Min
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := img.At(min.X+x, min.Y+y).RGBA()
			idx := y*size + x
			data[idx] = float32(r>>8) / 255.0
			data[plane+idx] = float32(g>>8) / 255.0
			data[2*plane+idx] = float32(b>>8) / 255.0
		}
	}
	return tensor.New(tensor.WithShape(1, 3, size, size), tensor.WithBacking(data))
}
