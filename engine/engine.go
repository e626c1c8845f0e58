// Package engine defines the boundary to the inference engine that executes
// the detection model, including the degraded mode used when a model cannot
// be loaded.
package engine

import (
	"context"
	"fmt"

	"github.com/edaniels/golog"
	"gorgonia.org/tensor"

	"github.com/boxsight/boxsight/config"
)

// Tensors are the input and output tensors of an engine, keyed by tensor name.
type Tensors map[string]*tensor.Dense

// TensorInfo describes an input or output tensor of a loaded model.
type TensorInfo struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Shape    []int  `json:"shape"`
	// Extra carries model specific hints, e.g. "labels" and "coordinates"
	// (normalized vs pixel) for detection outputs.
	Extra config.AttributeMap `json:"extra,omitempty"`
}

// Metadata is the one-time capability description returned by a loaded model.
type Metadata struct {
	ModelName string       `json:"model_name"`
	ModelType string       `json:"model_type"`
	Inputs    []TensorInfo `json:"inputs"`
	Outputs   []TensorInfo `json:"outputs"`
}

// InputSize returns the square model input size from the first input tensor,
// handling both NCHW and NHWC shapes, or 0 if unknown.
func (md Metadata) InputSize() int {
	if len(md.Inputs) == 0 {
		return 0
	}
	shape := md.Inputs[0].Shape
	if len(shape) != 4 {
		return 0
	}
	if shape[1] == 3 { // NCHW
		return shape[2]
	}
	return shape[1] // NHWC
}

// Labels returns the label set declared by the model's output metadata, if any.
func (md Metadata) Labels() []string {
	for _, o := range md.Outputs {
		if o.Extra == nil {
			continue
		}
		if labels := o.Extra.StringSlice("labels"); labels != nil {
			return labels
		}
	}
	return nil
}

// Engine executes a detection model on prepared input tensors. Implementations
// must be safe for use from a single run goroutine; the scheduler guarantees
// at most one Infer call is in flight per run.
type Engine interface {
	// Metadata describes the loaded model.
	Metadata(ctx context.Context) (Metadata, error)
	// Infer runs the model on the named input tensors and returns the named
	// raw output tensors.
	Infer(ctx context.Context, inputs Tensors) (Tensors, error)
	// Close releases the underlying runtime.
	Close(ctx context.Context) error
}

func newDense(shape []int, backing []float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

// Loader performs the one-time model load and runtime bring-up.
type Loader func(ctx context.Context) (Engine, error)

// ModelLoadError means the engine runtime or model file was unavailable or
// corrupt. It is recoverable: callers degrade to the synthetic engine.
type ModelLoadError struct {
	Model string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load model %q: %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// LoadOrDegrade loads an engine via the given loader. On failure it logs the
// error and returns a synthetic engine whose detections are clearly labeled as
// such, so a run can proceed without a model and without surfacing the load
// failure to the caller. The returned bool reports whether the engine is
// degraded.
func LoadOrDegrade(ctx context.Context, load Loader, inputSize int, logger golog.Logger) (Engine, bool) {
	if load == nil {
		logger.Warn("no inference backend configured; continuing with synthetic detections")
		return NewSynthetic(inputSize), true
	}
	eng, err := load(ctx)
	if err != nil {
		logger.Warnw("model load failed; continuing with synthetic detections", "error", err)
		return NewSynthetic(inputSize), true
	}
	return eng, false
}
