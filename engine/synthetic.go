package engine

import (
	"context"
	"sync/atomic"
)

// syntheticEngine stands in for a real model when loading fails. Each Infer
// call emits a single detection row that drifts across the frame so degraded
// output is visibly fake and never mistaken for real model results.
type syntheticEngine struct {
	inputSize int
	calls     atomic.Int64
}

// NewSynthetic returns an engine producing one clearly labeled placeholder
// detection per call, in corner layout within a model input square of the
// given size.
func NewSynthetic(inputSize int) Engine {
	if inputSize <= 0 {
		inputSize = 640
	}
	return &syntheticEngine{inputSize: inputSize}
}

func (s *syntheticEngine) Metadata(ctx context.Context) (Metadata, error) {
	size := s.inputSize
	return Metadata{
		ModelName: "synthetic",
		ModelType: "object_detector",
		Inputs: []TensorInfo{
			{Name: "image", DataType: "float32", Shape: []int{1, 3, size, size}},
		},
		Outputs: []TensorInfo{
			{
				Name:     "detections",
				DataType: "float32",
				Shape:    []int{1, 1, 6},
				Extra: map[string]interface{}{
					"coordinates": "pixel",
					"labels":      []string{"synthetic"},
				},
			},
		},
	}, nil
}

func (s *syntheticEngine) Infer(ctx context.Context, inputs Tensors) (Tensors, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := s.calls.Add(1)
	size := float64(s.inputSize)
	side := size / 4
	// drift the box along the diagonal, wrapping before it leaves the frame
	step := float64((n * 7) % int64(s.inputSize/2))
	row := []float32{
		float32(step), float32(step),
		float32(step + side), float32(step + side),
		0.5, 0,
	}
	return Tensors{"detections": newDense([]int{1, 1, 6}, row)}, nil
}

func (s *syntheticEngine) Close(ctx context.Context) error { return nil }
