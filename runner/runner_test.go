package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
	"gorgonia.org/tensor"

	"github.com/boxsight/boxsight/config"
	"github.com/boxsight/boxsight/detection"
	"github.com/boxsight/boxsight/engine"
	"github.com/boxsight/boxsight/playback"
	"github.com/boxsight/boxsight/transform"
)

// fakeEngine emits a fixed set of pixel-space corner rows per inference and
// lets tests inject latency, failures, and per-call row overrides.
type fakeEngine struct {
	mu         sync.Mutex
	rows       [][]float32
	rowsByCall map[int][][]float32
	inferErr   error
	latency    time.Duration
	calls      int64
	concurrent int64
	maxSeen    int64
}

func newFakeEngine(rows ...[]float32) *fakeEngine {
	return &fakeEngine{rows: rows}
}

func (f *fakeEngine) Metadata(ctx context.Context) (engine.Metadata, error) {
	return engine.Metadata{
		ModelName: "fake",
		ModelType: "tflite_detector",
		Inputs:    []engine.TensorInfo{{Name: "image", Shape: []int{1, 3, 64, 64}}},
		Outputs: []engine.TensorInfo{{
			Name:  "detections",
			Extra: config.AttributeMap{"coordinates": "pixel", "labels": []string{"person", "car"}},
		}},
	}, nil
}

func (f *fakeEngine) Infer(ctx context.Context, inputs engine.Tensors) (engine.Tensors, error) {
	cur := atomic.AddInt64(&f.concurrent, 1)
	defer atomic.AddInt64(&f.concurrent, -1)
	for {
		max := atomic.LoadInt64(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt64(&f.maxSeen, max, cur) {
			break
		}
	}
	call := int(atomic.AddInt64(&f.calls, 1))

	f.mu.Lock()
	latency := f.latency
	inferErr := f.inferErr
	rows := f.rows
	if override, ok := f.rowsByCall[call]; ok {
		rows = override
	}
	f.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(latency):
		}
	}
	if inferErr != nil {
		return nil, inferErr
	}

	backing := make([]float32, 0, len(rows)*6)
	for _, row := range rows {
		backing = append(backing, row...)
	}
	out := tensor.New(tensor.WithShape(1, len(rows), 6), tensor.WithBacking(backing))
	return engine.Tensors{"detections": out}, nil
}

func (f *fakeEngine) Close(ctx context.Context) error { return nil }

func (f *fakeEngine) callCount() int { return int(atomic.LoadInt64(&f.calls)) }

func (f *fakeEngine) maxConcurrent() int { return int(atomic.LoadInt64(&f.maxSeen)) }

func seekConfig(fps float64) Config {
	return Config{
		FPS:          fps,
		Confidence:   0.5,
		IOUThreshold: 0.5,
		InputSize:    64,
		Strategy:     StrategySeek,
	}
}

func TestSeekRunProcessesEveryFrame(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := newFakeEngine([]float32{10, 10, 30, 30, 0.9, 0})
	surface := playback.NewScripted(10, 320, 240)
	r := New(eng, surface, logger)

	run, err := r.Start(context.Background(), seekConfig(10), nil)
	test.That(t, err, test.ShouldBeNil)
	<-run.Done()

	test.That(t, run.State(), test.ShouldEqual, StateCompleted)
	test.That(t, run.Err(), test.ShouldBeNil)
	test.That(t, run.Processed(), test.ShouldEqual, 100)
	test.That(t, surface.SeekCount(), test.ShouldEqual, 100)
	test.That(t, run.Progress(), test.ShouldEqual, 100.0)

	set := run.Detections()
	test.That(t, set.Empty(), test.ShouldBeFalse)
	test.That(t, len(set.Detections), test.ShouldEqual, 1)
	test.That(t, set.Detections[0].Label(), test.ShouldEqual, "person")
	test.That(t, set.Detections[0].Score(), test.ShouldAlmostEqual, 0.9, .01)
}

func TestSeekRunFailsOnInferenceError(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := newFakeEngine([]float32{10, 10, 30, 30, 0.9, 0})
	eng.inferErr = errors.New("runtime exploded")
	surface := playback.NewScripted(2, 320, 240)
	r := New(eng, surface, logger)

	run, err := r.Start(context.Background(), seekConfig(5), nil)
	test.That(t, err, test.ShouldBeNil)
	<-run.Done()

	test.That(t, run.State(), test.ShouldEqual, StateErrored)
	test.That(t, run.Err(), test.ShouldNotBeNil)
	test.That(t, run.Err().Error(), test.ShouldContainSubstring, "runtime exploded")
	test.That(t, run.Processed(), test.ShouldEqual, 0)
}

func TestClockRunTicksAndSkipsFailures(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := newFakeEngine([]float32{10, 10, 30, 30, 0.9, 1})
	surface := playback.NewScripted(60, 320, 240)
	mockClock := clock.NewMock()
	r := New(eng, surface, logger, WithClock(mockClock))

	cfg := seekConfig(10)
	cfg.Strategy = StrategyClock
	test.That(t, surface.Play(context.Background()), test.ShouldBeNil)

	run, err := r.Start(context.Background(), cfg, nil)
	test.That(t, err, test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mockClock.Add(100 * time.Millisecond)
		test.That(tb, run.Processed(), test.ShouldBeGreaterThanOrEqualTo, 1)
	})
	test.That(t, run.Detections().Detections[0].Label(), test.ShouldEqual, "car")
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, eng.callCount(), test.ShouldEqual, run.Processed())
	})

	// a failing tick is logged and skipped, not fatal
	eng.mu.Lock()
	eng.inferErr = errors.New("transient")
	eng.mu.Unlock()
	callsBefore := eng.callCount()
	processedBefore := run.Processed()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mockClock.Add(100 * time.Millisecond)
		test.That(tb, eng.callCount(), test.ShouldBeGreaterThan, callsBefore)
	})
	test.That(t, run.State(), test.ShouldEqual, StateRunning)
	test.That(t, run.Processed(), test.ShouldEqual, processedBefore)

	test.That(t, run.Stop(), test.ShouldBeNil)
	test.That(t, run.State(), test.ShouldEqual, StateCompleted)
	<-run.Done()
}

func TestClockRunNeverOverlapsInference(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := newFakeEngine([]float32{10, 10, 30, 30, 0.9, 0})
	eng.latency = 30 * time.Millisecond
	surface := playback.NewScripted(60, 320, 240)
	r := New(eng, surface, logger)

	cfg := seekConfig(200)
	cfg.Strategy = StrategyClock
	test.That(t, surface.Play(context.Background()), test.ShouldBeNil)

	run, err := r.Start(context.Background(), cfg, nil)
	test.That(t, err, test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, run.Processed(), test.ShouldBeGreaterThanOrEqualTo, 3)
		test.That(tb, run.Dropped(), test.ShouldBeGreaterThanOrEqualTo, 1)
	})
	test.That(t, run.Stop(), test.ShouldBeNil)
	test.That(t, eng.maxConcurrent(), test.ShouldEqual, 1)
}

func TestDisplayRunFollowsFrameEvents(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := newFakeEngine([]float32{10, 10, 30, 30, 0.9, 0})
	surface := playback.NewScripted(1, 320, 240)
	r := New(eng, surface, logger)

	cfg := seekConfig(10)
	cfg.Strategy = StrategyDisplay

	run, err := r.Start(context.Background(), cfg, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, surface.Play(context.Background()), test.ShouldBeNil)

	// pump display frames until playback ends; busy ticks are dropped
	deadline := time.Now().Add(10 * time.Second)
	for run.State() == StateRunning && time.Now().Before(deadline) {
		surface.Advance(0.05)
		time.Sleep(time.Millisecond)
	}
	<-run.Done()

	test.That(t, run.State(), test.ShouldEqual, StateCompleted)
	test.That(t, run.Progress(), test.ShouldEqual, 100.0)
	test.That(t, run.Processed(), test.ShouldBeGreaterThanOrEqualTo, 1)
}

func TestDecodeFailureYieldsEmptySet(t *testing.T) {
	logger := golog.NewTestLogger(t)
	// rank-4 output cannot be interpreted as detection rows
	eng := &malformedEngine{}
	surface := playback.NewScripted(0.5, 320, 240)
	r := New(eng, surface, logger)

	run, err := r.Start(context.Background(), seekConfig(10), nil)
	test.That(t, err, test.ShouldBeNil)
	<-run.Done()

	test.That(t, run.State(), test.ShouldEqual, StateCompleted)
	test.That(t, run.Processed(), test.ShouldEqual, 5)
	test.That(t, run.Detections().Empty(), test.ShouldBeTrue)
}

type malformedEngine struct{}

func (m *malformedEngine) Metadata(ctx context.Context) (engine.Metadata, error) {
	return engine.Metadata{ModelName: "malformed"}, nil
}

func (m *malformedEngine) Infer(ctx context.Context, inputs engine.Tensors) (engine.Tensors, error) {
	out := tensor.New(tensor.WithShape(1, 2, 2, 2), tensor.WithBacking(make([]float32, 8)))
	return engine.Tensors{"detections": out}, nil
}

func (m *malformedEngine) Close(ctx context.Context) error { return nil }

func TestKeepLastNonEmptyRetainsDetections(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := newFakeEngine([]float32{10, 10, 30, 30, 0.1, 0}) // below confidence
	eng.rowsByCall = map[int][][]float32{
		1: {{10, 10, 30, 30, 0.9, 0}},
	}
	surface := playback.NewScripted(0.5, 320, 240)
	r := New(eng, surface, logger)

	cfg := seekConfig(10)
	cfg.KeepLastNonEmpty = true
	run, err := r.Start(context.Background(), cfg, nil)
	test.That(t, err, test.ShouldBeNil)
	<-run.Done()

	test.That(t, run.State(), test.ShouldEqual, StateCompleted)
	test.That(t, run.Processed(), test.ShouldEqual, 5)
	set := run.Detections()
	test.That(t, set.Empty(), test.ShouldBeFalse)
	test.That(t, set.Detections[0].Score(), test.ShouldAlmostEqual, 0.9, .01)
}

func TestOverwriteReplacesWithEmptySet(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := newFakeEngine([]float32{10, 10, 30, 30, 0.1, 0})
	eng.rowsByCall = map[int][][]float32{
		1: {{10, 10, 30, 30, 0.9, 0}},
	}
	surface := playback.NewScripted(0.5, 320, 240)
	r := New(eng, surface, logger)

	run, err := r.Start(context.Background(), seekConfig(10), nil)
	test.That(t, err, test.ShouldBeNil)
	<-run.Done()

	test.That(t, run.Detections().Empty(), test.ShouldBeTrue)
}

func TestStartPreemptsPriorRun(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := newFakeEngine([]float32{10, 10, 30, 30, 0.9, 0})
	surface := playback.NewScripted(60, 320, 240)
	mockClock := clock.NewMock()
	r := New(eng, surface, logger, WithClock(mockClock))

	cfg := seekConfig(10)
	cfg.Strategy = StrategyClock
	first, err := r.Start(context.Background(), cfg, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Active(), test.ShouldEqual, first)

	second, err := r.Start(context.Background(), cfg, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Active(), test.ShouldEqual, second)

	<-first.Done()
	test.That(t, first.State(), test.ShouldEqual, StateCompleted)
	test.That(t, second.State(), test.ShouldEqual, StateRunning)

	// Stop is idempotent
	test.That(t, second.Stop(), test.ShouldBeNil)
	test.That(t, second.Stop(), test.ShouldBeNil)
	test.That(t, second.State(), test.ShouldEqual, StateCompleted)
}

func TestDegradedEngineStillRuns(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng, degraded := engine.LoadOrDegrade(context.Background(), func(ctx context.Context) (engine.Engine, error) {
		return nil, &engine.ModelLoadError{Model: "missing.tflite", Err: errors.New("no such file")}
	}, 64, logger)
	test.That(t, degraded, test.ShouldBeTrue)

	surface := playback.NewScripted(1, 320, 240)
	r := New(eng, surface, logger)
	run, err := r.Start(context.Background(), seekConfig(5), nil)
	test.That(t, err, test.ShouldBeNil)
	<-run.Done()

	test.That(t, run.State(), test.ShouldEqual, StateCompleted)
	test.That(t, run.Processed(), test.ShouldEqual, 5)
	set := run.Detections()
	test.That(t, set.Empty(), test.ShouldBeFalse)
	test.That(t, set.Detections[0].Label(), test.ShouldEqual, "synthetic")
}

func TestLabelAllowlistUsesMetadataNames(t *testing.T) {
	logger := golog.NewTestLogger(t)
	// class 1 is named "car" by the model metadata
	eng := newFakeEngine([]float32{10, 10, 30, 30, 0.9, 1})
	surface := playback.NewScripted(0.5, 320, 240)
	r := New(eng, surface, logger)

	cfg := seekConfig(10)
	cfg.Labels = []string{"car"}
	run, err := r.Start(context.Background(), cfg, nil)
	test.That(t, err, test.ShouldBeNil)
	<-run.Done()

	test.That(t, run.State(), test.ShouldEqual, StateCompleted)
	set := run.Detections()
	test.That(t, set.Empty(), test.ShouldBeFalse)
	test.That(t, set.Detections[0].Label(), test.ShouldEqual, "car")
	test.That(t, set.Detections[0].Class(), test.ShouldEqual, 1)

	// an allowlist naming no detected class filters everything out
	cfg.Labels = []string{"person"}
	run, err = r.Start(context.Background(), cfg, nil)
	test.That(t, err, test.ShouldBeNil)
	<-run.Done()
	test.That(t, run.Detections().Empty(), test.ShouldBeTrue)
}

func TestClassNamesOverrideMetadata(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := newFakeEngine([]float32{10, 10, 30, 30, 0.9, 1})
	surface := playback.NewScripted(0.5, 320, 240)
	r := New(eng, surface, logger)

	cfg := seekConfig(10)
	cfg.ClassNames = []string{"cat", "dog"}
	run, err := r.Start(context.Background(), cfg, nil)
	test.That(t, err, test.ShouldBeNil)
	<-run.Done()

	set := run.Detections()
	test.That(t, set.Empty(), test.ShouldBeFalse)
	test.That(t, set.Detections[0].Label(), test.ShouldEqual, "dog")

	// the allowlist matches against the overridden names
	cfg.Labels = []string{"dog"}
	run, err = r.Start(context.Background(), cfg, nil)
	test.That(t, err, test.ShouldBeNil)
	<-run.Done()
	test.That(t, run.Detections().Empty(), test.ShouldBeFalse)
}

func TestRunAppliesConfidenceThreshold(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := newFakeEngine(
		[]float32{10, 10, 30, 30, 0.9, 0},
		[]float32{50, 50, 80, 80, 0.3, 1}, // below the run threshold
	)
	surface := playback.NewScripted(0.5, 320, 240)
	r := New(eng, surface, logger)

	run, err := r.Start(context.Background(), seekConfig(10), nil)
	test.That(t, err, test.ShouldBeNil)
	<-run.Done()

	set := run.Detections()
	test.That(t, len(set.Detections), test.ShouldEqual, 1)
	test.That(t, set.Detections[0].Score(), test.ShouldAlmostEqual, 0.9, .01)
}

func TestSinkReceivesMappedDetections(t *testing.T) {
	logger := golog.NewTestLogger(t)
	eng := newFakeEngine([]float32{16, 16, 32, 32, 0.9, 0})
	surface := playback.NewScripted(0.2, 640, 480)
	r := New(eng, surface, logger)

	var mu sync.Mutex
	var gotNative [4]float64
	run, err := r.Start(context.Background(), seekConfig(10), func(frame *playback.Frame, set detection.Set, mapper *transform.Mapper) {
		mu.Lock()
		defer mu.Unlock()
		if set.Empty() {
			return
		}
		native := mapper.ModelToNative(set.Detections[0].BoundingBox())
		gotNative = [4]float64{native.X1, native.Y1, native.X2, native.Y2}
	})
	test.That(t, err, test.ShouldBeNil)
	<-run.Done()

	// 640x480 stretched to 64x64
	mu.Lock()
	defer mu.Unlock()
	test.That(t, gotNative[0], test.ShouldAlmostEqual, 160, .01)
	test.That(t, gotNative[1], test.ShouldAlmostEqual, 120, .01)
	test.That(t, gotNative[2], test.ShouldAlmostEqual, 320, .01)
	test.That(t, gotNative[3], test.ShouldAlmostEqual, 240, .01)
}
