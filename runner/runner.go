// Package runner schedules frame capture and inference against a playback
// surface and owns the run lifecycle: strategy-driven ticks, the at-most-one
// in-flight inference invariant, progress estimation, and unconditional
// resource teardown.
package runner

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/boxsight/boxsight/decode"
	"github.com/boxsight/boxsight/detection"
	"github.com/boxsight/boxsight/engine"
	"github.com/boxsight/boxsight/playback"
	"github.com/boxsight/boxsight/preprocess"
	"github.com/boxsight/boxsight/transform"
)

// Sink receives each processed tick's frame, the effective detection set, and
// the mapper that places boxes into display space. It is called from the run
// goroutine; implementations must not block for long.
type Sink func(frame *playback.Frame, set detection.Set, mapper *transform.Mapper)

// Runner starts detection runs against one engine and playback surface. Only
// one run is active at a time: starting a new run fully tears down the prior
// one first.
type Runner struct {
	mu      sync.Mutex
	engine  engine.Engine
	surface playback.Surface
	logger  golog.Logger
	clock   clock.Clock
	active  *Run
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock substitutes the wall clock; tests use a mock.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// New creates a runner. The engine handle is explicitly owned by the caller
// and passed in; the runner never reaches for process-wide state.
func New(eng engine.Engine, surface playback.Surface, logger golog.Logger, opts ...Option) *Runner {
	r := &Runner{
		engine:  eng,
		surface: surface,
		logger:  logger,
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Active returns the current run, or nil.
func (r *Runner) Active() *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Start begins a new run. Any prior run is stopped and its timers and
// listeners released before the new run acquires its own.
func (r *Runner) Start(ctx context.Context, cfg Config, sink Sink) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid run config")
	}

	r.mu.Lock()
	prior := r.active
	r.mu.Unlock()
	if prior != nil {
		if err := prior.Stop(); err != nil {
			r.logger.Warnw("teardown of prior run reported errors", "run_id", prior.id, "error", err)
		}
	}

	md, err := r.engine.Metadata(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read model metadata")
	}
	prep, err := preprocess.New(cfg.InputSize, cfg.resizePolicy())
	if err != nil {
		return nil, err
	}
	// the decoder names classes from cfg.ClassNames or model metadata; the
	// run's confidence threshold and label allowlist apply afterwards
	dec, err := decode.New(decode.Config{
		InputSize: cfg.InputSize,
		Labels:    cfg.ClassNames,
	})
	if err != nil {
		return nil, err
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	run := &Run{
		id:         uuid.NewString(),
		cfg:        cfg,
		engine:     r.engine,
		surface:    r.surface,
		md:         md,
		prep:       prep,
		dec:        dec,
		post: []detection.Postprocessor{
			detection.NewScoreFilter(cfg.Confidence),
			detection.NewLabelFilter(cfg.Labels),
			detection.NewNMSFilter(cfg.IOUThreshold),
		},
		sink:       sink,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		done:       make(chan struct{}),
	}
	run.logger = r.logger.With("run_id", run.id, "strategy", cfg.Strategy, "fps", cfg.FPS)

	st := r.surface.State()
	if cfg.Strategy == StrategySeek {
		run.progress = NewFrameTracker(int(math.Ceil(st.Duration * cfg.FPS)))
	} else {
		run.progress = NewTimelineTracker(st.Duration)
	}

	if err := run.state.transition(StateRunning); err != nil {
		cancelFunc()
		return nil, err
	}

	switch cfg.Strategy {
	case StrategyClock:
		interval := time.Duration(float64(time.Second) / cfg.FPS)
		ticker := r.clock.Ticker(interval)
		run.guard.add(func() error { ticker.Stop(); return nil })
		run.startLoop(func() { run.clockLoop(ticker) })
	case StrategyDisplay:
		events, release := r.surface.Subscribe()
		run.guard.add(func() error { release(); return nil })
		run.startLoop(func() { run.displayLoop(events) })
	case StrategySeek:
		run.startLoop(run.seekLoop)
	}

	r.mu.Lock()
	r.active = run
	r.mu.Unlock()
	run.logger.Infow("run started", "input_size", cfg.InputSize, "duration", st.Duration)
	return run, nil
}

// Run is the scoped handle for one active detection run.
type Run struct {
	id      string
	cfg     Config
	logger  golog.Logger
	engine  engine.Engine
	surface playback.Surface
	md      engine.Metadata
	prep    *preprocess.Preprocessor
	dec     *decode.Decoder
	post    []detection.Postprocessor
	sink    Sink

	state    stateMachine
	progress *Tracker
	guard    teardown

	cancelCtx  context.Context
	cancelFunc func()

	// inFlight enforces at most one concurrent inference; excess ticks are
	// dropped, never queued.
	inFlight atomic.Bool

	mu            sync.Mutex
	detections    detection.Set
	displayWidth  int
	displayHeight int
	processed     int
	dropped       int
	finalErr      error

	activeBackgroundWorkers sync.WaitGroup
	done                    chan struct{}
	loopDone                sync.Once
}

// ID returns the run's correlation id.
func (run *Run) ID() string { return run.id }

// State returns the current lifecycle state.
func (run *Run) State() State { return run.state.get() }

// Progress returns completion in [0,100].
func (run *Run) Progress() float64 { return run.progress.Percent() }

// Detections returns the detection set for the most recent processed tick,
// subject to the run's replacement policy.
func (run *Run) Detections() detection.Set {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.detections
}

// Processed returns how many ticks completed inference.
func (run *Run) Processed() int {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.processed
}

// Dropped returns how many ticks were dropped because inference was busy.
func (run *Run) Dropped() int {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.dropped
}

// Err returns the unrecoverable error that ended the run, if any.
func (run *Run) Err() error {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.finalErr
}

// Done is closed when the run's scheduling loop has exited and its resources
// are released.
func (run *Run) Done() <-chan struct{} { return run.done }

// SetDisplaySize records the displayed video box size; subsequent ticks map
// detections into it.
func (run *Run) SetDisplaySize(width, height int) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.displayWidth, run.displayHeight = width, height
}

func (run *Run) displaySize() (int, int) {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.displayWidth, run.displayHeight
}

// Stop cancels the run, waits for in-flight work, and releases all timers and
// listeners. It is idempotent and safe to call on an already-finished run.
func (run *Run) Stop() error {
	run.maybeTransition(StateStopping)
	run.cancelFunc()
	run.activeBackgroundWorkers.Wait()
	err := run.guard.release()
	run.maybeTransition(StateCompleted)
	return err
}

// maybeTransition applies a transition if the table allows it and otherwise
// leaves the state alone (e.g. stopping an already-errored run).
func (run *Run) maybeTransition(to State) {
	if err := run.state.transition(to); err != nil {
		run.logger.Debugw("skipping state transition", "to", to.String(), "state", run.state.get().String())
	}
}

func (run *Run) startLoop(loop func()) {
	run.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		defer run.finish()
		loop()
	}, run.activeBackgroundWorkers.Done)
}

// finish runs on every loop exit path and guarantees resource release even if
// Stop is never called.
func (run *Run) finish() {
	if err := run.guard.release(); err != nil {
		run.logger.Errorw("run teardown reported errors", "error", err)
	}
	run.loopDone.Do(func() { close(run.done) })
}

// fail ends the run with an unrecoverable error.
func (run *Run) fail(err error) {
	run.mu.Lock()
	if run.finalErr == nil {
		run.finalErr = err
	}
	run.mu.Unlock()
	run.maybeTransition(StateErrored)
	run.logger.Errorw("run failed", "error", err)
}

// clockLoop ticks on a periodic timer; the backpressure policy is to drop
// ticks that arrive while inference is busy.
func (run *Run) clockLoop(ticker *clock.Ticker) {
	for {
		select {
		case <-run.cancelCtx.Done():
			return
		case <-ticker.C:
			st := run.surface.State()
			if st.Ended {
				run.progress.ObserveTime(st.Duration)
				run.maybeTransition(StateCompleted)
				return
			}
			if st.Paused {
				continue
			}
			run.tick(st)
		}
	}
}

// displayLoop ticks on the surface's display frame events, skipping frames
// while inference is busy.
func (run *Run) displayLoop(events <-chan playback.Event) {
	for {
		select {
		case <-run.cancelCtx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case playback.EventDisplayFrame:
				run.tick(run.surface.State())
			case playback.EventEnded:
				run.progress.ObserveTime(run.surface.State().Duration)
				run.maybeTransition(StateCompleted)
				return
			default:
				// play/pause/seeked/data-ready carry no work here
			}
		}
	}
}

// seekLoop pauses playback and steps deterministically through the media at
// the configured sampling rate, processing exactly one frame per step. Any
// inference failure is fatal: a deterministic batch must not silently skip.
func (run *Run) seekLoop() {
	ctx := run.cancelCtx
	if err := run.surface.Pause(ctx); err != nil {
		run.fail(errors.Wrap(err, "cannot pause playback"))
		return
	}
	duration := run.surface.State().Duration
	step := 1.0 / run.cfg.FPS
	for i := 0; ; i++ {
		t := float64(i) * step
		if t >= duration {
			break
		}
		// run-state gate before dispatching any new work
		if run.state.get() != StateRunning {
			return
		}
		if err := run.surface.Seek(ctx, t); err != nil {
			if ctx.Err() != nil {
				return
			}
			run.fail(errors.Wrapf(err, "seek to %.3fs failed", t))
			return
		}
		if err := run.processFrame(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			run.fail(errors.Wrapf(err, "frame at %.3fs failed", t))
			return
		}
		run.progress.ObserveFrames(run.Processed())
	}
	run.maybeTransition(StateCompleted)
}

// tick dispatches one asynchronous capture+inference pass if none is in
// flight; otherwise the tick is dropped.
func (run *Run) tick(st playback.State) {
	if run.state.get() != StateRunning {
		return
	}
	if !run.inFlight.CompareAndSwap(false, true) {
		run.mu.Lock()
		run.dropped++
		run.mu.Unlock()
		run.logger.Debugw("inference busy, dropping tick", "at", st.CurrentTime)
		return
	}
	run.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		defer run.inFlight.Store(false)
		if err := run.processFrame(run.cancelCtx); err != nil && run.cancelCtx.Err() == nil {
			// live semantics: a failed tick is skippable
			run.logger.Warnw("inference failed, skipping frame", "at", st.CurrentTime, "error", err)
		}
		run.progress.ObserveTime(st.CurrentTime)
	}, run.activeBackgroundWorkers.Done)
}

// processFrame runs the full per-tick pipeline: sample, preprocess, infer,
// decode, suppress, map, publish. The frame, tensor, and raw output are owned
// by this tick and dropped when it returns.
func (run *Run) processFrame(ctx context.Context) error {
	frame, err := run.surface.Frame(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot sample frame")
	}
	in, err := run.prep.Process(frame.Image)
	if err != nil {
		return errors.Wrap(err, "cannot preprocess frame")
	}
	out, err := run.engine.Infer(ctx, engine.Tensors{"image": in.Tensor})
	if err != nil {
		return errors.Wrap(err, "inference failed")
	}
	// a run stopped mid-inference discards the stale result
	if run.state.get() != StateRunning {
		return nil
	}
	dets, err := run.dec.Decode(out, run.md)
	if err != nil {
		// unusable output tensor: zero detections for this tick
		run.logger.Warnw("cannot decode model output", "at", frame.Timestamp, "error", err)
		dets = nil
	}
	for _, post := range run.post {
		dets = post(dets)
	}

	mapper := transform.NewMapper(in.Scale, frame.Width, frame.Height)
	if w, h := run.displaySize(); w > 0 && h > 0 {
		mapper.SetDisplaySize(w, h)
	}

	set := detection.Set{At: frame.Timestamp, Detections: dets}
	run.mu.Lock()
	if run.cfg.KeepLastNonEmpty && set.Empty() && !run.detections.Empty() {
		set = run.detections
	} else {
		run.detections = set
	}
	run.processed++
	run.mu.Unlock()

	if run.sink != nil {
		run.sink(frame, set, mapper)
	}
	return nil
}
