package runner

import "sync"

// Tracker estimates run completion as a percentage in [0,100]. The estimation
// basis (frames processed vs playback timeline) is fixed when the run starts
// and the reported value never regresses within a run.
type Tracker struct {
	mu    sync.Mutex
	total float64
	value float64
}

// NewFrameTracker tracks progress as frames processed out of an expected total.
func NewFrameTracker(expectedFrames int) *Tracker {
	return &Tracker{total: float64(expectedFrames)}
}

// NewTimelineTracker tracks progress as playback time out of the duration.
func NewTimelineTracker(duration float64) *Tracker {
	return &Tracker{total: duration}
}

// ObserveFrames records the number of frames processed so far.
func (t *Tracker) ObserveFrames(processed int) {
	t.observe(float64(processed))
}

// ObserveTime records the current playback time in seconds.
func (t *Tracker) ObserveTime(current float64) {
	t.observe(current)
}

func (t *Tracker) observe(done float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total <= 0 {
		return
	}
	pct := 100 * done / t.total
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct > t.value {
		t.value = pct
	}
}

// Percent returns the current completion estimate.
func (t *Tracker) Percent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}
