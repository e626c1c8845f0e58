package runner

import (
	"github.com/pkg/errors"

	"github.com/boxsight/boxsight/preprocess"
)

// Strategy selects how ticks are scheduled.
type Strategy string

const (
	// StrategyClock drives ticks from a periodic timer at 1000/fps ms; ticks
	// arriving while inference is busy are dropped.
	StrategyClock = Strategy("clock")
	// StrategyDisplay drives ticks from the surface's display frame events,
	// skipping frames while inference is busy.
	StrategyDisplay = Strategy("display")
	// StrategySeek pauses playback and steps through the media one sample at
	// a time, producing reproducible frame sampling independent of load.
	StrategySeek = Strategy("seek")
)

// Config configures a detection run.
type Config struct {
	// FPS is the target sampling rate in frames per second.
	FPS float64 `json:"fps"`
	// Confidence is the minimum detection score to keep.
	Confidence float64 `json:"confidence"`
	// IOUThreshold is the same-class overlap above which a detection is
	// suppressed.
	IOUThreshold float64 `json:"iou_threshold"`
	// Labels optionally restricts output to the named classes.
	Labels []string `json:"labels,omitempty"`
	// ClassNames optionally overrides the model's class-index-to-name table.
	// Leave empty to use the names the model metadata declares.
	ClassNames []string `json:"class_names,omitempty"`
	// InputSize is the square model input size, e.g. 320 or 640.
	InputSize int `json:"input_size"`
	// Strategy defaults to clock scheduling.
	Strategy Strategy `json:"strategy,omitempty"`
	// Letterbox preserves aspect ratio when fitting frames; off means stretch.
	Letterbox bool `json:"letterbox,omitempty"`
	// KeepLastNonEmpty keeps showing the previous detections when a tick
	// finds nothing, instead of overwriting with an empty set.
	KeepLastNonEmpty bool `json:"keep_last_nonempty,omitempty"`
}

// Validate ensures all parts of the config are valid and fills defaults.
func (c *Config) Validate() error {
	if c.FPS <= 0 || c.FPS > 240 {
		return errors.Errorf("fps must be in (0,240], got %f", c.FPS)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return errors.Errorf("confidence must be in [0,1], got %f", c.Confidence)
	}
	if c.IOUThreshold <= 0 || c.IOUThreshold > 1 {
		return errors.Errorf("iou threshold must be in (0,1], got %f", c.IOUThreshold)
	}
	if c.InputSize <= 0 {
		return errors.Errorf("input size must be positive, got %d", c.InputSize)
	}
	switch c.Strategy {
	case "":
		c.Strategy = StrategyClock
	case StrategyClock, StrategyDisplay, StrategySeek:
	default:
		return errors.Errorf("unknown scheduling strategy %q", c.Strategy)
	}
	return nil
}

func (c *Config) resizePolicy() preprocess.Policy {
	if c.Letterbox {
		return preprocess.PolicyLetterbox
	}
	return preprocess.PolicyStretch
}
