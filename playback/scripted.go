package playback

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
)

// Scripted is an in-memory playback surface producing synthetic frames. It is
// manually pumped (Advance) rather than clocked, which makes scheduler tests
// deterministic, and doubles as the demo surface when no media backend is
// available.
type Scripted struct {
	mu       sync.Mutex
	hub      eventHub
	width    int
	height   int
	duration float64
	current  float64
	paused   bool
	ended    bool
	closed   bool
	seeks    int
}

// NewScripted creates a scripted surface of the given duration in seconds and
// frame pixel size. It starts paused at time zero.
func NewScripted(duration float64, width, height int) *Scripted {
	s := &Scripted{
		width:    width,
		height:   height,
		duration: duration,
		paused:   true,
	}
	s.hub.publish(Event{Kind: EventDataReady})
	return s
}

// State implements Surface.
func (s *Scripted) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		CurrentTime: s.current,
		Duration:    s.duration,
		Paused:      s.paused,
		Ended:       s.ended,
	}
}

// Frame returns a synthetic uniform frame stamped with the current time.
func (s *Scripted) Frame(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("playback surface is closed")
	}
	// shade tracks playback position so frames differ over time
	shade := uint8(0)
	if s.duration > 0 {
		shade = uint8(255 * s.current / s.duration)
	}
	img := image.NewNRGBA(image.Rect(0, 0, s.width, s.height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = shade
		img.Pix[i+1] = shade
		img.Pix[i+2] = shade
		img.Pix[i+3] = 255
	}
	return &Frame{Image: img, Timestamp: s.current, Width: s.width, Height: s.height}, nil
}

// Play implements Surface.
func (s *Scripted) Play(ctx context.Context) error {
	s.mu.Lock()
	s.paused = false
	at := s.current
	s.mu.Unlock()
	s.hub.publish(Event{Kind: EventPlay, At: at})
	return nil
}

// Pause implements Surface.
func (s *Scripted) Pause(ctx context.Context) error {
	s.mu.Lock()
	s.paused = true
	at := s.current
	s.mu.Unlock()
	s.hub.publish(Event{Kind: EventPause, At: at})
	return nil
}

// Seek acknowledges immediately: the position is updated before the Seeked
// event is published and before Seek returns.
func (s *Scripted) Seek(ctx context.Context, t float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("playback surface is closed")
	}
	if t < 0 {
		t = 0
	}
	if t > s.duration {
		t = s.duration
	}
	s.current = t
	s.ended = t >= s.duration
	s.seeks++
	ended := s.ended
	s.mu.Unlock()

	s.hub.publish(Event{Kind: EventSeeked, At: t})
	if ended {
		s.hub.publish(Event{Kind: EventEnded, At: t})
	}
	return nil
}

// Advance moves playback forward by dt seconds and publishes a display frame
// event, simulating one displayed frame while playing.
func (s *Scripted) Advance(dt float64) {
	s.mu.Lock()
	if s.paused || s.ended {
		s.mu.Unlock()
		return
	}
	s.current += dt
	ended := false
	if s.current >= s.duration {
		s.current = s.duration
		s.ended = true
		ended = true
	}
	at := s.current
	s.mu.Unlock()

	if ended {
		s.hub.publish(Event{Kind: EventEnded, At: at})
		return
	}
	s.hub.publish(Event{Kind: EventDisplayFrame, At: at})
}

// SeekCount reports how many seeks have been acknowledged; used by tests.
func (s *Scripted) SeekCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeks
}

// Subscribe implements Surface.
func (s *Scripted) Subscribe() (<-chan Event, func()) {
	return s.hub.subscribe()
}

// Close implements Surface.
func (s *Scripted) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
