// Package playback defines the playback surface the scheduler drives: a
// read-only view of playback state, transport controls, and the notification
// stream the scheduling strategies consume.
package playback

import (
	"context"
	"image"
	"sync"
)

// State is a read-only snapshot of the playback surface.
type State struct {
	// CurrentTime is the playback position in seconds.
	CurrentTime float64
	// Duration is the media length in seconds.
	Duration float64
	Paused   bool
	Ended    bool
}

// EventKind enumerates surface notifications.
type EventKind int

const (
	// EventPlay fires when playback starts or resumes.
	EventPlay EventKind = iota
	// EventPause fires when playback pauses.
	EventPause
	// EventSeeked fires once a seek has been acknowledged by the surface.
	EventSeeked
	// EventDataReady fires when the surface has media ready to sample.
	EventDataReady
	// EventEnded fires when playback reaches the media duration.
	EventEnded
	// EventDisplayFrame fires once per displayed frame while playing.
	EventDisplayFrame
)

// Event is a surface notification stamped with the playback time it refers to.
type Event struct {
	Kind EventKind
	At   float64
}

// Frame is one decoded video frame. Pixel data is transient: it is owned by
// the tick that pulled it and must not be retained across ticks.
type Frame struct {
	Image     image.Image
	Timestamp float64
	Width     int
	Height    int
}

// Surface is the playback collaborator. The core reads state and frames and
// drives transport; it never owns playback itself.
type Surface interface {
	// State returns the current playback snapshot.
	State() State
	// Frame returns the frame at the current playback position.
	Frame(ctx context.Context) (*Frame, error)
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	// Seek moves playback to t seconds and returns once the surface has
	// acknowledged the new position.
	Seek(ctx context.Context, t float64) error
	// Subscribe registers for surface events. The returned release function
	// detaches the listener and must be called exactly once.
	Subscribe() (<-chan Event, func())
	Close(ctx context.Context) error
}

// eventHub fans surface events out to subscribers. Sends never block: a
// subscriber that falls behind loses events, keeping memory bounded.
type eventHub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

const subscriberBuffer = 16

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = map[int]chan Event{}
	}
	id := h.next
	h.next++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
