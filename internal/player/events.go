package player

import (
	"sync"
	"time"
)

const eventBufferSize = 64

// EventType identifies a player event.
type EventType int

const (
	EventLoadedMetadata EventType = iota
	EventDurationChange
	EventPlay
	EventPause
	EventSeeking
	EventSeeked
	EventEnded
	EventTimeUpdate
	EventFrame
	EventError
)

// String returns the event name as a media element would spell it.
func (e EventType) String() string {
	switch e {
	case EventLoadedMetadata:
		return "loadedmetadata"
	case EventDurationChange:
		return "durationchange"
	case EventPlay:
		return "play"
	case EventPause:
		return "pause"
	case EventSeeking:
		return "seeking"
	case EventSeeked:
		return "seeked"
	case EventEnded:
		return "ended"
	case EventTimeUpdate:
		return "timeupdate"
	case EventFrame:
		return "framecallback"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// FrameTiming is carried by EventFrame.
type FrameTiming struct {
	CPUTime   time.Duration // Demux and decode time spent on the frame
	ClockTime time.Duration // Wall-clock time since the previous frame
}

// Event is emitted by the player.
type Event struct {
	Type  EventType
	Time  float64     // Playback position when the event fired
	Frame FrameTiming // EventFrame only
	Err   error       // EventError only
}

// Subscription provides the event channel for a subscriber. Events are
// dropped when the subscriber falls more than eventBufferSize behind.
type Subscription struct {
	Events <-chan Event
	Done   <-chan struct{}

	events chan Event
	done   chan struct{}
}

func newSubscription() *Subscription {
	s := &Subscription{
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
	}
	s.Events = s.events
	s.Done = s.done
	return s
}

func (s *Subscription) send(e Event) {
	select {
	case s.events <- e:
	default:
	}
}

func (s *Subscription) close() {
	close(s.done)
}

// hub fans events out to subscribers. emit runs on the loop; subscribe
// and close may be called from anywhere.
type hub struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

func (h *hub) subscribe() *Subscription {
	s := newSubscription()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.close()
		return s
	}
	h.subs = append(h.subs, s)
	return s
}

func (h *hub) emit(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		s.send(e)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, s := range h.subs {
		s.close()
	}
	h.subs = nil
}
