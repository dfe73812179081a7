// Package audio owns the playback clock. A Feeder queues decoded sample
// blocks and hands them to a Backend one period at a time; the Backend's
// device clock drives both consumption and the reported playback position.
package audio

import (
	"errors"

	"github.com/drgolem/streamsync/pkg/types"
)

// ErrNotStarted is returned when stopping a backend that is not running.
var ErrNotStarted = errors.New("audio: backend not started")

// Renderer fills one output period. playbackTime is the backend clock
// time at which out starts playing. Render runs on the backend's device
// thread.
type Renderer interface {
	Render(out types.SampleBuffer, playbackTime float64)
}

// Backend is an output device with its own clock.
type Backend interface {
	Rate() int
	Channels() int
	BufferSize() int      // Samples per period
	CurrentTime() float64 // Device clock in seconds
	WaitUntilReady(fn func())
	Start(r Renderer) error
	Stop() error
	Close() error
}

// ClockState is a snapshot of the playback clock.
type ClockState struct {
	Position      float64 // Seconds of audio played since the feeder was created
	SamplesQueued int     // Output-rate samples queued or still in flight to the device
	Dropped       int     // Periods that underran
	Delayed       float64 // Seconds lost to late render callbacks
}
