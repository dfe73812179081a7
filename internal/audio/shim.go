package audio

import (
	"sync"
	"time"

	"github.com/drgolem/streamsync/pkg/types"
)

// Shim is a Backend without a device. A goroutine renders one period per
// period duration of wall-clock time, so the clock behaves like real
// hardware. Tap, if set, receives every rendered period.
type Shim struct {
	rate       int
	channels   int
	bufferSize int
	epoch      time.Time

	// Tap is called on the render goroutine with each period. The buffer
	// is reused; Tap must copy what it keeps.
	Tap func(buf types.SampleBuffer)

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewShim creates a shim clock.
func NewShim(channels, rate, bufferSize int) *Shim {
	return &Shim{
		rate:       rate,
		channels:   channels,
		bufferSize: bufferSize,
		epoch:      time.Now(),
	}
}

func (s *Shim) Rate() int       { return s.rate }
func (s *Shim) Channels() int   { return s.channels }
func (s *Shim) BufferSize() int { return s.bufferSize }

func (s *Shim) CurrentTime() float64 {
	return time.Since(s.epoch).Seconds()
}

// WaitUntilReady calls fn immediately.
func (s *Shim) WaitUntilReady(fn func()) {
	fn()
}

func (s *Shim) Start(r Renderer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(r, s.stop, s.done)
	return nil
}

func (s *Shim) run(r Renderer, stop, done chan struct{}) {
	defer close(done)

	buf := types.NewSampleBuffer(s.channels, s.bufferSize)
	period := time.Duration(float64(s.bufferSize) / float64(s.rate) * float64(time.Second))
	next := s.CurrentTime()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		r.Render(buf, next)
		if s.Tap != nil {
			s.Tap(buf)
		}

		next += period.Seconds()
		// a stall longer than a period restarts the schedule
		if now := s.CurrentTime(); next < now-period.Seconds() {
			next = now
		}
		timer.Reset(time.Duration((next - s.CurrentTime()) * float64(time.Second)))
	}
}

func (s *Shim) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return ErrNotStarted
	}
	close(stop)
	<-done
	return nil
}

func (s *Shim) Close() error {
	if err := s.Stop(); err != nil && err != ErrNotStarted {
		return err
	}
	return nil
}
