package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/drgolem/streamsync/pkg/bufferqueue"
	"github.com/drgolem/streamsync/pkg/types"
)

// Option configures a Feeder.
type Option func(*Feeder)

// WithResampler replaces the default LinearResampler.
func WithResampler(r Resampler) Option {
	return func(f *Feeder) { f.resampler = r }
}

// WithLogger sets the feeder's logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feeder) { f.log = l }
}

// Feeder is the audio clock. The scheduler appends decoded buffers with
// BufferData; the backend pulls fixed periods through Render. Position
// advances with the backend clock only while real audio is playing.
//
// BufferData, PlaybackState and the control methods are safe to call from
// any goroutine; Render is called by the backend.
type Feeder struct {
	backend   Backend
	resampler Resampler
	log       *slog.Logger

	mu        sync.Mutex
	queue     *bufferqueue.Queue
	onStarved func()
	volume    float32
	muted     bool
	running   bool

	rendered int64   // Output samples of real audio handed to the backend
	tail     float64 // Backend time at which the last real audio finishes
	lastPos  float64
	dropped  int
	delayed  float64
}

// NewFeeder creates a feeder for decoded audio with the given channel
// count and rate, playing through backend.
func NewFeeder(backend Backend, channels, rate int, opts ...Option) (*Feeder, error) {
	if channels <= 0 || rate <= 0 {
		return nil, fmt.Errorf("invalid audio format: %d channels at %d Hz", channels, rate)
	}
	q, err := bufferqueue.New(backend.Channels(), backend.BufferSize())
	if err != nil {
		return nil, err
	}
	f := &Feeder{
		backend: backend,
		queue:   q,
		volume:  1,
		resampler: LinearResampler{
			InRate:      rate,
			OutRate:     backend.Rate(),
			OutChannels: backend.Channels(),
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With("component", "audio_feeder")
	f.log.Debug("Audio feeder created",
		"in_channels", channels,
		"in_rate", rate,
		"out_channels", backend.Channels(),
		"out_rate", backend.Rate(),
		"buffer_size", backend.BufferSize())
	return f, nil
}

// Rate returns the output sample rate.
func (f *Feeder) Rate() int { return f.backend.Rate() }

// BufferDuration returns the length of one output period in seconds.
func (f *Feeder) BufferDuration() float64 {
	return float64(f.backend.BufferSize()) / float64(f.backend.Rate())
}

// BufferData resamples buf to the output format and queues it.
func (f *Feeder) BufferData(buf types.SampleBuffer) error {
	out, err := f.resampler.Resample(buf)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.AppendBuffer(out)
}

// PlaybackState reports the clock.
func (f *Feeder) PlaybackState() ClockState {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.backend.CurrentTime()
	rate := float64(f.backend.Rate())
	inflight := math.Max(0, f.tail-now)

	pos := float64(f.rendered)/rate - inflight
	if pos < f.lastPos {
		pos = f.lastPos
	}
	f.lastPos = pos

	return ClockState{
		Position:      pos,
		SamplesQueued: f.queue.SampleCount() + int(math.Floor(inflight*rate)),
		Dropped:       f.dropped,
		Delayed:       f.delayed,
	}
}

// Render implements Renderer.
func (f *Feeder) Render(out types.SampleBuffer, playbackTime float64) {
	n := out.Len()

	f.mu.Lock()
	now := f.backend.CurrentTime()
	if late := now - playbackTime; late > 0 {
		f.delayed += late
		playbackTime = now
	}

	if f.queue.SampleCount() < n && f.onStarved != nil {
		cb := f.onStarved
		f.mu.Unlock()
		cb()
		f.mu.Lock()
	}

	starved := f.queue.SampleCount() < n
	got := 0
	if f.queue.SampleCount() > 0 {
		block := f.queue.NextBuffer()
		got = min(block.Len(), n)
		gain := f.volume
		if f.muted {
			gain = 0
		}
		for c := range out {
			src := block[c%block.Channels()]
			for i := 0; i < got; i++ {
				out[c][i] = src[i] * gain
			}
		}
	}
	for c := range out {
		clear(out[c][got:])
	}

	if starved {
		f.dropped++
	}
	if got > 0 {
		f.rendered += int64(got)
		f.tail = playbackTime + float64(got)/float64(f.backend.Rate())
	}
	f.mu.Unlock()

	if starved {
		f.log.Debug("Audio underrun", "rendered", got, "period", n)
	}
}

// Start begins pulling audio from the queue.
func (f *Feeder) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	if err := f.backend.Start(f); err != nil {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
		return fmt.Errorf("failed to start audio backend: %w", err)
	}
	return nil
}

// Stop halts output and freezes the position. Audio handed to the device
// but not yet played is discarded from the clock.
func (f *Feeder) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	f.mu.Unlock()

	err := f.backend.Stop()

	f.mu.Lock()
	now := f.backend.CurrentTime()
	if cut := f.tail - now; cut > 0 {
		f.rendered -= int64(math.Floor(cut * float64(f.backend.Rate())))
		f.tail = now
	}
	f.mu.Unlock()
	return err
}

// Running reports whether the backend is pulling audio.
func (f *Feeder) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Flush drops every queued sample.
func (f *Feeder) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue.Reset()
}

// Close stops and releases the backend.
func (f *Feeder) Close() error {
	if err := f.Stop(); err != nil {
		f.log.Debug("Stop before close failed", "error", err)
	}
	return f.backend.Close()
}

// WaitUntilReady calls fn once the backend can play.
func (f *Feeder) WaitUntilReady(fn func()) {
	f.backend.WaitUntilReady(fn)
}

// SetOnStarved installs a callback for underruns. It runs on the backend
// thread; a callback that refills the queue before returning saves the
// period from being dropped.
func (f *Feeder) SetOnStarved(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStarved = fn
}

// SetVolume sets the linear output gain.
func (f *Feeder) SetVolume(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume = float32(max(0, v))
}

// SetMuted silences output without stopping the clock.
func (f *Feeder) SetMuted(m bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = m
}
