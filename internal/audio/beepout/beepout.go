// Package beepout plays audio through the beep speaker. The speaker
// mixes stereo float64 frames, so the output is always two channels.
package beepout

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/drgolem/streamsync/internal/audio"
	"github.com/drgolem/streamsync/pkg/types"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

// Output is an audio.Backend backed by beep's speaker.
type Output struct {
	rate  beep.SampleRate
	size  int
	log   *slog.Logger
	epoch time.Time

	mu      sync.Mutex
	current *streamer
}

// New initializes the speaker with a period of bufferSize samples.
// Only one Output may exist at a time.
func New(rate, bufferSize int, logger *slog.Logger) (*Output, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sr := beep.SampleRate(rate)
	if err := speaker.Init(sr, bufferSize); err != nil {
		return nil, fmt.Errorf("failed to initialize speaker: %w", err)
	}
	o := &Output{
		rate:  sr,
		size:  bufferSize,
		log:   logger.With("component", "beepout"),
		epoch: time.Now(),
	}
	o.log.Debug("Speaker initialized",
		"sample_rate", rate,
		"buffer_size", bufferSize,
		"latency", sr.D(bufferSize))
	return o, nil
}

func (o *Output) Rate() int       { return int(o.rate) }
func (o *Output) Channels() int   { return 2 }
func (o *Output) BufferSize() int { return o.size }

func (o *Output) CurrentTime() float64 {
	return time.Since(o.epoch).Seconds()
}

func (o *Output) WaitUntilReady(fn func()) {
	fn()
}

func (o *Output) Start(r audio.Renderer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return nil
	}
	s := &streamer{
		out:  o,
		pump: audio.NewPump(r, 2, o.size, int(o.rate)),
	}
	o.current = s
	speaker.Play(s)
	return nil
}

func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return audio.ErrNotStarted
	}
	// Clear holds the speaker lock, so no Stream call is in progress
	// once it returns.
	speaker.Clear()
	o.current = nil
	return nil
}

func (o *Output) Close() error {
	if err := o.Stop(); err != nil && err != audio.ErrNotStarted {
		return err
	}
	speaker.Close()
	return nil
}

// streamer adapts the planar float32 pump to beep's stereo frames.
type streamer struct {
	out     *Output
	pump    *audio.Pump
	scratch types.SampleBuffer
	nextEnd float64
}

var _ beep.Streamer = (*streamer)(nil)

func (s *streamer) Stream(samples [][2]float64) (int, bool) {
	n := len(samples)
	if s.scratch.Len() < n {
		s.scratch = types.NewSampleBuffer(2, n)
	}
	buf := types.SampleBuffer{s.scratch[0][:n], s.scratch[1][:n]}

	start := math.Max(s.out.CurrentTime(), s.nextEnd)
	s.pump.Fill(buf, start)
	s.nextEnd = start + s.out.rate.D(n).Seconds()

	for i := range samples {
		samples[i][0] = float64(buf[0][i])
		samples[i][1] = float64(buf[1][i])
	}
	return n, true
}

func (s *streamer) Err() error { return nil }
