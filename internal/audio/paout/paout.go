// Package paout plays audio through PortAudio in callback mode.
//
// The PortAudio callback runs on a C audio thread. It pulls whole periods
// from the feeder through an audio.Pump and converts them to interleaved
// 16-bit PCM.
package paout

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/drgolem/streamsync/internal/audio"
	"github.com/drgolem/streamsync/pkg/types"

	"github.com/drgolem/go-portaudio/portaudio"
)

// Config selects the output device and stream shape.
type Config struct {
	DeviceIndex     int
	Rate            int
	Channels        int
	FramesPerBuffer int
}

// Output is an audio.Backend backed by a PortAudio stream.
// portaudio.Initialize must have been called.
type Output struct {
	cfg   Config
	log   *slog.Logger
	epoch time.Time

	mu      sync.Mutex
	stream  *portaudio.PaStream
	pump    *audio.Pump
	scratch types.SampleBuffer
	nextEnd float64
}

// New creates an output. The stream is opened on Start.
func New(cfg Config, logger *slog.Logger) (*Output, error) {
	if cfg.Rate <= 0 || cfg.Channels <= 0 || cfg.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("invalid output config: %+v", cfg)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Output{
		cfg:   cfg,
		log:   logger.With("component", "paout"),
		epoch: time.Now(),
	}, nil
}

func (o *Output) Rate() int       { return o.cfg.Rate }
func (o *Output) Channels() int   { return o.cfg.Channels }
func (o *Output) BufferSize() int { return o.cfg.FramesPerBuffer }

func (o *Output) CurrentTime() float64 {
	return time.Since(o.epoch).Seconds()
}

// WaitUntilReady calls fn immediately; PortAudio devices are usable once
// initialized.
func (o *Output) WaitUntilReady(fn func()) {
	fn()
}

func (o *Output) Start(r audio.Renderer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream != nil {
		return nil
	}

	o.pump = audio.NewPump(r, o.cfg.Channels, o.cfg.FramesPerBuffer, o.cfg.Rate)
	o.scratch = types.NewSampleBuffer(o.cfg.Channels, o.cfg.FramesPerBuffer)
	o.nextEnd = 0

	stream := &portaudio.PaStream{
		OutputParameters: &portaudio.PaStreamParameters{
			DeviceIndex:  o.cfg.DeviceIndex,
			ChannelCount: o.cfg.Channels,
			SampleFormat: portaudio.SampleFmtInt16,
		},
		SampleRate: float64(o.cfg.Rate),
	}
	if err := stream.OpenCallback(o.cfg.FramesPerBuffer, o.callback); err != nil {
		return fmt.Errorf("failed to open stream with callback: %w", err)
	}
	if err := stream.StartStream(); err != nil {
		if cerr := stream.CloseCallback(); cerr != nil {
			o.log.Warn("Failed to close stream", "error", cerr)
		}
		return fmt.Errorf("failed to start stream: %w", err)
	}
	o.stream = stream

	o.log.Debug("Output stream started",
		"device_index", o.cfg.DeviceIndex,
		"sample_rate", o.cfg.Rate,
		"channels", o.cfg.Channels,
		"frames_per_buffer", o.cfg.FramesPerBuffer)
	return nil
}

// callback runs on PortAudio's audio thread. It must not block on the
// player; the feeder lock is held only for the length of one copy.
func (o *Output) callback(
	input, output []byte,
	frameCount uint,
	timeInfo *portaudio.StreamCallbackTimeInfo,
	statusFlags portaudio.StreamCallbackFlags,
) portaudio.StreamCallbackResult {
	n := int(frameCount)
	if n > o.scratch.Len() {
		o.scratch = types.NewSampleBuffer(o.cfg.Channels, n)
	}
	buf := make(types.SampleBuffer, o.cfg.Channels)
	for c := range buf {
		buf[c] = o.scratch[c][:n]
	}

	// Periods play back to back; the device clock is never behind the
	// end of the previous one.
	start := math.Max(o.CurrentTime(), o.nextEnd)
	o.pump.Fill(buf, start)
	o.nextEnd = start + float64(n)/float64(o.cfg.Rate)

	off := 0
	for i := 0; i < n; i++ {
		for c := range buf {
			binary.LittleEndian.PutUint16(output[off:], uint16(toInt16(buf[c][i])))
			off += 2
		}
	}
	return portaudio.Continue
}

func toInt16(v float32) int16 {
	switch {
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return -math.MaxInt16
	}
	return int16(v * math.MaxInt16)
}

func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream == nil {
		return audio.ErrNotStarted
	}
	stream := o.stream
	o.stream = nil

	if err := stream.StopStream(); err != nil {
		o.log.Warn("Failed to stop stream", "error", err)
	}
	if err := stream.CloseCallback(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	o.log.Debug("Output stream stopped")
	return nil
}

func (o *Output) Close() error {
	if err := o.Stop(); err != nil && err != audio.ErrNotStarted {
		return err
	}
	return nil
}
