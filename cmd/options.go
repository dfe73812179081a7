package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/drgolem/streamsync/internal/audio"
	"github.com/drgolem/streamsync/internal/audio/beepout"
	"github.com/drgolem/streamsync/internal/audio/paout"
	"github.com/drgolem/streamsync/internal/config"
	"github.com/drgolem/streamsync/internal/player"
	"github.com/drgolem/streamsync/pkg/decoders"
	"github.com/drgolem/streamsync/pkg/types"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
)

// audioFlags are the output settings every playing command accepts.
type audioFlags struct {
	backend   string
	device    int
	frames    int
	rate      int
	resampler string
	volume    float64
	mute      bool
	noWorker  bool
	copyBufs  bool
	stream    bool
}

func (f *audioFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.backend, "backend", "b", "portaudio", "Audio output: portaudio, beep or shim")
	fs.IntVarP(&f.device, "device", "d", 1, "PortAudio output device index")
	fs.IntVarP(&f.frames, "frames", "f", 4096, "Audio frames per buffer")
	fs.IntVar(&f.rate, "rate", 0, "Output sample rate in Hz (0 keeps the stream rate)")
	fs.StringVar(&f.resampler, "resampler", "linear", "Resampler: linear or soxr")
	fs.Float64Var(&f.volume, "volume", 1, "Output volume (0-1)")
	fs.BoolVar(&f.mute, "mute", false, "Start muted")
	fs.BoolVar(&f.noWorker, "no-worker", false, "Decode on the scheduler goroutine")
	fs.BoolVar(&f.copyBufs, "copy", false, "Copy buffers across the decoder proxy instead of handing them over")
	fs.BoolVar(&f.stream, "stream-transport", false, "Carry the decoder proxy over a byte stream")
}

// apply overrides config values with the flags the user set.
func (f *audioFlags) apply(fs *pflag.FlagSet, c *config.Config) {
	if fs.Changed("backend") {
		c.Audio.Backend = f.backend
	}
	if fs.Changed("device") {
		c.Audio.Device = f.device
	}
	if fs.Changed("frames") {
		c.Audio.FramesPerBuffer = f.frames
	}
	if fs.Changed("rate") {
		c.Audio.SampleRate = f.rate
	}
	if fs.Changed("resampler") {
		c.Audio.Resampler = f.resampler
	}
	if fs.Changed("volume") {
		c.Audio.Volume = f.volume
	}
	if fs.Changed("mute") {
		c.Audio.Muted = f.mute
	}
	if fs.Changed("no-worker") {
		worker := !f.noWorker
		c.Codec.Worker = &worker
	}
	if fs.Changed("copy") {
		transfer := !f.copyBufs
		c.Codec.Transfer = &transfer
	}
}

// newBackend returns the player's audio output factory for the configured
// backend. Rate and channels left at zero follow the stream.
func newBackend(c config.AudioConfig, logger *slog.Logger) func(channels, rate int) (audio.Backend, error) {
	return func(channels, rate int) (audio.Backend, error) {
		if c.SampleRate > 0 {
			rate = c.SampleRate
		}
		if c.Channels > 0 {
			channels = c.Channels
		}
		switch c.Backend {
		case "portaudio":
			out, err := paout.New(paout.Config{
				DeviceIndex:     c.Device,
				Rate:            rate,
				Channels:        channels,
				FramesPerBuffer: c.FramesPerBuffer,
			}, logger)
			if err != nil {
				return nil, err
			}
			return out, nil
		case "beep":
			out, err := beepout.New(rate, c.FramesPerBuffer, logger)
			if err != nil {
				return nil, err
			}
			return out, nil
		default:
			return audio.NewShim(channels, rate, c.FramesPerBuffer), nil
		}
	}
}

func playerOptions(c *config.Config, stream bool, logger *slog.Logger) player.Options {
	return player.Options{
		Registry:           decoders.NewRegistry(),
		AudioBackend:       newBackend(c.Audio, logger),
		Resampler:          c.Audio.Resampler,
		Volume:             &c.Audio.Volume,
		Muted:              c.Audio.Muted,
		Worker:             c.Codec.UseWorker(),
		Transfer:           c.Codec.UseTransfer(),
		Stream:             stream,
		MaxDecodeErrors:    c.Codec.MaxDecodeErrors,
		TimeUpdateInterval: c.Playback.TimeUpdateInterval,
		HTTPClient:         &http.Client{Timeout: c.Stream.Timeout},
		ChunkSize:          c.Stream.ChunkSize,
		StreamBuffer:       c.Stream.BufferSize,
		ReadSize:           c.Stream.ReadSize,
		Logger:             logger,
	}
}

// monitorPlayback logs playback status every interval until ctx is done.
func monitorPlayback(ctx context.Context, monitor types.PlaybackMonitor, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status := monitor.GetPlaybackStatus()

			queued := "0.000s"
			if status.SampleRate > 0 {
				queued = fmt.Sprintf("%.3fs", float64(status.BufferedSamples)/float64(status.SampleRate))
			}
			download := humanize.IBytes(uint64(status.BytesBuffered))
			if status.BytesTotal > 0 {
				download += "/" + humanize.IBytes(uint64(status.BytesTotal))
			}
			outputStr := fmt.Sprintf("%dHz:%dch:%dframes",
				status.SampleRate, status.Channels, status.FramesPerBuffer)

			slog.Info("Playback status",
				"file", status.FileName,
				"output", outputStr,
				"position", formatClock(status.Position),
				"duration", formatClock(status.Duration),
				"queued", queued,
				"downloaded", download,
				"frames_drawn", status.FramesDrawn,
				"dropped_audio", status.DroppedAudio,
				"elapsed", formatClock(status.ElapsedTime.Seconds()))
		case <-ctx.Done():
			return nil
		}
	}
}

// formatClock formats seconds as hh:mm:ss.msec.
func formatClock(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return "unknown"
	}
	totalMilliseconds := int64(math.Round(seconds * 1000))
	hours := totalMilliseconds / 3600000
	minutes := (totalMilliseconds % 3600000) / 60000
	secs := (totalMilliseconds % 60000) / 1000
	milliseconds := totalMilliseconds % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, secs, milliseconds)
}
