package cmd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/drgolem/streamsync/internal/audio"
	"github.com/drgolem/streamsync/internal/framesink"
	"github.com/drgolem/streamsync/internal/player"
	"github.com/drgolem/streamsync/pkg/types"

	"github.com/spf13/cobra"
	wav "github.com/youpy/go-wav"
	"golang.org/x/sync/errgroup"
)

var (
	renderOut       string
	renderRate      int
	renderMono      bool
	renderResampler string
)

var renderCmd = &cobra.Command{
	Use:   "render <input>",
	Short: "Play an input through the wall-clock output into a WAV file",
	Long: `Play an input with the wall-clock audio output and record everything the
output renders into a 16-bit WAV file. Rendering runs in real time, so the
file captures exactly what playback would have sent to a sound card,
including silence for underruns.

Examples:
  # Render at the stream rate
  streamsync render clip.synth --out clip.wav

  # Render at 48 kHz mono with the SoX resampler
  streamsync render audio.wav --rate 48000 --mono --resampler soxr --out out.wav

Sample Rate Options:
  Common rates: 8000, 16000, 22050, 44100, 48000, 96000, 192000 Hz`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().StringVar(&renderOut, "out", "out_rendered.wav", "Output WAV file path")
	renderCmd.Flags().IntVar(&renderRate, "rate", 0, "Output sample rate in Hz (0 keeps the stream rate)")
	renderCmd.Flags().BoolVar(&renderMono, "mono", false, "Mix the output down to mono")
	renderCmd.Flags().StringVar(&renderResampler, "resampler", "linear", "Resampler: linear or soxr")
}

// pcmCapture collects rendered periods as interleaved 16-bit PCM.
type pcmCapture struct {
	mu      sync.Mutex
	data    []byte
	samples int
}

func (c *pcmCapture) add(buf types.SampleBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < buf.Len(); i++ {
		for ch := range buf {
			c.data = binary.LittleEndian.AppendUint16(c.data, uint16(pcm16(buf[ch][i])))
		}
	}
	c.samples += buf.Len()
}

func pcm16(v float32) int16 {
	switch {
	case v >= 1:
		return 32767
	case v <= -1:
		return -32768
	}
	return int16(v * 32767)
}

func runRender(cmd *cobra.Command, args []string) error {
	input := args[0]

	if renderRate < 0 || renderRate > 384000 {
		return fmt.Errorf("invalid sample rate %d, valid range 1-384000", renderRate)
	}
	if cmd.Flags().Changed("resampler") {
		cfg.Audio.Resampler = renderResampler
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	capture := &pcmCapture{}
	var outRate, outChannels int

	opts := playerOptions(cfg, false, slog.Default())
	opts.FrameSink = &framesink.Discard{}
	opts.AudioBackend = func(channels, rate int) (audio.Backend, error) {
		if renderRate > 0 {
			rate = renderRate
		}
		if renderMono {
			channels = 1
		}
		outRate, outChannels = rate, channels
		s := audio.NewShim(channels, rate, cfg.Audio.FramesPerBuffer)
		s.Tap = capture.add
		return s, nil
	}

	p := player.New(opts)
	if err := p.Load(input); err != nil {
		p.Close()
		return err
	}
	p.Play()

	slog.Info("Rendering", "input", input, "output_file", renderOut, "resampler", cfg.Audio.Resampler)

	playCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(playCtx)
	g.Go(func() error {
		defer cancel()
		return p.Wait(gctx)
	})
	g.Go(func() error {
		return monitorPlayback(gctx, p, cfg.Playback.StatusInterval)
	})
	err := g.Wait()
	cancel()
	// Close stops the output, so the capture is complete afterwards.
	p.Close()
	if err != nil && !(errors.Is(err, context.Canceled) && ctx.Err() == nil) {
		return err
	}

	if outRate == 0 {
		return fmt.Errorf("%s has no audio track", input)
	}

	capture.mu.Lock()
	data, samples := capture.data, capture.samples
	capture.mu.Unlock()

	slog.Info("Writing output WAV file",
		"path", renderOut,
		"sample_rate", outRate,
		"channels", outChannels,
		"samples", samples)
	return writeWAVFile(renderOut, data, uint32(samples), uint16(outChannels), uint32(outRate), 16)
}

// writeWAVFile writes audio data to a WAV file
func writeWAVFile(fileName string, audioData []byte, numSamples uint32, numChannels uint16, sampleRate uint32, bitsPerSample uint16) error {
	fOut, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer fOut.Close()

	wavWriter := wav.NewWriter(fOut, numSamples, numChannels, sampleRate, bitsPerSample)

	if _, err := wavWriter.Write(audioData); err != nil {
		return fmt.Errorf("failed to write WAV data: %w", err)
	}

	return nil
}
