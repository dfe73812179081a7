package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/drgolem/streamsync/internal/framesink"
	"github.com/drgolem/streamsync/internal/player"

	"github.com/drgolem/go-portaudio/portaudio"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	playAudio         audioFlags
	playSeek          float64
	playSnapshotDir   string
	playSnapshotEvery int
	playSnapshotWidth uint
)

// playerCmd represents the play command
var playerCmd = &cobra.Command{
	Use:   "play <input> [input...]",
	Short: "Play audio/video inputs in sequence",
	Long: `Play one or more inputs one after another. An input is a local path or an
http(s) URL; URLs are streamed with range requests.

Audio is played through the selected output, and its position is the
playback clock. Video frames are presented against that clock and can be
saved as PNG snapshots.

Examples:
  # Play a WAV file
  streamsync play audio.wav

  # Play an Ogg Vorbis file, then a WAV file
  streamsync play music.ogg audio.wav

  # Stream a synthetic A/V clip and start at 7.5 seconds
  streamsync play --seek 7.5 http://localhost:8080/clip.synth

  # Save every 25th frame, scaled to 320 pixels wide
  streamsync play --snapshot-dir frames --snapshot-width 320 clip.synth

  # Play without a sound card, on the wall clock
  streamsync play -b shim clip.synth

Supported Formats:
  WAV:   .wav, .wave (8/16/24/32-bit PCM)
  Ogg:   .ogg, .oga (Vorbis)
  Synth: .synth (streamsync test container, audio + video)

Status Reporting:
  Playback status is logged every status interval (2 seconds by default)
  showing the position, queued audio, download progress and frames drawn.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlayer,
}

func init() {
	rootCmd.AddCommand(playerCmd)

	playAudio.register(playerCmd.Flags())
	playerCmd.Flags().Float64Var(&playSeek, "seek", 0, "Start position in seconds")
	playerCmd.Flags().StringVar(&playSnapshotDir, "snapshot-dir", "", "Write PNG snapshots of video frames to this directory")
	playerCmd.Flags().IntVar(&playSnapshotEvery, "snapshot-every", 25, "Frames between snapshots")
	playerCmd.Flags().UintVar(&playSnapshotWidth, "snapshot-width", 0, "Snapshot width in pixels (0 keeps the frame width)")
}

func runPlayer(cmd *cobra.Command, args []string) error {
	fs := cmd.Flags()
	playAudio.apply(fs, cfg)
	if fs.Changed("snapshot-dir") {
		cfg.Video.SnapshotDir = playSnapshotDir
	}
	if fs.Changed("snapshot-every") {
		cfg.Video.SnapshotEvery = playSnapshotEvery
	}
	if fs.Changed("snapshot-width") {
		cfg.Video.SnapshotWidth = int(playSnapshotWidth)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Audio.Backend == "portaudio" {
		slog.Info("Initializing PortAudio")
		if err := portaudio.Initialize(); err != nil {
			slog.Error("Hint: Make sure PortAudio is installed on your system")
			return fmt.Errorf("failed to initialize PortAudio: %w", err)
		}
		defer portaudio.Terminate()
		slog.Info("PortAudio initialized", "version", portaudio.GetVersion())
	}

	slog.Info("Audio configuration",
		"backend", cfg.Audio.Backend,
		"device_index", cfg.Audio.Device,
		"frames_per_buffer", cfg.Audio.FramesPerBuffer,
		"resampler", cfg.Audio.Resampler,
		"worker", cfg.Codec.UseWorker(),
		"transfer", cfg.Codec.UseTransfer())

	opts := playerOptions(cfg, playAudio.stream, slog.Default())
	opts.FrameSink = &framesink.Discard{}
	if dir := cfg.Video.SnapshotDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
		opts.FrameSink = &framesink.Snapshot{
			Dir:    dir,
			Every:  cfg.Video.SnapshotEvery,
			Width:  uint(cfg.Video.SnapshotWidth),
			Logger: slog.Default(),
		}
	}

	p := player.New(opts)
	defer p.Close()
	sub := p.Subscribe()

	failed := 0
	for i, input := range args {
		if ctx.Err() != nil {
			break
		}
		slog.Info("Playing input", "index", i+1, "total", len(args), "input", input)

		err := playOne(ctx, p, sub, input)
		p.Stop()
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			slog.Error("Playback failed", "input", input, "error", err)
			failed++
			continue
		}

		st := p.Stats()
		slog.Info("Input completed",
			"input", input,
			"frames_drawn", st.FramesDrawn,
			"frames_dropped", st.FramesDropped,
			"audio_decoded", st.AudioDecoded,
			"decode_errors", st.DecodeErrors,
			"dropped_audio", st.DroppedAudio,
			"jitter", st.Jitter)
	}

	if ctx.Err() != nil {
		slog.Info("Playback interrupted")
		return nil
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d inputs failed", failed, len(args))
	}
	slog.Info("All inputs completed", "total", len(args))
	return nil
}

// playOne loads input, plays it to the end and returns the terminal error.
func playOne(ctx context.Context, p *player.Player, sub *player.Subscription, input string) error {
	if err := p.Load(input); err != nil {
		return err
	}
	p.Play()

	playCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(playCtx)
	g.Go(func() error {
		defer cancel()
		return p.Wait(gctx)
	})
	g.Go(func() error {
		return monitorPlayback(gctx, p, cfg.Playback.StatusInterval)
	})
	g.Go(func() error {
		return followEvents(gctx, p, sub, playSeek)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// the input ended and cancelled the monitors
		return nil
	}
	return err
}

// followEvents logs player events and performs the start seek once
// metadata is in.
func followEvents(ctx context.Context, p *player.Player, sub *player.Subscription, seekTo float64) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done:
			return nil
		case e := <-sub.Events:
			switch e.Type {
			case player.EventLoadedMetadata:
				slog.Info("Metadata loaded",
					"duration", formatClock(p.Duration()),
					"seekable", len(p.Seekable()) > 0)
				if seekTo > 0 {
					if err := p.SetCurrentTime(seekTo); err != nil {
						slog.Warn("Start seek failed", "target", seekTo, "error", err)
					}
				}
			case player.EventSeeked:
				slog.Info("Seeked", "position", formatClock(e.Time))
			case player.EventEnded:
				slog.Debug("Ended", "position", formatClock(e.Time))
			case player.EventError:
				slog.Debug("Player error", "error", e.Err)
			}
		}
	}
}
