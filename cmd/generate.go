package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/drgolem/streamsync/pkg/decoders/synth"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var genOpts = synth.DefaultOptions()

var generateCmd = &cobra.Command{
	Use:   "generate <output_file>",
	Short: "Write a synthetic audio/video test stream",
	Long: `Write a .synth stream: a sine tone plus a 4:2:0 video track whose luma
steps by one every frame, with keyframes at a fixed interval. The container
has no index, so seeking in it exercises bisection.

Examples:
  # Ten seconds of 8 kHz mono audio and 10 fps video
  streamsync generate clip.synth

  # One minute at 44.1 kHz stereo, 25 fps, keyframe every 2 seconds
  streamsync generate --duration 60 --rate 44100 --channels 2 --fps 25 --keyframe-interval 50 clip.synth

  # Leave the duration out of the header so players must probe for it
  streamsync generate --hide-duration clip.synth`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	f := generateCmd.Flags()
	f.Float64Var(&genOpts.Duration, "duration", genOpts.Duration, "Length in seconds")
	f.IntVar(&genOpts.Rate, "rate", genOpts.Rate, "Audio sample rate in Hz (0 disables audio)")
	f.IntVar(&genOpts.Channels, "channels", genOpts.Channels, "Audio channels")
	f.IntVar(&genOpts.PacketSamples, "packet-samples", genOpts.PacketSamples, "Audio samples per packet")
	f.Float64Var(&genOpts.Tone, "tone", genOpts.Tone, "Sine frequency in Hz")
	f.IntVar(&genOpts.Width, "width", genOpts.Width, "Frame width (0 disables video)")
	f.IntVar(&genOpts.Height, "height", genOpts.Height, "Frame height (0 disables video)")
	f.Float64Var(&genOpts.FPS, "fps", genOpts.FPS, "Frames per second")
	f.IntVar(&genOpts.KeyframeInterval, "keyframe-interval", genOpts.KeyframeInterval, "Frames between keyframes")
	f.BoolVar(&genOpts.HideDuration, "hide-duration", false, "Write zero as the duration")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	outFileName := args[0]
	if genOpts.Duration <= 0 {
		return fmt.Errorf("invalid duration %v", genOpts.Duration)
	}

	fOut, err := os.OpenFile(outFileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer fOut.Close()

	if err := synth.Generate(fOut, genOpts); err != nil {
		return fmt.Errorf("failed to write stream: %w", err)
	}
	info, err := fOut.Stat()
	if err != nil {
		return err
	}

	slog.Info("Stream written",
		"path", outFileName,
		"size", humanize.IBytes(uint64(info.Size())),
		"duration", genOpts.Duration,
		"sample_rate", genOpts.Rate,
		"channels", genOpts.Channels,
		"video", fmt.Sprintf("%dx%d@%gfps", genOpts.Width, genOpts.Height, genOpts.FPS),
		"keyframe_interval", genOpts.KeyframeInterval)
	return nil
}
