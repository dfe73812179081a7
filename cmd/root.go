package cmd

import (
	"log/slog"
	"os"

	"github.com/drgolem/streamsync/internal/config"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var (
	verbose    bool
	configPath string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "streamsync",
	Version: version,
	Short:   "Audio/video playback engine with audio-clock synchronization",
	Long: `streamsync - A playback engine that streams a media file over HTTP or
from disk, decodes audio and video on worker goroutines, and presents both
in sync with the audio output clock.

Features:
  - Chunked range streaming with seek and abort
  - Bisection seeking for containers without an index
  - Audio clock driven by the output device position
  - PortAudio, beep or wall-clock audio outputs
  - PNG frame snapshots

Commands:
  - play: Play one or more inputs in sequence
  - probe: Print the metadata of an input
  - render: Play an input through the wall-clock output into a WAV file
  - generate: Write a synthetic audio/video test stream`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLevel := slog.LevelInfo
		if verbose {
			logLevel = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))
		slog.SetDefault(logger)

		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (debug logging)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (TOML or YAML)")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
