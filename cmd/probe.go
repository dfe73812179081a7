package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/drgolem/streamsync/internal/audio"
	"github.com/drgolem/streamsync/internal/player"
	"github.com/drgolem/streamsync/pkg/decoders"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var probeTimeout time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe <input>",
	Short: "Print the metadata of an input",
	Long: `Load an input far enough to read its metadata, print it and stop.

For containers that do not record a duration the tail of the stream is
scanned for the last timestamp, as playback would do.

Examples:
  streamsync probe clip.synth
  streamsync probe http://localhost:8080/audio.wav`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 30*time.Second, "Give up after this long")
}

func runProbe(cmd *cobra.Command, args []string) error {
	input := args[0]

	p := player.New(player.Options{
		Registry: decoders.NewRegistry(),
		AudioBackend: func(channels, rate int) (audio.Backend, error) {
			return audio.NewShim(channels, rate, cfg.Audio.FramesPerBuffer), nil
		},
		HTTPClient:   &http.Client{Timeout: cfg.Stream.Timeout},
		ChunkSize:    cfg.Stream.ChunkSize,
		StreamBuffer: cfg.Stream.BufferSize,
		ReadSize:     cfg.Stream.ReadSize,
		Logger:       slog.Default(),
	})
	defer p.Close()
	sub := p.Subscribe()

	if err := p.Load(input); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	for loaded := false; !loaded; {
		select {
		case <-ctx.Done():
			return fmt.Errorf("metadata not loaded: %w", ctx.Err())
		case e := <-sub.Events:
			switch e.Type {
			case player.EventLoadedMetadata:
				loaded = true
			case player.EventError:
				return e.Err
			}
		}
	}

	status := p.GetPlaybackStatus()
	fmt.Printf("Input:     %s\n", input)
	if status.BytesTotal > 0 {
		fmt.Printf("Size:      %s\n", humanize.IBytes(uint64(status.BytesTotal)))
	}
	fmt.Printf("Duration:  %s\n", formatClock(p.Duration()))
	if r := p.Seekable(); len(r) > 0 {
		fmt.Printf("Seekable:  %s - %s\n", formatClock(r[0].Start), formatClock(r[0].End))
	} else {
		fmt.Println("Seekable:  no")
	}
	if f := p.AudioFormat(); f != nil {
		fmt.Printf("Audio:     %d Hz, %d channels\n", f.Rate, f.Channels)
	}
	if f := p.VideoFormat(); f != nil {
		fmt.Printf("Video:     %dx%d, %.3f fps\n", f.Width, f.Height, f.FPS)
	}
	return nil
}
