package cmd

import (
	"math"
	"testing"

	"github.com/drgolem/streamsync/internal/config"

	"github.com/spf13/pflag"
)

func TestFormatClock(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00.000"},
		{7.35, "00:00:07.350"},
		{3725.5, "01:02:05.500"},
		{math.NaN(), "unknown"},
		{math.Inf(1), "unknown"},
	}
	for _, tt := range tests {
		if got := formatClock(tt.seconds); got != tt.want {
			t.Errorf("formatClock(%v) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestAudioFlagsOverrideOnlyWhenSet(t *testing.T) {
	var f audioFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.register(fs)
	if err := fs.Parse([]string{"--backend", "shim", "--copy"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	c := config.Default()
	c.Audio.FramesPerBuffer = 1024
	f.apply(fs, c)

	if c.Audio.Backend != "shim" {
		t.Errorf("Audio.Backend = %q, want %q", c.Audio.Backend, "shim")
	}
	if c.Audio.FramesPerBuffer != 1024 {
		t.Errorf("Audio.FramesPerBuffer = %d, want the config value 1024", c.Audio.FramesPerBuffer)
	}
	if c.Codec.UseTransfer() {
		t.Error("Codec.UseTransfer() = true, want false after --copy")
	}
	if !c.Codec.UseWorker() {
		t.Error("Codec.UseWorker() = false, want the default true")
	}
}
