package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := loadFiles(nil)
	if err != nil {
		t.Fatalf("loadFiles(nil) error = %v", err)
	}
	if cfg.Audio.Backend != "portaudio" {
		t.Errorf("Audio.Backend = %q, want %q", cfg.Audio.Backend, "portaudio")
	}
	if cfg.Audio.FramesPerBuffer != 4096 {
		t.Errorf("Audio.FramesPerBuffer = %d, want 4096", cfg.Audio.FramesPerBuffer)
	}
	if cfg.Stream.ChunkSize != 1<<20 {
		t.Errorf("Stream.ChunkSize = %d, want %d", cfg.Stream.ChunkSize, 1<<20)
	}
	if !cfg.Codec.UseWorker() || !cfg.Codec.UseTransfer() {
		t.Error("worker and transfer should default to on")
	}
	if cfg.Codec.MaxDecodeErrors != 32 {
		t.Errorf("Codec.MaxDecodeErrors = %d, want 32", cfg.Codec.MaxDecodeErrors)
	}
	if cfg.Playback.TimeUpdateInterval != 250*time.Millisecond {
		t.Errorf("Playback.TimeUpdateInterval = %v, want 250ms", cfg.Playback.TimeUpdateInterval)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "streamsync.toml", `
[audio]
backend = "shim"
frames_per_buffer = 1024
resampler = "soxr"
volume = 0.5

[stream]
chunk_size = 65536
timeout = "5s"

[codec]
worker = false
max_decode_errors = -1

[playback]
status_interval = "500ms"
`)
	cfg, err := loadFiles([]string{path})
	if err != nil {
		t.Fatalf("loadFiles() error = %v", err)
	}

	if cfg.Audio.Backend != "shim" {
		t.Errorf("Audio.Backend = %q, want %q", cfg.Audio.Backend, "shim")
	}
	if cfg.Audio.FramesPerBuffer != 1024 {
		t.Errorf("Audio.FramesPerBuffer = %d, want 1024", cfg.Audio.FramesPerBuffer)
	}
	if cfg.Audio.Resampler != "soxr" {
		t.Errorf("Audio.Resampler = %q, want %q", cfg.Audio.Resampler, "soxr")
	}
	if cfg.Audio.Volume != 0.5 {
		t.Errorf("Audio.Volume = %v, want 0.5", cfg.Audio.Volume)
	}
	if cfg.Stream.ChunkSize != 65536 {
		t.Errorf("Stream.ChunkSize = %d, want 65536", cfg.Stream.ChunkSize)
	}
	if cfg.Stream.Timeout != 5*time.Second {
		t.Errorf("Stream.Timeout = %v, want 5s", cfg.Stream.Timeout)
	}
	if cfg.Stream.ReadSize != 64<<10 {
		t.Errorf("Stream.ReadSize = %d, want the default", cfg.Stream.ReadSize)
	}
	if cfg.Codec.UseWorker() {
		t.Error("Codec.UseWorker() = true, want false")
	}
	if !cfg.Codec.UseTransfer() {
		t.Error("Codec.UseTransfer() = false, want the default true")
	}
	if cfg.Codec.MaxDecodeErrors != -1 {
		t.Errorf("Codec.MaxDecodeErrors = %d, want -1", cfg.Codec.MaxDecodeErrors)
	}
	if cfg.Playback.StatusInterval != 500*time.Millisecond {
		t.Errorf("Playback.StatusInterval = %v, want 500ms", cfg.Playback.StatusInterval)
	}
}

func TestLaterFilesOverride(t *testing.T) {
	base := writeFile(t, "streamsync.toml", `
[audio]
backend = "beep"
sample_rate = 48000

[video]
snapshot_dir = "/tmp/frames"
`)
	override := writeFile(t, "streamsync.yaml", `
audio:
  sample_rate: 44100
video:
  snapshot_every: 10
`)
	cfg, err := loadFiles([]string{base, override})
	if err != nil {
		t.Fatalf("loadFiles() error = %v", err)
	}
	if cfg.Audio.Backend != "beep" {
		t.Errorf("Audio.Backend = %q, want %q from the first file", cfg.Audio.Backend, "beep")
	}
	if cfg.Audio.SampleRate != 44100 {
		t.Errorf("Audio.SampleRate = %d, want 44100 from the second file", cfg.Audio.SampleRate)
	}
	if cfg.Video.SnapshotDir != "/tmp/frames" {
		t.Errorf("Video.SnapshotDir = %q, want %q", cfg.Video.SnapshotDir, "/tmp/frames")
	}
	if cfg.Video.SnapshotEvery != 10 {
		t.Errorf("Video.SnapshotEvery = %d, want 10", cfg.Video.SnapshotEvery)
	}
}

func TestRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown backend", body: "[audio]\nbackend = \"alsa\"\n"},
		{name: "unknown resampler", body: "[audio]\nresampler = \"cubic\"\n"},
		{name: "negative rate", body: "[audio]\nsample_rate = -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFiles([]string{writeFile(t, "bad.toml", tt.body)})
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("loadFiles() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want os.ErrNotExist", err)
	}
}

func TestMalformedFile(t *testing.T) {
	_, err := loadFiles([]string{writeFile(t, "broken.yaml", "audio: [unclosed\n")})
	if err == nil {
		t.Error("loadFiles() error = nil, want a parse error")
	}
}

func TestGetConfigPaths(t *testing.T) {
	paths := getConfigPaths()
	if len(paths) != 3 {
		t.Fatalf("getConfigPaths() returned %d paths, want 3", len(paths))
	}
	if filepath.Base(paths[0]) != "config.toml" || filepath.Base(filepath.Dir(paths[0])) != appName {
		t.Errorf("first path = %q, want the XDG config file", paths[0])
	}
	if last := paths[len(paths)-1]; last != "streamsync.yaml" {
		t.Errorf("last config path = %q, want %q", last, "streamsync.yaml")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("Could not get home dir: %v", err)
	}
	tests := []struct {
		input    string
		expected string
	}{
		{"~/frames", filepath.Join(home, "frames")},
		{"/var/frames", "/var/frames"},
		{"frames", "frames"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := expandPath(tt.input); got != tt.expected {
			t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
