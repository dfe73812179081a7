// Package config loads streamsync settings from TOML or YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

const appName = "streamsync"

// ErrInvalid is returned for a setting outside its allowed values.
var ErrInvalid = errors.New("config: invalid value")

type Config struct {
	Audio    AudioConfig    `koanf:"audio"`
	Stream   StreamConfig   `koanf:"stream"`
	Codec    CodecConfig    `koanf:"codec"`
	Video    VideoConfig    `koanf:"video"`
	Playback PlaybackConfig `koanf:"playback"`
}

// AudioConfig selects and sizes the audio output.
type AudioConfig struct {
	Backend         string  `koanf:"backend"`           // "portaudio", "beep" or "shim"
	Device          int     `koanf:"device"`            // PortAudio device index
	FramesPerBuffer int     `koanf:"frames_per_buffer"` // default: 4096
	SampleRate      int     `koanf:"sample_rate"`       // 0 uses the stream rate
	Channels        int     `koanf:"channels"`          // 0 uses the stream layout
	Resampler       string  `koanf:"resampler"`         // "linear" or "soxr"
	Volume          float64 `koanf:"volume"`            // 0..1, default: 1
	Muted           bool    `koanf:"muted"`
}

// StreamConfig tunes the byte source.
type StreamConfig struct {
	ChunkSize  int64         `koanf:"chunk_size"`  // bytes per range request, default: 1 MiB
	BufferSize int           `koanf:"buffer_size"` // read-ahead ring, default: 256 KiB
	ReadSize   int           `koanf:"read_size"`   // bytes per delivery, default: 64 KiB
	Timeout    time.Duration `koanf:"timeout"`     // HTTP client timeout, default: 30s
}

// CodecConfig controls how decoders run.
type CodecConfig struct {
	Worker          *bool `koanf:"worker"`            // decoders on worker goroutines (default: true)
	Transfer        *bool `koanf:"transfer"`          // hand buffers over (default: true); false copies
	MaxDecodeErrors int   `koanf:"max_decode_errors"` // default: 32; negative disables
}

// VideoConfig configures frame snapshots.
type VideoConfig struct {
	SnapshotDir   string `koanf:"snapshot_dir"`   // empty disables snapshots
	SnapshotEvery int    `koanf:"snapshot_every"` // frames between snapshots, default: 25
	SnapshotWidth int    `koanf:"snapshot_width"` // 0 keeps the frame width
}

// PlaybackConfig configures event and status cadence.
type PlaybackConfig struct {
	TimeUpdateInterval time.Duration `koanf:"time_update_interval"` // default: 250ms
	StatusInterval     time.Duration `koanf:"status_interval"`      // default: 2s
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Backend:         "portaudio",
			Device:          1,
			FramesPerBuffer: 4096,
			Resampler:       "linear",
			Volume:          1,
		},
		Stream: StreamConfig{
			ChunkSize:  1 << 20,
			BufferSize: 256 << 10,
			ReadSize:   64 << 10,
			Timeout:    30 * time.Second,
		},
		Codec: CodecConfig{
			MaxDecodeErrors: 32,
		},
		Video: VideoConfig{
			SnapshotEvery: 25,
		},
		Playback: PlaybackConfig{
			TimeUpdateInterval: 250 * time.Millisecond,
			StatusInterval:     2 * time.Second,
		},
	}
}

// Load reads the config files that exist on the search path, then
// explicit if it is not empty. Later files override earlier ones. An
// explicit path must exist.
func Load(explicit string) (*Config, error) {
	var paths []string
	for _, path := range getConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			paths = append(paths, path)
		}
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		paths = append(paths, explicit)
	}
	return loadFiles(paths)
}

func loadFiles(paths []string) (*Config, error) {
	k := koanf.New(".")
	for _, path := range paths {
		if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
			return nil, fmt.Errorf("config: failed to load %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlParser{}
	default:
		return toml.Parser()
	}
}

// getConfigPaths lists the search path in priority order, last wins.
func getConfigPaths() []string {
	return []string{
		filepath.Join(xdg.ConfigHome, appName, "config.toml"),
		appName + ".toml",
		appName + ".yaml",
	}
}

// normalize applies defaults to unset or out-of-range values and rejects
// unknown names.
func (c *Config) normalize() error {
	switch c.Audio.Backend {
	case "portaudio", "beep", "shim":
	default:
		return fmt.Errorf("%w: audio.backend %q", ErrInvalid, c.Audio.Backend)
	}
	switch c.Audio.Resampler {
	case "linear", "soxr":
	default:
		return fmt.Errorf("%w: audio.resampler %q", ErrInvalid, c.Audio.Resampler)
	}
	if c.Audio.FramesPerBuffer <= 0 {
		c.Audio.FramesPerBuffer = 4096
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > 1 {
		c.Audio.Volume = 1
	}
	if c.Audio.SampleRate < 0 || c.Audio.Channels < 0 {
		return fmt.Errorf("%w: negative audio format", ErrInvalid)
	}

	if c.Stream.ChunkSize <= 0 {
		c.Stream.ChunkSize = 1 << 20
	}
	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = 256 << 10
	}
	if c.Stream.ReadSize <= 0 {
		c.Stream.ReadSize = 64 << 10
	}
	if c.Stream.Timeout <= 0 {
		c.Stream.Timeout = 30 * time.Second
	}

	if c.Codec.MaxDecodeErrors == 0 {
		c.Codec.MaxDecodeErrors = 32
	}

	c.Video.SnapshotDir = expandPath(c.Video.SnapshotDir)
	if c.Video.SnapshotEvery <= 0 {
		c.Video.SnapshotEvery = 25
	}

	if c.Playback.TimeUpdateInterval <= 0 {
		c.Playback.TimeUpdateInterval = 250 * time.Millisecond
	}
	if c.Playback.StatusInterval <= 0 {
		c.Playback.StatusInterval = 2 * time.Second
	}
	return nil
}

// UseWorker reports whether decoders run behind the proxy.
func (c CodecConfig) UseWorker() bool {
	return c.Worker == nil || *c.Worker
}

// UseTransfer reports whether the proxy hands buffers over.
func (c CodecConfig) UseTransfer() bool {
	return c.Transfer == nil || *c.Transfer
}

func expandPath(path string) string {
	if path != "" && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// yamlParser is a koanf.Parser backed by yaml.v3.
type yamlParser struct{}

func (yamlParser) Unmarshal(b []byte) (map[string]any, error) {
	var out map[string]any
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (yamlParser) Marshal(m map[string]any) ([]byte, error) {
	return yaml.Marshal(m)
}
