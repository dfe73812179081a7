// Package wav demuxes and decodes PCM WAV streams.
//
// The demuxer cuts the data chunk into packets of whole sample frames and
// computes byte offsets for any time from the block alignment, so a WAV
// stream is always indexed. The decoder turns packets into planar float
// samples; its header packet is a minimal WAV header written by go-wav.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/drgolem/streamsync/pkg/types"

	"github.com/youpy/go-wav"
)

// Codec is the audio codec name the demuxer announces.
const Codec = "pcm"

// ErrUnsupportedFormat is returned for non-PCM or odd sample widths.
var ErrUnsupportedFormat = errors.New("wav: unsupported format")

// Header returns a WAV header for an empty PCM data chunk. It is the
// header packet handed to the decoder.
func Header(channels, rate, bitsPerSample int) []byte {
	var buf bytes.Buffer
	wav.NewWriter(&buf, 0, uint16(channels), uint32(rate), uint16(bitsPerSample))
	return buf.Bytes()
}

// ParseHeader reads the format of a header produced by Header.
func ParseHeader(data []byte) (*wav.WavFormat, error) {
	format, err := wav.NewReader(bytes.NewReader(data)).Format()
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV format: %w", err)
	}
	if err := validate(format); err != nil {
		return nil, err
	}
	return format, nil
}

func validate(f *wav.WavFormat) error {
	if f.AudioFormat != wav.AudioFormatPCM {
		return fmt.Errorf("%w: format tag %d (only PCM supported)", ErrUnsupportedFormat, f.AudioFormat)
	}
	switch f.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, f.BitsPerSample)
	}
	if f.NumChannels == 0 || f.SampleRate == 0 {
		return fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedFormat, f.NumChannels, f.SampleRate)
	}
	return nil
}

// Decoder converts interleaved little-endian PCM packets to planar float32.
// Implements codec.AudioDecoder.
type Decoder struct {
	format *types.AudioFormat
	bps    int
	buf    types.SampleBuffer
}

// NewDecoder creates a new PCM decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Init() error { return nil }

// ProcessHeader reads the stream format from a WAV header.
func (d *Decoder) ProcessHeader(data []byte) error {
	f, err := ParseHeader(data)
	if err != nil {
		return err
	}
	d.format = &types.AudioFormat{Channels: int(f.NumChannels), Rate: int(f.SampleRate)}
	d.bps = int(f.BitsPerSample)
	return nil
}

// ProcessAudio decodes one packet of whole sample frames.
func (d *Decoder) ProcessAudio(data []byte) error {
	if d.format == nil {
		return fmt.Errorf("decoder not initialized")
	}
	bytesPerSample := d.bps / 8
	frameSize := bytesPerSample * d.format.Channels
	if len(data)%frameSize != 0 {
		return fmt.Errorf("packet of %d bytes is not a multiple of %d", len(data), frameSize)
	}

	n := len(data) / frameSize
	buf := types.NewSampleBuffer(d.format.Channels, n)
	off := 0
	for i := 0; i < n; i++ {
		for c := range buf {
			buf[c][i] = sample(data[off:], d.bps)
			off += bytesPerSample
		}
	}
	d.buf = buf
	return nil
}

// sample converts one little-endian PCM sample to [-1, 1).
func sample(b []byte, bps int) float32 {
	switch bps {
	case 8:
		return float32(int(b[0])-128) / 128
	case 16:
		return float32(int16(binary.LittleEndian.Uint16(b))) / (1 << 15)
	case 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
		return float32(v) / (1 << 23)
	default:
		return float32(int32(binary.LittleEndian.Uint32(b))) / (1 << 31)
	}
}

func (d *Decoder) LoadedMetadata() bool { return d.format != nil }

func (d *Decoder) AudioFormat() *types.AudioFormat { return d.format }

func (d *Decoder) AudioBuffer() types.SampleBuffer { return d.buf }

// Close releases the last decoded buffer.
func (d *Decoder) Close() error {
	d.buf = nil
	return nil
}
