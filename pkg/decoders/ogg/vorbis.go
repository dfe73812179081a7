package ogg

import (
	"errors"
	"fmt"

	"github.com/drgolem/streamsync/pkg/types"

	"github.com/jfreymuth/vorbis"
)

var errHeadersIncomplete = errors.New("vorbis: decoder not initialized (headers incomplete)")

// Decoder decodes Vorbis packets to planar float32.
// Implements codec.AudioDecoder.
type Decoder struct {
	dec     vorbis.Decoder
	headers int
	format  *types.AudioFormat
	buf     types.SampleBuffer
}

// NewDecoder creates a Vorbis decoder. It needs the identification,
// comment and setup headers, in order, before any audio.
func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Init() error { return nil }

func (d *Decoder) ProcessHeader(data []byte) error {
	if d.headers >= vorbisHeaders {
		return nil
	}
	var format *types.AudioFormat
	if d.headers == 0 {
		channels, rate, err := parseIdentHeader(data)
		if err != nil {
			return err
		}
		format = &types.AudioFormat{Channels: channels, Rate: rate}
	}
	if err := d.dec.ReadHeader(data); err != nil {
		return fmt.Errorf("vorbis header %d: %w", d.headers+1, err)
	}
	if format != nil {
		d.format = format
	}
	d.headers++
	return nil
}

func (d *Decoder) LoadedMetadata() bool { return d.headers >= vorbisHeaders }

func (d *Decoder) AudioFormat() *types.AudioFormat {
	if !d.LoadedMetadata() {
		return nil
	}
	return d.format
}

// ProcessAudio decodes one packet. The first packet after the headers or
// after a discontinuity yields no samples.
func (d *Decoder) ProcessAudio(data []byte) error {
	if !d.LoadedMetadata() {
		return errHeadersIncomplete
	}
	samples, err := d.dec.Decode(data)
	if err != nil {
		return fmt.Errorf("vorbis decode: %w", err)
	}

	channels := d.format.Channels
	n := len(samples) / channels
	buf := types.NewSampleBuffer(channels, n)
	for i := range n {
		for c := range buf {
			buf[c][i] = samples[i*channels+c]
		}
	}
	d.buf = buf
	return nil
}

func (d *Decoder) AudioBuffer() types.SampleBuffer { return d.buf }

func (d *Decoder) Close() error {
	d.dec.Clear()
	d.buf = nil
	return nil
}
