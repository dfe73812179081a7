package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/drgolem/streamsync/internal/codec"

	"github.com/gammazero/deque"
	"github.com/youpy/go-wav"
)

// MIMEType is the container type the demuxer is registered for.
const MIMEType = "audio/wav"

// PacketSamples is the number of sample frames per demuxed packet.
const PacketSamples = 1024

const (
	maxHeaderSize    = 1 << 20
	formatExtensible = 0xFFFE
)

// ErrNotWAV is returned when the stream does not start with a RIFF/WAVE header.
var ErrNotWAV = errors.New("wav: not a RIFF/WAVE stream")

// Demuxer splits a WAV byte stream into PCM packets.
// Implements codec.Demuxer and codec.Repositioner.
type Demuxer struct {
	buf  []byte
	pos  int64 // Stream offset of buf[0]
	skip int64 // Bytes to drop before the next packet boundary

	loaded     bool
	format     wav.WavFormat
	blockAlign int64
	dataStart  int64
	dataEnd    int64 // -1 when the data chunk size is unknown

	packets deque.Deque[codec.Packet]
}

// NewDemuxer creates a WAV demuxer.
func NewDemuxer() *Demuxer {
	return &Demuxer{dataEnd: -1}
}

func (d *Demuxer) Init() error { return nil }

func (d *Demuxer) ReceiveInput(data []byte) {
	d.buf = append(d.buf, data...)
}

// Process parses the header, then cuts one packet per call.
func (d *Demuxer) Process() (bool, error) {
	if !d.loaded {
		return d.parseHeader()
	}
	return d.demux(), nil
}

func (d *Demuxer) parseHeader() (bool, error) {
	if len(d.buf) < 12 {
		return false, nil
	}
	if string(d.buf[0:4]) != "RIFF" || string(d.buf[8:12]) != "WAVE" {
		d.buf = nil
		return false, ErrNotWAV
	}

	haveFormat := false
	off := 12
	for off+8 <= len(d.buf) {
		id := string(d.buf[off : off+4])
		size := int64(binary.LittleEndian.Uint32(d.buf[off+4:]))
		body := off + 8

		switch id {
		case "fmt ":
			if int64(body)+size > int64(len(d.buf)) {
				return false, nil
			}
			if err := d.readFormat(d.buf[body : body+int(size)]); err != nil {
				d.buf = nil
				return false, err
			}
			haveFormat = true

		case "data":
			if !haveFormat {
				d.buf = nil
				return false, fmt.Errorf("%w: data chunk before fmt chunk", ErrNotWAV)
			}
			d.dataStart = d.pos + int64(body)
			if size != 0 && size != math.MaxUint32 {
				d.dataEnd = d.dataStart + size
			}
			d.buf = d.buf[body:]
			d.pos = d.dataStart
			d.loaded = true

			hdr := Header(int(d.format.NumChannels), int(d.format.SampleRate), int(d.format.BitsPerSample))
			d.packets.PushBack(codec.Packet{Data: hdr, Keyframe: true})
			return true, nil
		}

		off = body + int(size+size&1)
	}

	if len(d.buf) > maxHeaderSize {
		d.buf = nil
		return false, fmt.Errorf("%w: no data chunk in the first %d bytes", ErrNotWAV, maxHeaderSize)
	}
	return false, nil
}

func (d *Demuxer) readFormat(chunk []byte) error {
	if len(chunk) < 16 {
		return fmt.Errorf("%w: fmt chunk of %d bytes", ErrNotWAV, len(chunk))
	}
	var f wav.WavFormat
	if err := binary.Read(bytes.NewReader(chunk[:16]), binary.LittleEndian, &f); err != nil {
		return err
	}
	// WAVE_FORMAT_EXTENSIBLE carries the real tag in its sub-format GUID
	if f.AudioFormat == formatExtensible && len(chunk) >= 26 {
		f.AudioFormat = binary.LittleEndian.Uint16(chunk[24:26])
	}
	if err := validate(&f); err != nil {
		return err
	}
	d.format = f
	d.blockAlign = int64(f.NumChannels) * int64(f.BitsPerSample/8)
	return nil
}

func (d *Demuxer) demux() bool {
	if d.skip > 0 {
		n := min(d.skip, int64(len(d.buf)))
		d.buf = d.buf[n:]
		d.pos += n
		d.skip -= n
	}

	avail := int64(len(d.buf))
	if d.dataEnd >= 0 {
		avail = max(0, min(avail, d.dataEnd-d.pos))
	}
	n := min(avail/d.blockAlign, PacketSamples) * d.blockAlign
	if n == 0 {
		if d.dataEnd >= 0 && d.pos >= d.dataEnd {
			// trailing chunks after the audio
			d.pos += int64(len(d.buf))
			d.buf = nil
		}
		return false
	}

	ts := d.timeAt(d.pos)
	d.packets.PushBack(codec.Packet{
		Data:              bytes.Clone(d.buf[:n]),
		Timestamp:         ts,
		KeyframeTimestamp: ts,
		Keyframe:          true,
	})
	d.buf = d.buf[n:]
	d.pos += n
	return avail-n >= d.blockAlign
}

func (d *Demuxer) timeAt(offset int64) float64 {
	return float64((offset-d.dataStart)/d.blockAlign) / float64(d.format.SampleRate)
}

// Flush drops buffered input and queued packets. Metadata survives.
func (d *Demuxer) Flush() {
	d.buf = nil
	d.skip = 0
	d.packets.Clear()
}

// Reposition sets the stream offset of the next input. Offsets inside a
// sample frame skip ahead to the next frame boundary.
func (d *Demuxer) Reposition(offset int64) {
	d.pos = offset
	d.skip = 0
	if !d.loaded {
		return
	}
	if offset < d.dataStart {
		d.skip = d.dataStart - offset
		return
	}
	if r := (offset - d.dataStart) % d.blockAlign; r != 0 {
		d.skip = d.blockAlign - r
	}
}

func (d *Demuxer) Close() error {
	d.Flush()
	return nil
}

func (d *Demuxer) LoadedMetadata() bool { return d.loaded }
func (d *Demuxer) AudioCodec() string   { return Codec }
func (d *Demuxer) VideoCodec() string   { return "" }
func (d *Demuxer) AudioReady() bool     { return d.packets.Len() > 0 }
func (d *Demuxer) FrameReady() bool     { return false }
func (d *Demuxer) Seekable() bool       { return d.loaded }

func (d *Demuxer) AudioTimestamp() float64 {
	if d.packets.Len() == 0 {
		return -1
	}
	return d.packets.Front().Timestamp
}

func (d *Demuxer) FrameTimestamp() float64    { return -1 }
func (d *Demuxer) KeyframeTimestamp() float64 { return -1 }

// Duration is known when the data chunk declares its size.
func (d *Demuxer) Duration() float64 {
	if !d.loaded || d.dataEnd < 0 {
		return -1
	}
	return d.timeAt(d.dataEnd)
}

func (d *Demuxer) DequeueAudioPacket() (codec.Packet, bool) {
	if d.packets.Len() == 0 {
		return codec.Packet{}, false
	}
	return d.packets.PopFront(), true
}

func (d *Demuxer) DequeueVideoPacket() (codec.Packet, bool) {
	return codec.Packet{}, false
}

// KeypointOffset maps t to the sample frame that starts at or before it.
func (d *Demuxer) KeypointOffset(t float64) int64 {
	if !d.loaded {
		return -1
	}
	frame := int64(math.Floor(max(t, 0) * float64(d.format.SampleRate)))
	off := d.dataStart + frame*d.blockAlign
	if d.dataEnd >= 0 && off > d.dataEnd {
		off = d.dataEnd - (d.dataEnd-d.dataStart)%d.blockAlign
	}
	return off
}
