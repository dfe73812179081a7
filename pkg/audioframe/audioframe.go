package audioframe

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/drgolem/streamsync/pkg/types"
)

// HeaderSize is the size of the fixed AudioFrame header in bytes.
const HeaderSize = 14

// BitsPerSample is the only sample width carried by an AudioFrame (float32).
const BitsPerSample = 32

type FrameFormat struct {
	SampleRate uint32 // Sample rate in Hz (max 384,000)
	Channels   uint8  // Number of channels (max 255)
}

// AudioFrame is a block of planar float32 samples together with its format.
// It is the unit the codec proxy puts on the wire when buffers have to be
// copied rather than handed over.
type AudioFrame struct {
	Format       FrameFormat
	SamplesCount uint32             // Samples per channel
	Samples      types.SampleBuffer // Planar samples (last field for better memory layout)
}

// FromSampleBuffer wraps a planar buffer without copying it.
func FromSampleBuffer(rate int, buf types.SampleBuffer) AudioFrame {
	return AudioFrame{
		Format: FrameFormat{
			SampleRate: uint32(rate),
			Channels:   uint8(buf.Channels()),
		},
		SamplesCount: uint32(buf.Len()),
		Samples:      buf,
	}
}

// Size returns the encoded size in bytes.
func (af *AudioFrame) Size() int {
	return HeaderSize + int(af.Format.Channels)*int(af.SamplesCount)*4
}

// Marshal serializes AudioFrame to a byte slice using little-endian encoding
//
// Binary format (tightly packed, 14 bytes header):
//   - SampleRate (4 bytes, uint32)
//   - Channels (1 byte, uint8)
//   - BitsPerSample (1 byte, uint8, always 32)
//   - SamplesCount (4 bytes, uint32)
//   - Payload length (4 bytes, uint32)
//   - Payload: channel 0 samples, then channel 1, ... as float32 bits
//
// Total size: 14 bytes header + channels*samples*4 bytes
func (af *AudioFrame) Marshal() []byte {
	buf := make([]byte, af.Size())
	af.put(buf)
	return buf
}

// AppendMarshal appends the encoded frame to dst.
func (af *AudioFrame) AppendMarshal(dst []byte) []byte {
	n := len(dst)
	dst = append(dst, make([]byte, af.Size())...)
	af.put(dst[n:])
	return dst
}

func (af *AudioFrame) put(buf []byte) {
	payload := int(af.Format.Channels) * int(af.SamplesCount) * 4

	binary.LittleEndian.PutUint32(buf[0:4], af.Format.SampleRate)
	buf[4] = af.Format.Channels
	buf[5] = BitsPerSample
	binary.LittleEndian.PutUint32(buf[6:10], af.SamplesCount)
	binary.LittleEndian.PutUint32(buf[10:14], uint32(payload))

	off := HeaderSize
	for c := 0; c < int(af.Format.Channels); c++ {
		for i := 0; i < int(af.SamplesCount); i++ {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(af.Samples[c][i]))
			off += 4
		}
	}
}

// Unmarshal deserializes a byte slice into AudioFrame using little-endian encoding
//
// Returns error if:
//   - Buffer is too small (< 14 bytes for header)
//   - BitsPerSample is not 32
//   - Payload length does not match channels*samples*4 or exceeds the buffer
func (af *AudioFrame) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("buffer too small: got %d bytes, need at least %d bytes", len(data), HeaderSize)
	}

	af.Format.SampleRate = binary.LittleEndian.Uint32(data[0:4])
	af.Format.Channels = data[4]
	if bits := data[5]; bits != BitsPerSample {
		return fmt.Errorf("unsupported bits per sample: %d", bits)
	}
	af.SamplesCount = binary.LittleEndian.Uint32(data[6:10])
	payload := int(binary.LittleEndian.Uint32(data[10:14]))

	if want := int(af.Format.Channels) * int(af.SamplesCount) * 4; payload != want {
		return fmt.Errorf("payload length %d does not match %d channels x %d samples", payload, af.Format.Channels, af.SamplesCount)
	}
	if len(data) < HeaderSize+payload {
		return fmt.Errorf("buffer too small for audio data: got %d bytes, need %d bytes", len(data), HeaderSize+payload)
	}

	af.Samples = types.NewSampleBuffer(int(af.Format.Channels), int(af.SamplesCount))
	off := HeaderSize
	for c := range af.Samples {
		for i := range af.Samples[c] {
			af.Samples[c][i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
	}

	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler interface
func (af *AudioFrame) MarshalBinary() ([]byte, error) {
	return af.Marshal(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler interface
func (af *AudioFrame) UnmarshalBinary(data []byte) error {
	return af.Unmarshal(data)
}
