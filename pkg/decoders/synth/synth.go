// Package synth implements a small audio+video container without an index.
// It exists to exercise index-less seeking: every packet carries its own
// timestamps and a header checksum, so a reader dropped at any byte offset
// can find the next packet boundary.
//
// Packet layout (little-endian):
//
//	0   magic "SYNP"
//	4   kind      u8  (1 stream header, 2 audio, 3 video)
//	5   flags     u8  (bit 0 keyframe)
//	6   reserved  u16
//	8   timestamp f64
//	16  keyframe  f64 (timestamp of the sync point the packet depends on)
//	24  length    u32 (payload bytes)
//	28  crc32     u32 (IEEE, over bytes 0..27)
//	32  payload
//
// Audio payloads are interleaved 16-bit PCM decoded by the wav package's
// PCM decoder. Video payloads are one flag byte and three plane values;
// keyframes carry absolute values and other frames carry deltas against
// the previous decoded frame.
package synth

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"math"

	"github.com/drgolem/streamsync/pkg/decoders/wav"
)

const (
	// MIMEType is the container type.
	MIMEType = "video/x-synth"

	// VideoCodec is the codec name of the video track.
	VideoCodec = "synth-yuv"

	headerSize = 32
	maxPayload = 16 << 20
)

var magic = [4]byte{'S', 'Y', 'N', 'P'}

const (
	kindStream byte = 1
	kindAudio  byte = 2
	kindVideo  byte = 3

	flagKeyframe byte = 1
)

type packetHeader struct {
	kind      byte
	keyframe  bool
	timestamp float64
	keyTs     float64
	length    uint32
}

func appendPacket(dst []byte, h packetHeader, payload []byte) []byte {
	start := len(dst)
	dst = append(dst, magic[:]...)
	flags := byte(0)
	if h.keyframe {
		flags |= flagKeyframe
	}
	dst = append(dst, h.kind, flags, 0, 0)
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(h.timestamp))
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(h.keyTs))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = binary.LittleEndian.AppendUint32(dst, crc32.ChecksumIEEE(dst[start:start+28]))
	return append(dst, payload...)
}

// parseHeader validates a packet header at the start of b.
func parseHeader(b []byte) (packetHeader, bool) {
	if len(b) < headerSize || [4]byte(b[0:4]) != magic {
		return packetHeader{}, false
	}
	if crc32.ChecksumIEEE(b[:28]) != binary.LittleEndian.Uint32(b[28:32]) {
		return packetHeader{}, false
	}
	h := packetHeader{
		kind:      b[4],
		keyframe:  b[5]&flagKeyframe != 0,
		timestamp: math.Float64frombits(binary.LittleEndian.Uint64(b[8:])),
		keyTs:     math.Float64frombits(binary.LittleEndian.Uint64(b[16:])),
		length:    binary.LittleEndian.Uint32(b[24:]),
	}
	if h.kind < kindStream || h.kind > kindVideo || h.length > maxPayload {
		return packetHeader{}, false
	}
	return h, true
}

// streamInfo is the payload of the stream header packet.
type streamInfo struct {
	duration float64 // Zero when unknown
	rate     int
	channels int // Zero without audio
	width    int // Zero without video
	height   int
	fps      float64
}

const streamInfoSize = 26

func (s streamInfo) marshal() []byte {
	b := make([]byte, 0, streamInfoSize)
	b = binary.LittleEndian.AppendUint64(b, math.Float64bits(s.duration))
	b = binary.LittleEndian.AppendUint32(b, uint32(s.rate))
	b = binary.LittleEndian.AppendUint16(b, uint16(s.channels))
	b = binary.LittleEndian.AppendUint16(b, uint16(s.width))
	b = binary.LittleEndian.AppendUint16(b, uint16(s.height))
	return binary.LittleEndian.AppendUint64(b, math.Float64bits(s.fps))
}

func parseStreamInfo(b []byte) (streamInfo, bool) {
	if len(b) < streamInfoSize {
		return streamInfo{}, false
	}
	return streamInfo{
		duration: math.Float64frombits(binary.LittleEndian.Uint64(b[0:])),
		rate:     int(binary.LittleEndian.Uint32(b[8:])),
		channels: int(binary.LittleEndian.Uint16(b[12:])),
		width:    int(binary.LittleEndian.Uint16(b[14:])),
		height:   int(binary.LittleEndian.Uint16(b[16:])),
		fps:      math.Float64frombits(binary.LittleEndian.Uint64(b[18:])),
	}, true
}

// videoHeader is the header packet handed to the video decoder.
func videoHeader(s streamInfo) []byte {
	b := make([]byte, 0, 12)
	b = binary.LittleEndian.AppendUint16(b, uint16(s.width))
	b = binary.LittleEndian.AppendUint16(b, uint16(s.height))
	return binary.LittleEndian.AppendUint64(b, math.Float64bits(s.fps))
}

// Options shapes a generated stream.
type Options struct {
	Duration         float64 // Seconds
	Rate             int     // Audio sample rate; zero disables audio
	Channels         int
	PacketSamples    int     // Audio samples per packet
	Tone             float64 // Sine frequency in Hz
	Width, Height    int     // Zero disables video
	FPS              float64
	KeyframeInterval int  // Frames between keyframes
	HideDuration     bool // Write zero as the duration, so readers must probe for it
}

// DefaultOptions is a ten second 8 kHz mono stream with 10 fps video and a
// keyframe every second.
func DefaultOptions() Options {
	return Options{
		Duration:         10,
		Rate:             8000,
		Channels:         1,
		PacketSamples:    400,
		Tone:             440,
		Width:            16,
		Height:           16,
		FPS:              10,
		KeyframeInterval: 10,
	}
}

// Luma is the Y value of frame n in a generated stream.
func Luma(n int) byte {
	return byte(n)
}

// Generate writes a stream to w. Audio and video packets are interleaved
// in timestamp order.
func Generate(w io.Writer, opts Options) error {
	bw := bufio.NewWriter(w)
	hasAudio := opts.Rate > 0 && opts.Channels > 0 && opts.PacketSamples > 0
	hasVideo := opts.Width > 0 && opts.Height > 0 && opts.FPS > 0

	info := streamInfo{duration: opts.Duration}
	if hasAudio {
		info.rate, info.channels = opts.Rate, opts.Channels
	}
	if hasVideo {
		info.width, info.height, info.fps = opts.Width, opts.Height, opts.FPS
	}
	if opts.HideDuration {
		info.duration = 0
	}

	var pkt []byte
	write := func(h packetHeader, payload []byte) error {
		pkt = appendPacket(pkt[:0], h, payload)
		_, err := bw.Write(pkt)
		return err
	}
	if err := write(packetHeader{kind: kindStream, keyframe: true}, info.marshal()); err != nil {
		return err
	}

	audioPackets, frames := 0, 0
	if hasAudio {
		audioPackets = int(math.Ceil(opts.Duration * float64(opts.Rate) / float64(opts.PacketSamples)))
	}
	if hasVideo {
		frames = int(math.Ceil(opts.Duration * opts.FPS))
	}
	interval := max(opts.KeyframeInterval, 1)

	a, v := 0, 0
	var pcm []byte
	for a < audioPackets || v < frames {
		at := math.Inf(1)
		if a < audioPackets {
			at = float64(a*opts.PacketSamples) / float64(opts.Rate)
		}
		vt := math.Inf(1)
		if v < frames {
			vt = float64(v) / opts.FPS
		}

		if vt <= at {
			key := v%interval == 0
			keyTs := float64(v-v%interval) / opts.FPS
			payload := []byte{0, Luma(v), 128, 128}
			if key {
				payload[0] = 1
			} else {
				payload[1], payload[2], payload[3] = Luma(v)-Luma(v-1), 0, 0
			}
			if err := write(packetHeader{kind: kindVideo, keyframe: key, timestamp: vt, keyTs: keyTs}, payload); err != nil {
				return err
			}
			v++
			continue
		}

		pcm = tone(pcm[:0], opts, a*opts.PacketSamples)
		if err := write(packetHeader{kind: kindAudio, keyframe: true, timestamp: at, keyTs: at}, pcm); err != nil {
			return err
		}
		a++
	}
	return bw.Flush()
}

// tone appends one packet of interleaved 16-bit sine samples starting at
// sample index first.
func tone(dst []byte, opts Options, first int) []byte {
	for i := 0; i < opts.PacketSamples; i++ {
		t := float64(first+i) / float64(opts.Rate)
		s := int16(math.Sin(2*math.Pi*opts.Tone*t) * 0.25 * math.MaxInt16)
		for c := 0; c < opts.Channels; c++ {
			dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
		}
	}
	return dst
}

// audioHeader is the header packet handed to the PCM decoder.
func audioHeader(s streamInfo) []byte {
	return wav.Header(s.channels, s.rate, 16)
}
