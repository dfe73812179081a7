package synth

import (
	"bytes"
	"errors"

	"github.com/drgolem/streamsync/internal/codec"
	"github.com/drgolem/streamsync/pkg/decoders/wav"

	"github.com/gammazero/deque"
)

// ErrBadStreamHeader is returned when the stream header packet is too short.
var ErrBadStreamHeader = errors.New("synth: malformed stream header")

// Demuxer reads synth packets. It has no index; after a flush it drops
// bytes until it finds a header whose checksum matches.
// Implements codec.Demuxer.
type Demuxer struct {
	buf    []byte
	loaded bool
	info   streamInfo

	audio deque.Deque[codec.Packet]
	video deque.Deque[codec.Packet]

	resyncs int
}

// NewDemuxer creates a synth demuxer.
func NewDemuxer() *Demuxer {
	return &Demuxer{}
}

func (d *Demuxer) Init() error { return nil }

func (d *Demuxer) ReceiveInput(data []byte) {
	d.buf = append(d.buf, data...)
}

// Process consumes at most one packet.
func (d *Demuxer) Process() (bool, error) {
	i := bytes.Index(d.buf, magic[:])
	if i < 0 {
		// keep a possible partial magic at the tail
		if n := len(d.buf) - len(magic) + 1; n > 0 {
			d.buf = d.buf[n:]
			d.resyncs++
		}
		return false, nil
	}
	if i > 0 {
		d.buf = d.buf[i:]
		d.resyncs++
	}
	if len(d.buf) < headerSize {
		return false, nil
	}

	h, ok := parseHeader(d.buf)
	if !ok {
		d.buf = d.buf[1:]
		d.resyncs++
		return true, nil
	}
	end := headerSize + int(h.length)
	if len(d.buf) < end {
		return false, nil
	}
	payload := bytes.Clone(d.buf[headerSize:end])
	d.buf = d.buf[end:]

	var err error
	switch h.kind {
	case kindStream:
		err = d.readStreamInfo(payload)
	case kindAudio:
		if d.loaded && d.info.channels > 0 {
			d.audio.PushBack(codec.Packet{Data: payload, Timestamp: h.timestamp, KeyframeTimestamp: h.keyTs, Keyframe: true})
		}
	case kindVideo:
		if d.loaded && d.info.width > 0 {
			d.video.PushBack(codec.Packet{Data: payload, Timestamp: h.timestamp, KeyframeTimestamp: h.keyTs, Keyframe: h.keyframe})
		}
	}
	return len(d.buf) >= headerSize, err
}

func (d *Demuxer) readStreamInfo(payload []byte) error {
	if d.loaded {
		return nil
	}
	info, ok := parseStreamInfo(payload)
	if !ok {
		return ErrBadStreamHeader
	}
	d.info = info
	d.loaded = true
	if info.channels > 0 {
		d.audio.PushBack(codec.Packet{Data: audioHeader(info), Keyframe: true})
	}
	if info.width > 0 {
		d.video.PushBack(codec.Packet{Data: videoHeader(info), Keyframe: true})
	}
	return nil
}

// Flush drops buffered input and queued packets. Metadata survives.
func (d *Demuxer) Flush() {
	d.buf = nil
	d.audio.Clear()
	d.video.Clear()
}

func (d *Demuxer) Close() error {
	d.Flush()
	return nil
}

// Resyncs returns how many times the demuxer skipped bytes to find a packet.
func (d *Demuxer) Resyncs() int { return d.resyncs }

func (d *Demuxer) LoadedMetadata() bool { return d.loaded }

func (d *Demuxer) AudioCodec() string {
	if d.info.channels == 0 {
		return ""
	}
	return wav.Codec
}

func (d *Demuxer) VideoCodec() string {
	if d.info.width == 0 {
		return ""
	}
	return VideoCodec
}

func (d *Demuxer) AudioReady() bool { return d.audio.Len() > 0 }
func (d *Demuxer) FrameReady() bool { return d.video.Len() > 0 }
func (d *Demuxer) Seekable() bool   { return d.loaded }

func (d *Demuxer) AudioTimestamp() float64 {
	if d.audio.Len() == 0 {
		return -1
	}
	return d.audio.Front().Timestamp
}

func (d *Demuxer) FrameTimestamp() float64 {
	if d.video.Len() == 0 {
		return -1
	}
	return d.video.Front().Timestamp
}

func (d *Demuxer) KeyframeTimestamp() float64 {
	if d.video.Len() == 0 {
		return -1
	}
	return d.video.Front().KeyframeTimestamp
}

// Duration is unknown when the stream header carries zero.
func (d *Demuxer) Duration() float64 {
	if !d.loaded || d.info.duration <= 0 {
		return -1
	}
	return d.info.duration
}

func (d *Demuxer) DequeueAudioPacket() (codec.Packet, bool) {
	if d.audio.Len() == 0 {
		return codec.Packet{}, false
	}
	return d.audio.PopFront(), true
}

func (d *Demuxer) DequeueVideoPacket() (codec.Packet, bool) {
	if d.video.Len() == 0 {
		return codec.Packet{}, false
	}
	return d.video.PopFront(), true
}

// KeypointOffset always reports that there is no index.
func (d *Demuxer) KeypointOffset(float64) int64 { return -1 }
