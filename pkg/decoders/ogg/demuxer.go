package ogg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/drgolem/streamsync/internal/codec"

	"github.com/gammazero/deque"
)

// MIMEType is the content type registered for Ogg Vorbis streams.
const MIMEType = "audio/ogg"

// Codec is the audio codec name the demuxer announces.
const Codec = "vorbis"

// ErrBadIdentHeader is returned for a malformed Vorbis identification header.
var ErrBadIdentHeader = errors.New("vorbis: invalid identification header")

const vorbisHeaders = 3

// Demuxer extracts the first Vorbis logical stream of an Ogg stream.
// Pages of other logical streams are skipped.
// Implements codec.Demuxer.
type Demuxer struct {
	buf []byte

	found    bool
	serial   uint32
	channels int
	rate     int
	headers  int

	partial     []byte
	havePartial bool
	lastGranule int64 // Granule at the end of the previous page; -1 unknown

	audio deque.Deque[codec.Packet]

	resyncs int
}

// NewDemuxer creates an Ogg demuxer.
func NewDemuxer() *Demuxer {
	return &Demuxer{lastGranule: -1}
}

func (d *Demuxer) Init() error { return nil }

func (d *Demuxer) ReceiveInput(data []byte) {
	d.buf = append(d.buf, data...)
}

// Process consumes at most one page.
func (d *Demuxer) Process() (bool, error) {
	i := bytes.Index(d.buf, capturePattern[:])
	if i < 0 {
		if n := len(d.buf) - len(capturePattern) + 1; n > 0 {
			d.buf = d.buf[n:]
			d.resyncs++
		}
		return false, nil
	}
	if i > 0 {
		d.buf = d.buf[i:]
		d.resyncs++
	}

	pg, ok, err := parsePage(d.buf)
	if errors.Is(err, errShortPage) {
		return false, nil
	}
	if !ok {
		d.buf = d.buf[1:]
		d.resyncs++
		return true, nil
	}
	err = d.readPage(pg)
	d.buf = d.buf[pg.size:]
	return len(d.buf) >= pageHeaderSize, err
}

func (d *Demuxer) readPage(pg page) error {
	if !d.found {
		if pg.flags&flagBOS == 0 {
			return nil
		}
		first := firstPacket(pg)
		if !isHeader(first, 1) {
			return nil
		}
		channels, rate, err := parseIdentHeader(first)
		if err != nil {
			return err
		}
		d.found = true
		d.serial = pg.serial
		d.channels, d.rate = channels, rate
	}
	if pg.serial != d.serial {
		return nil
	}

	var done [][]byte
	var cur []byte
	skipping := false
	if pg.flags&flagContinued != 0 {
		if d.havePartial {
			cur = d.partial
		} else {
			// tail of a packet that started before the seek point
			skipping = true
		}
	}
	d.partial, d.havePartial = nil, false

	off := 0
	for _, s := range pg.segments {
		if !skipping {
			cur = append(cur, pg.body[off:off+int(s)]...)
		}
		off += int(s)
		if s < 255 {
			if !skipping {
				done = append(done, cur)
			}
			cur, skipping = nil, false
		}
	}
	if n := len(pg.segments); n > 0 && pg.segments[n-1] == 255 && !skipping {
		d.partial, d.havePartial = cur, true
	}

	d.queue(done, pg.granule)
	if pg.granule >= 0 {
		d.lastGranule = pg.granule
	}
	if pg.flags&flagEOS != 0 {
		d.partial, d.havePartial = nil, false
	}
	return nil
}

// queue assigns timestamps to the packets completed on a page. Audio
// packets are spread evenly between the previous page's granule and this
// one; with no previous granule they all take this page's.
func (d *Demuxer) queue(packets [][]byte, granule int64) {
	var audio [][]byte
	for _, pkt := range packets {
		switch {
		case len(pkt) == 0:
		case pkt[0]&1 == 1:
			if d.headers < vorbisHeaders && isHeader(pkt, byte(2*d.headers+1)) {
				d.audio.PushBack(codec.Packet{Data: pkt, Keyframe: true})
				d.headers++
			}
		case d.headers >= vorbisHeaders:
			audio = append(audio, pkt)
		}
	}
	if len(audio) == 0 {
		return
	}

	start, end := d.lastGranule, granule
	if end < 0 {
		end = start
	}
	if start < 0 || start > end {
		start = end
	}
	for i, pkt := range audio {
		pos := float64(start) + float64(end-start)*float64(i)/float64(len(audio))
		ts := max(0, pos/float64(d.rate))
		d.audio.PushBack(codec.Packet{Data: pkt, Timestamp: ts, KeyframeTimestamp: ts, Keyframe: true})
	}
}

func firstPacket(pg page) []byte {
	n := 0
	for _, s := range pg.segments {
		n += int(s)
		if s < 255 {
			break
		}
	}
	return pg.body[:n]
}

// isHeader reports whether pkt is a Vorbis header packet of the given type.
func isHeader(pkt []byte, typ byte) bool {
	return len(pkt) >= 7 && pkt[0] == typ && string(pkt[1:7]) == "vorbis"
}

// parseIdentHeader reads channels and rate from a Vorbis identification
// header:
//
//	[0]     packet type (0x01)
//	[1:7]   "vorbis"
//	[7:11]  version (0)
//	[11]    channels
//	[12:16] sample rate
func parseIdentHeader(pkt []byte) (channels, rate int, err error) {
	if len(pkt) < 16 || !isHeader(pkt, 1) {
		return 0, 0, ErrBadIdentHeader
	}
	if v := binary.LittleEndian.Uint32(pkt[7:11]); v != 0 {
		return 0, 0, fmt.Errorf("%w: version %d", ErrBadIdentHeader, v)
	}
	channels = int(pkt[11])
	rate = int(binary.LittleEndian.Uint32(pkt[12:16]))
	if channels == 0 || rate == 0 {
		return 0, 0, fmt.Errorf("%w: %d channels at %d Hz", ErrBadIdentHeader, channels, rate)
	}
	return channels, rate, nil
}

// Flush drops buffered input, queued packets and any partial packet.
// Metadata survives.
func (d *Demuxer) Flush() {
	d.buf = nil
	d.audio.Clear()
	d.partial, d.havePartial = nil, false
	d.lastGranule = -1
}

func (d *Demuxer) Close() error {
	d.Flush()
	return nil
}

// Resyncs returns how many times the demuxer skipped bytes to find a page.
func (d *Demuxer) Resyncs() int { return d.resyncs }

func (d *Demuxer) LoadedMetadata() bool { return d.found }

func (d *Demuxer) AudioCodec() string {
	if !d.found {
		return ""
	}
	return Codec
}

func (d *Demuxer) VideoCodec() string { return "" }
func (d *Demuxer) AudioReady() bool   { return d.audio.Len() > 0 }
func (d *Demuxer) FrameReady() bool   { return false }
func (d *Demuxer) Seekable() bool     { return d.found }

func (d *Demuxer) AudioTimestamp() float64 {
	if d.audio.Len() == 0 {
		return -1
	}
	return d.audio.Front().Timestamp
}

func (d *Demuxer) FrameTimestamp() float64    { return -1 }
func (d *Demuxer) KeyframeTimestamp() float64 { return -1 }

// Duration is always unknown; Ogg headers do not carry it.
func (d *Demuxer) Duration() float64 { return -1 }

func (d *Demuxer) DequeueAudioPacket() (codec.Packet, bool) {
	if d.audio.Len() == 0 {
		return codec.Packet{}, false
	}
	return d.audio.PopFront(), true
}

func (d *Demuxer) DequeueVideoPacket() (codec.Packet, bool) {
	return codec.Packet{}, false
}

// KeypointOffset always reports that there is no index.
func (d *Demuxer) KeypointOffset(float64) int64 { return -1 }
