package ogg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/drgolem/streamsync/internal/codec"
)

const testSerial = 0x1234

func identHeader(channels, rate int) []byte {
	pkt := make([]byte, 30)
	pkt[0] = 1
	copy(pkt[1:], "vorbis")
	pkt[11] = byte(channels)
	binary.LittleEndian.PutUint32(pkt[12:], uint32(rate))
	pkt[28] = 0xb8
	pkt[29] = 1
	return pkt
}

func vorbisHeader(typ byte, n int) []byte {
	pkt := make([]byte, n)
	pkt[0] = typ
	copy(pkt[1:], "vorbis")
	return pkt
}

// audioPacket is an even-typed packet tagged with id in its second byte.
func audioPacket(id byte, n int) []byte {
	pkt := bytes.Repeat([]byte{id}, n)
	pkt[0] = 0
	return pkt
}

// appendRawPage writes a page with an explicit segment table so tests can
// split packets across pages.
func appendRawPage(dst []byte, flags byte, granule int64, seq uint32, segments, body []byte) []byte {
	start := len(dst)
	dst = append(dst, 'O', 'g', 'g', 'S', 0, flags)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(granule))
	dst = binary.LittleEndian.AppendUint32(dst, testSerial)
	dst = binary.LittleEndian.AppendUint32(dst, seq)
	dst = binary.LittleEndian.AppendUint32(dst, 0)
	dst = append(dst, byte(len(segments)))
	dst = append(dst, segments...)
	dst = append(dst, body...)
	binary.LittleEndian.PutUint32(dst[start+22:], checksum(dst[start:]))
	return dst
}

type testStream struct {
	data  []byte
	pages []int // Byte offset of each audio page
}

// buildStream writes 8 kHz stereo headers followed by ten audio pages of
// four 100-byte packets, each page covering 0.1 s.
func buildStream() testStream {
	var s testStream
	s.data = AppendPage(nil, flagBOS, 0, testSerial, 0, identHeader(2, 8000))
	s.data = AppendPage(s.data, 0, 0, testSerial, 1, vorbisHeader(3, 40), vorbisHeader(5, 300))
	for p := range 10 {
		s.pages = append(s.pages, len(s.data))
		var pkts [][]byte
		for i := range 4 {
			pkts = append(pkts, audioPacket(byte(4*p+i), 100))
		}
		flags := byte(0)
		if p == 9 {
			flags = flagEOS
		}
		s.data = AppendPage(s.data, flags, int64((p+1)*800), testSerial, uint32(p+2), pkts...)
	}
	return s
}

func demuxAll(t *testing.T, d *Demuxer, data []byte, chunk int) []codec.Packet {
	t.Helper()
	var out []codec.Packet
	for len(data) > 0 {
		n := min(chunk, len(data))
		d.ReceiveInput(data[:n])
		data = data[n:]
		for {
			more, err := d.Process()
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			for p, ok := d.DequeueAudioPacket(); ok; p, ok = d.DequeueAudioPacket() {
				out = append(out, p)
			}
			if !more {
				break
			}
		}
	}
	return out
}

func splitHeaders(pkts []codec.Packet) (headers, audio []codec.Packet) {
	for _, p := range pkts {
		if p.Data[0]&1 == 1 {
			headers = append(headers, p)
		} else {
			audio = append(audio, p)
		}
	}
	return headers, audio
}

func TestAppendPageChecksum(t *testing.T) {
	pg := AppendPage(nil, flagBOS, 42, testSerial, 7, []byte("hello"), make([]byte, 300))

	got, ok, err := parsePage(pg)
	if err != nil || !ok {
		t.Fatalf("parsePage = %v, %v", ok, err)
	}
	if got.granule != 42 || got.serial != testSerial || got.sequence != 7 || got.size != len(pg) {
		t.Errorf("page = granule %d serial %#x seq %d size %d", got.granule, got.serial, got.sequence, got.size)
	}
	if !bytes.Equal(got.segments, []byte{5, 255, 45}) {
		t.Errorf("segments = %v, want [5 255 45]", got.segments)
	}

	pg[len(pg)-1] ^= 0xff
	if _, ok, _ := parsePage(pg); ok {
		t.Error("parsePage accepted a page with a bad checksum")
	}
	if _, _, err := parsePage(pg[:30]); !errors.Is(err, errShortPage) {
		t.Errorf("parsePage(truncated) error = %v, want errShortPage", err)
	}
}

func TestDemuxTimestamps(t *testing.T) {
	s := buildStream()
	d := NewDemuxer()
	headers, audio := splitHeaders(demuxAll(t, d, s.data, 97))

	if !d.LoadedMetadata() || d.AudioCodec() != Codec || d.VideoCodec() != "" {
		t.Fatalf("metadata = %v, codecs %q %q", d.LoadedMetadata(), d.AudioCodec(), d.VideoCodec())
	}
	if d.Duration() >= 0 {
		t.Errorf("Duration() = %v, want unknown", d.Duration())
	}
	if len(headers) != 3 {
		t.Fatalf("got %d header packets, want 3", len(headers))
	}
	for i, h := range headers {
		if want := byte(2*i + 1); h.Data[0] != want {
			t.Errorf("header %d type = %d, want %d", i, h.Data[0], want)
		}
	}
	if len(audio) != 40 {
		t.Fatalf("got %d audio packets, want 40", len(audio))
	}
	for k, p := range audio {
		if p.Data[1] != byte(k) {
			t.Fatalf("packet %d carries id %d", k, p.Data[1])
		}
		if want := float64(k) * 0.025; math.Abs(p.Timestamp-want) > 1e-9 {
			t.Errorf("packet %d timestamp = %v, want %v", k, p.Timestamp, want)
		}
		if !p.Keyframe {
			t.Errorf("packet %d is not a keyframe", k)
		}
	}
	if d.Resyncs() != 0 {
		t.Errorf("Resyncs() = %d, want 0", d.Resyncs())
	}
}

func TestDemuxResyncAfterFlush(t *testing.T) {
	s := buildStream()
	d := NewDemuxer()
	demuxAll(t, d, s.data[:s.pages[0]], 64)

	d.Flush()
	got := demuxAll(t, d, s.data[s.pages[5]+10:], 128)

	headers, audio := splitHeaders(got)
	if len(headers) != 0 {
		t.Errorf("got %d header packets after flush", len(headers))
	}
	if len(audio) != 16 {
		t.Fatalf("got %d audio packets, want 16 (pages 6-9)", len(audio))
	}
	if audio[0].Data[1] != 24 {
		t.Errorf("first packet id = %d, want 24", audio[0].Data[1])
	}
	// no previous granule: the first page's packets share its end time
	for i := range 4 {
		if math.Abs(audio[i].Timestamp-0.7) > 1e-9 {
			t.Errorf("packet %d timestamp = %v, want 0.7", i, audio[i].Timestamp)
		}
	}
	if math.Abs(audio[4].Timestamp-0.7) > 1e-9 || math.Abs(audio[5].Timestamp-0.725) > 1e-9 {
		t.Errorf("second page timestamps = %v, %v", audio[4].Timestamp, audio[5].Timestamp)
	}
	if d.Resyncs() == 0 {
		t.Error("expected at least one resync")
	}
}

func TestDemuxRewindSkipsHeaders(t *testing.T) {
	s := buildStream()
	d := NewDemuxer()
	demuxAll(t, d, s.data, 4096)

	d.Flush()
	headers, audio := splitHeaders(demuxAll(t, d, s.data, 4096))
	if len(headers) != 0 {
		t.Errorf("got %d header packets on the second pass", len(headers))
	}
	if len(audio) != 40 || audio[0].Data[1] != 0 {
		t.Errorf("second pass got %d audio packets", len(audio))
	}
}

func TestDemuxPacketSpanningPages(t *testing.T) {
	x := audioPacket(1, 100)
	y := audioPacket(2, 300)

	var data []byte
	data = AppendPage(data, flagBOS, 0, testSerial, 0, identHeader(1, 1000))
	data = AppendPage(data, 0, 0, testSerial, 1, vorbisHeader(3, 20), vorbisHeader(5, 20))
	spanStart := len(data)
	data = appendRawPage(data, 0, 100, 2, []byte{100, 255}, append(bytes.Clone(x), y[:255]...))
	contStart := len(data)
	data = appendRawPage(data, flagContinued, 200, 3, []byte{45}, y[255:])
	data = AppendPage(data, 0, 300, testSerial, 4, audioPacket(3, 10))

	t.Run("reassembled", func(t *testing.T) {
		_, audio := splitHeaders(demuxAll(t, NewDemuxer(), data, 33))
		if len(audio) != 3 {
			t.Fatalf("got %d audio packets, want 3", len(audio))
		}
		if !bytes.Equal(audio[0].Data, x) || !bytes.Equal(audio[1].Data, y) {
			t.Errorf("packet sizes = %d, %d; want 100, 300", len(audio[0].Data), len(audio[1].Data))
		}
		// stamped with the granule of the page it started after
		if audio[1].Timestamp != 0.1 || audio[2].Timestamp != 0.2 {
			t.Errorf("timestamps = %v, %v; want 0.1, 0.2", audio[1].Timestamp, audio[2].Timestamp)
		}
	})

	t.Run("orphaned tail dropped", func(t *testing.T) {
		d := NewDemuxer()
		demuxAll(t, d, data[:spanStart], 64)
		d.Flush()
		_, audio := splitHeaders(demuxAll(t, d, data[contStart:], 64))
		if len(audio) != 1 || audio[0].Data[1] != 3 {
			t.Fatalf("got %d packets after the orphaned tail, want only packet 3", len(audio))
		}
	})
}

func TestDemuxSkipsForeignStreams(t *testing.T) {
	theora := append([]byte{0x80}, "theora"...)

	var data []byte
	data = appendForeign(data, flagBOS, theora)
	data = AppendPage(data, flagBOS, 0, testSerial, 0, identHeader(2, 8000))
	data = AppendPage(data, 0, 0, testSerial, 1, vorbisHeader(3, 40), vorbisHeader(5, 40))
	data = appendForeign(data, 0, make([]byte, 200))
	data = AppendPage(data, 0, 800, testSerial, 2, audioPacket(7, 50))

	d := NewDemuxer()
	headers, audio := splitHeaders(demuxAll(t, d, data, 50))
	if d.VideoCodec() != "" || d.FrameReady() {
		t.Error("foreign stream exposed as video")
	}
	if len(headers) != 3 || len(audio) != 1 || audio[0].Data[1] != 7 {
		t.Errorf("got %d headers and %d audio packets, want 3 and 1", len(headers), len(audio))
	}
}

func appendForeign(dst []byte, flags byte, pkt []byte) []byte {
	return AppendPage(dst, flags, 0, 99, 0, pkt)
}

func TestDemuxDropsCorruptPage(t *testing.T) {
	s := buildStream()
	s.data[s.pages[3]+40] ^= 0x55

	d := NewDemuxer()
	_, audio := splitHeaders(demuxAll(t, d, s.data, 1000))
	if len(audio) != 36 {
		t.Errorf("got %d audio packets, want 36", len(audio))
	}
	for _, p := range audio {
		if id := p.Data[1]; id >= 12 && id < 16 {
			t.Errorf("packet %d from the corrupt page was delivered", id)
		}
	}
}

func TestParseIdentHeader(t *testing.T) {
	badVersion := identHeader(2, 44100)
	badVersion[7] = 1

	tests := []struct {
		name         string
		pkt          []byte
		wantChannels int
		wantRate     int
		wantErr      bool
	}{
		{"stereo 44100", identHeader(2, 44100), 2, 44100, false},
		{"mono 48000", identHeader(1, 48000), 1, 48000, false},
		{"truncated", identHeader(2, 44100)[:15], 0, 0, true},
		{"bad version", badVersion, 0, 0, true},
		{"no channels", identHeader(0, 44100), 0, 0, true},
		{"comment header", vorbisHeader(3, 30), 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, rate, err := parseIdentHeader(tt.pkt)
			if tt.wantErr {
				if !errors.Is(err, ErrBadIdentHeader) {
					t.Errorf("error = %v, want ErrBadIdentHeader", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseIdentHeader failed: %v", err)
			}
			if ch != tt.wantChannels || rate != tt.wantRate {
				t.Errorf("got %d channels at %d Hz, want %d at %d", ch, rate, tt.wantChannels, tt.wantRate)
			}
		})
	}
}

func TestDecoderRequiresHeaders(t *testing.T) {
	dec := NewDecoder()
	if err := dec.ProcessAudio(audioPacket(1, 10)); !errors.Is(err, errHeadersIncomplete) {
		t.Errorf("ProcessAudio before headers error = %v", err)
	}
	if err := dec.ProcessHeader(vorbisHeader(3, 30)); !errors.Is(err, ErrBadIdentHeader) {
		t.Errorf("ProcessHeader(comment first) error = %v, want ErrBadIdentHeader", err)
	}
	if dec.LoadedMetadata() || dec.AudioFormat() != nil {
		t.Error("decoder reports metadata without headers")
	}
}
