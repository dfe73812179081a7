package codec

import (
	"errors"
	"testing"

	"github.com/drgolem/streamsync/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualExec queues posted closures until drain is called.
type manualExec struct {
	q []func()
}

func (e *manualExec) Post(fn func()) bool {
	e.q = append(e.q, fn)
	return true
}

func (e *manualExec) drain() {
	for len(e.q) > 0 {
		fn := e.q[0]
		e.q = e.q[1:]
		fn()
	}
}

type scripted struct {
	video bool
	pkt   Packet
}

// fakeDemuxer turns each input chunk into one step of its script. The
// first chunk carries the container metadata.
type fakeDemuxer struct {
	buffered int
	loaded   bool
	script   []scripted
	audio    []Packet
	video    []Packet
	flushed  int
	offsets  map[float64]int64
	repos    []int64
}

func (d *fakeDemuxer) Init() error              { return nil }
func (d *fakeDemuxer) ReceiveInput(data []byte) { d.buffered++ }
func (d *fakeDemuxer) Close() error             { return nil }

func (d *fakeDemuxer) Process() (bool, error) {
	if d.buffered == 0 {
		return false, nil
	}
	d.buffered--
	if !d.loaded {
		d.loaded = true
	} else if len(d.script) > 0 {
		s := d.script[0]
		d.script = d.script[1:]
		if s.video {
			d.video = append(d.video, s.pkt)
		} else {
			d.audio = append(d.audio, s.pkt)
		}
	}
	return d.buffered > 0, nil
}

func (d *fakeDemuxer) Flush() {
	d.flushed++
	d.buffered = 0
	d.audio, d.video = nil, nil
}

func (d *fakeDemuxer) LoadedMetadata() bool { return d.loaded }
func (d *fakeDemuxer) AudioCodec() string   { return "pcm" }
func (d *fakeDemuxer) VideoCodec() string   { return "raw" }
func (d *fakeDemuxer) AudioReady() bool     { return len(d.audio) > 0 }
func (d *fakeDemuxer) FrameReady() bool     { return len(d.video) > 0 }
func (d *fakeDemuxer) Duration() float64    { return 10 }
func (d *fakeDemuxer) Seekable() bool       { return true }

func (d *fakeDemuxer) AudioTimestamp() float64 {
	if len(d.audio) == 0 {
		return -1
	}
	return d.audio[0].Timestamp
}

func (d *fakeDemuxer) FrameTimestamp() float64 {
	if len(d.video) == 0 {
		return -1
	}
	return d.video[0].Timestamp
}

func (d *fakeDemuxer) KeyframeTimestamp() float64 {
	if len(d.video) == 0 {
		return -1
	}
	return d.video[0].KeyframeTimestamp
}

func (d *fakeDemuxer) DequeueAudioPacket() (Packet, bool) {
	if len(d.audio) == 0 {
		return Packet{}, false
	}
	p := d.audio[0]
	d.audio = d.audio[1:]
	return p, true
}

func (d *fakeDemuxer) DequeueVideoPacket() (Packet, bool) {
	if len(d.video) == 0 {
		return Packet{}, false
	}
	p := d.video[0]
	d.video = d.video[1:]
	return p, true
}

func (d *fakeDemuxer) KeypointOffset(t float64) int64 {
	if off, ok := d.offsets[t]; ok {
		return off
	}
	return -1
}

func (d *fakeDemuxer) Reposition(offset int64) { d.repos = append(d.repos, offset) }

var errBadPacket = errors.New("bad packet")

type fakeAudioDecoder struct {
	loaded bool
	buf    types.SampleBuffer
	closed bool
}

func (d *fakeAudioDecoder) Init() error { return nil }
func (d *fakeAudioDecoder) ProcessHeader(data []byte) error {
	d.loaded = true
	return nil
}
func (d *fakeAudioDecoder) ProcessAudio(data []byte) error {
	if string(data) == "bad" {
		return errBadPacket
	}
	d.buf = types.NewSampleBuffer(2, len(data))
	return nil
}
func (d *fakeAudioDecoder) LoadedMetadata() bool { return d.loaded }
func (d *fakeAudioDecoder) AudioFormat() *types.AudioFormat {
	if !d.loaded {
		return nil
	}
	return &types.AudioFormat{Channels: 2, Rate: 48000}
}
func (d *fakeAudioDecoder) AudioBuffer() types.SampleBuffer { return d.buf }
func (d *fakeAudioDecoder) Close() error                    { d.closed = true; return nil }

type fakeVideoDecoder struct {
	loaded bool
	frame  *types.FrameBuffer
}

func (d *fakeVideoDecoder) Init() error { return nil }
func (d *fakeVideoDecoder) ProcessHeader(data []byte) error {
	d.loaded = true
	return nil
}
func (d *fakeVideoDecoder) ProcessFrame(data []byte) error {
	d.frame = &types.FrameBuffer{Y: types.Plane{Bytes: data, Stride: len(data)}}
	return nil
}
func (d *fakeVideoDecoder) LoadedMetadata() bool { return d.loaded }
func (d *fakeVideoDecoder) VideoFormat() *types.VideoFormat {
	return &types.VideoFormat{Width: 4, Height: 2, FPS: 30}
}
func (d *fakeVideoDecoder) FrameBuffer() *types.FrameBuffer { return d.frame }
func (d *fakeVideoDecoder) Close() error                    { return nil }

func newScript() []scripted {
	return []scripted{
		{pkt: Packet{Data: []byte("ahdr")}},
		{video: true, pkt: Packet{Data: []byte("vhdr")}},
		{pkt: Packet{Data: []byte("abcd"), Timestamp: 0}},
		{video: true, pkt: Packet{Data: []byte("key"), Timestamp: 0, Keyframe: true}},
		{pkt: Packet{Data: []byte("bad"), Timestamp: 0.1}},
		{video: true, pkt: Packet{Data: []byte("delta"), Timestamp: 1.0 / 30, KeyframeTimestamp: 0}},
	}
}

type fixture struct {
	exec *manualExec
	dmx  *fakeDemuxer
	adec *fakeAudioDecoder
	w    *Wrapper
}

func newFixture(t *testing.T, withVideo bool) *fixture {
	t.Helper()
	f := &fixture{
		exec: &manualExec{},
		dmx:  &fakeDemuxer{script: newScript(), offsets: map[float64]int64{}},
		adec: &fakeAudioDecoder{},
	}
	reg := NewRegistry()
	reg.RegisterDemuxer("video/x-fake", []string{".fake"}, func() Demuxer { return f.dmx })
	reg.RegisterAudio("pcm", func() AudioDecoder { return f.adec })
	if withVideo {
		reg.RegisterVideo("raw", func() VideoDecoder { return &fakeVideoDecoder{} })
	}

	f.w = NewWrapper(Options{Type: "video/x-fake; codecs=raw", Registry: reg, Executor: f.exec})
	var initErr error
	f.w.Init(func(err error) { initErr = err })
	f.exec.drain()
	require.NoError(t, initErr)
	return f
}

func (f *fixture) feed(n int) {
	for range n {
		f.w.ReceiveInput([]byte{0}, func() {})
		f.exec.drain()
	}
}

func (f *fixture) process() bool {
	var more bool
	f.w.Process(func(m bool) { more = m })
	f.exec.drain()
	return more
}

func (f *fixture) loadMetadata(t *testing.T) {
	t.Helper()
	f.feed(3)
	for i := 0; i < 20 && !f.w.LoadedMetadata(); i++ {
		f.process()
	}
	require.True(t, f.w.LoadedMetadata())
}

func preconditionErr(fn func()) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err, _ = v.(error)
		}
	}()
	fn()
	return nil
}

func TestWrapperLoadsMetadataInStages(t *testing.T) {
	f := newFixture(t, true)

	assert.False(t, f.w.LoadedMetadata())
	f.loadMetadata(t)

	assert.True(t, f.w.HasAudio())
	assert.True(t, f.w.HasVideo())
	assert.Equal(t, &types.AudioFormat{Channels: 2, Rate: 48000}, f.w.AudioFormat())
	assert.Equal(t, 30.0, f.w.VideoFormat().FPS)
	assert.Equal(t, 10.0, f.w.Duration())
	assert.True(t, f.w.Seekable())
	assert.False(t, f.w.Processing())
}

func TestWrapperDecodesUnits(t *testing.T) {
	f := newFixture(t, true)
	f.loadMetadata(t)
	f.feed(4)

	for !f.w.AudioReady() || !f.w.FrameReady() {
		require.True(t, f.process())
	}

	var ok bool
	f.w.DecodeAudio(func(r bool) { ok = r })
	assert.True(t, f.w.Processing())
	f.exec.drain()
	require.True(t, ok)
	buf, ts := f.w.AudioBuffer()
	assert.Equal(t, 4, buf.Len())
	assert.Equal(t, 0.0, ts)

	f.w.DecodeFrame(func(r bool) { ok = r })
	f.exec.drain()
	require.True(t, ok)
	assert.Equal(t, []byte("key"), f.w.FrameBuffer().Y.Bytes)

	for !f.w.AudioReady() || !f.w.FrameReady() {
		f.process()
	}

	// rejected packets are reported, not fatal
	f.w.DecodeAudio(func(r bool) { ok = r })
	f.exec.drain()
	assert.False(t, ok)

	f.w.DecodeFrame(func(r bool) { ok = r })
	f.exec.drain()
	require.True(t, ok)
	fb := f.w.FrameBuffer()
	assert.InDelta(t, 1.0/30, fb.Timestamp, 1e-9)
	assert.Equal(t, 0.0, fb.KeyframeTimestamp)
}

func TestWrapperRejectsReentrantCalls(t *testing.T) {
	f := newFixture(t, true)
	f.feed(1)

	f.w.Process(func(bool) {})
	require.True(t, f.w.Processing())

	calls := map[string]func(){
		"Process":        func() { f.w.Process(func(bool) {}) },
		"DecodeAudio":    func() { f.w.DecodeAudio(func(bool) {}) },
		"DecodeFrame":    func() { f.w.DecodeFrame(func(bool) {}) },
		"ReceiveInput":   func() { f.w.ReceiveInput(nil, func() {}) },
		"Flush":          func() { f.w.Flush(func() {}) },
		"KeypointOffset": func() { f.w.KeypointOffset(1, func(int64) {}) },
	}
	for name, call := range calls {
		err := preconditionErr(call)
		var pe *PreconditionError
		require.ErrorAs(t, err, &pe, name)
		assert.ErrorIs(t, err, ErrReentrant, name)
		assert.Equal(t, name, pe.Op)
	}

	f.exec.drain()
	assert.False(t, f.w.Processing())
}

func TestWrapperCloseDropsLateCallbacks(t *testing.T) {
	f := newFixture(t, true)
	f.loadMetadata(t)
	f.feed(1)
	for !f.w.AudioReady() {
		f.process()
	}

	called := false
	f.w.DecodeAudio(func(bool) { called = true })
	f.w.Close()
	f.exec.drain()

	assert.False(t, called)
	assert.True(t, f.adec.closed)
	assert.ErrorIs(t, preconditionErr(func() { f.w.Process(func(bool) {}) }), ErrClosed)
}

func TestWrapperFlushAndKeypoint(t *testing.T) {
	f := newFixture(t, true)
	f.loadMetadata(t)
	f.feed(2)
	f.dmx.offsets[5] = 4096

	done := false
	f.w.Flush(func() { done = true })
	f.exec.drain()
	assert.True(t, done)
	assert.Equal(t, 1, f.dmx.flushed)
	assert.Zero(t, f.w.InputQueued())

	var off int64
	f.w.KeypointOffset(5, func(o int64) { off = o })
	f.exec.drain()
	assert.Equal(t, int64(4096), off)

	f.w.KeypointOffset(7, func(o int64) { off = o })
	f.exec.drain()
	assert.Equal(t, int64(-1), off)

	f.w.Reposition(4096)
	assert.Equal(t, []int64{4096}, f.dmx.repos)
}

func TestWrapperMissingDecoderDisablesTrack(t *testing.T) {
	f := newFixture(t, false)
	f.loadMetadata(t)

	assert.True(t, f.w.HasAudio())
	assert.False(t, f.w.HasVideo())
	assert.Nil(t, f.w.VideoFormat())
	assert.False(t, f.w.FrameReady())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterDemuxer("Audio/WAV", []string{".wav", ".WAVE"}, func() Demuxer { return &fakeDemuxer{} })

	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"song.wav", "audio/wav", true},
		{"/tmp/Song.WAV", "audio/wav", true},
		{"http://host/media/clip.wave?token=abc", "audio/wav", true},
		{"clip.ogv", "", false},
	}
	for _, tt := range tests {
		got, ok := reg.TypeFor(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("TypeFor(%q) = %q, %v; want %q, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}

	_, err := reg.NewDemuxer("audio/wav; codecs=1")
	assert.NoError(t, err)
	_, err = reg.NewDemuxer("video/ogg")
	assert.ErrorIs(t, err, ErrUnsupportedType)
	_, err = reg.NewAudioDecoder("opus")
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
	assert.Equal(t, []string{"audio/wav"}, reg.Types())
}
