package codec

import (
	"github.com/drgolem/streamsync/internal/eventloop"
	"github.com/drgolem/streamsync/pkg/types"
)

// LocalLauncher runs decoders inline on the calling goroutine and posts
// their completions to Executor, so callers observe the same asynchronous
// contract as with a worker.
type LocalLauncher struct {
	Executor eventloop.Executor
}

func (l LocalLauncher) LaunchAudio(dec AudioDecoder) AudioTrack {
	return &localAudio{dec: dec, exec: l.Executor}
}

func (l LocalLauncher) LaunchVideo(dec VideoDecoder) VideoTrack {
	return &localVideo{dec: dec, exec: l.Executor}
}

type localAudio struct {
	dec     AudioDecoder
	exec    eventloop.Executor
	pending int

	loaded bool
	format *types.AudioFormat
	buffer types.SampleBuffer
}

func (t *localAudio) run(fn func() error, cb func(error)) {
	err := fn()
	t.loaded = t.dec.LoadedMetadata()
	t.format = t.dec.AudioFormat()
	t.buffer = t.dec.AudioBuffer()
	t.pending++
	t.exec.Post(func() {
		t.pending--
		cb(err)
	})
}

func (t *localAudio) Init(cb func(error)) { t.run(t.dec.Init, cb) }

func (t *localAudio) ProcessHeader(data []byte, cb func(error)) {
	t.run(func() error { return t.dec.ProcessHeader(data) }, cb)
}

func (t *localAudio) ProcessAudio(data []byte, cb func(error)) {
	t.run(func() error { return t.dec.ProcessAudio(data) }, cb)
}

func (t *localAudio) LoadedMetadata() bool            { return t.loaded }
func (t *localAudio) AudioFormat() *types.AudioFormat { return t.format }
func (t *localAudio) AudioBuffer() types.SampleBuffer { return t.buffer }
func (t *localAudio) Processing() bool                { return t.pending > 0 }
func (t *localAudio) Close()                          { t.dec.Close() }

type localVideo struct {
	dec     VideoDecoder
	exec    eventloop.Executor
	pending int

	loaded bool
	format *types.VideoFormat
	frame  *types.FrameBuffer
}

func (t *localVideo) run(fn func() error, cb func(error)) {
	err := fn()
	t.loaded = t.dec.LoadedMetadata()
	t.format = t.dec.VideoFormat()
	t.frame = t.dec.FrameBuffer()
	t.pending++
	t.exec.Post(func() {
		t.pending--
		cb(err)
	})
}

func (t *localVideo) Init(cb func(error)) { t.run(t.dec.Init, cb) }

func (t *localVideo) ProcessHeader(data []byte, cb func(error)) {
	t.run(func() error { return t.dec.ProcessHeader(data) }, cb)
}

func (t *localVideo) ProcessFrame(data []byte, cb func(error)) {
	t.run(func() error { return t.dec.ProcessFrame(data) }, cb)
}

func (t *localVideo) LoadedMetadata() bool            { return t.loaded }
func (t *localVideo) VideoFormat() *types.VideoFormat { return t.format }
func (t *localVideo) FrameBuffer() *types.FrameBuffer { return t.frame }
func (t *localVideo) Processing() bool                { return t.pending > 0 }
func (t *localVideo) Close()                          { t.dec.Close() }
