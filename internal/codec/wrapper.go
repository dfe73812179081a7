package codec

import (
	"log/slog"

	"github.com/drgolem/streamsync/internal/eventloop"
	"github.com/drgolem/streamsync/pkg/types"

	"github.com/gammazero/deque"
)

// Options configures a Wrapper.
type Options struct {
	Type     string // MIME type of the container
	Registry *Registry
	Launcher Launcher // nil runs decoders inline
	Executor eventloop.Executor
	Logger   *slog.Logger
}

// Wrapper is the codec facade: one demuxer plus at most one audio and one
// video track, fed from a queue of compressed input chunks.
//
// Every method must be called on the executor goroutine. Asynchronous
// operations deliver their callback through the executor and Processing
// reports true until it has run. Starting an operation while Processing is
// true panics with a PreconditionError wrapping ErrReentrant.
type Wrapper struct {
	opts Options
	log  *slog.Logger

	dmx            Demuxer
	audio          AudioTrack
	video          VideoTrack
	decodersLoaded bool
	inputs         deque.Deque[[]byte]
	busy           int
	closed         bool

	audioBuf   types.SampleBuffer
	audioBufTs float64
	frame      *types.FrameBuffer
}

// NewWrapper creates a facade. Init must complete before any other call.
func NewWrapper(opts Options) *Wrapper {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Launcher == nil {
		opts.Launcher = LocalLauncher{Executor: opts.Executor}
	}
	return &Wrapper{
		opts: opts,
		log:  opts.Logger.With("component", "codec", "type", opts.Type),
	}
}

func (w *Wrapper) begin(op string) {
	if w.closed {
		panic(&PreconditionError{Op: op, Err: ErrClosed})
	}
	if w.Processing() {
		panic(&PreconditionError{Op: op, Err: ErrReentrant})
	}
	w.busy++
}

// complete posts fn and keeps the wrapper busy until it runs.
func (w *Wrapper) complete(fn func()) {
	w.opts.Executor.Post(func() {
		w.busy--
		if w.closed {
			return
		}
		fn()
	})
}

// after adapts fn into a track callback that ends the current operation.
func (w *Wrapper) after(fn func(err error)) func(error) {
	return func(err error) {
		w.busy--
		if w.closed {
			return
		}
		fn(err)
	}
}

// Init creates the demuxer for the configured type.
func (w *Wrapper) Init(cb func(err error)) {
	w.begin("Init")
	dmx, err := w.opts.Registry.NewDemuxer(w.opts.Type)
	if err == nil {
		err = dmx.Init()
	}
	if err == nil {
		w.dmx = dmx
	}
	w.complete(func() { cb(err) })
}

// Process advances the facade by one step using buffered input: demuxer
// metadata first, then decoder creation, then decoder headers, then one
// unit of demuxing. more reports whether another Process call could make
// progress without new input.
func (w *Wrapper) Process(cb func(more bool)) {
	w.begin("Process")

	switch {
	case !w.dmx.LoadedMetadata():
		more := w.demux()
		w.complete(func() { cb(more) })

	case !w.decodersLoaded:
		w.loadDecoders(func() { cb(true) })

	case w.audio != nil && !w.audio.LoadedMetadata():
		pkt, ok := w.dmx.DequeueAudioPacket()
		if !ok {
			more := w.demux()
			w.complete(func() { cb(more) })
			return
		}
		w.audio.ProcessHeader(pkt.Data, w.after(func(err error) {
			if err != nil {
				w.log.Warn("Audio header rejected", "error", err)
			}
			cb(true)
		}))

	case w.video != nil && !w.video.LoadedMetadata():
		pkt, ok := w.dmx.DequeueVideoPacket()
		if !ok {
			more := w.demux()
			w.complete(func() { cb(more) })
			return
		}
		w.video.ProcessHeader(pkt.Data, w.after(func(err error) {
			if err != nil {
				w.log.Warn("Video header rejected", "error", err)
			}
			cb(true)
		}))

	default:
		more := w.demux()
		w.complete(func() { cb(more) })
	}
}

func (w *Wrapper) demux() bool {
	more, err := w.dmx.Process()
	if err != nil {
		w.log.Warn("Demux error", "error", err)
	}
	// packets of disabled tracks are never dequeued otherwise
	if w.decodersLoaded {
		if w.audio == nil {
			for _, ok := w.dmx.DequeueAudioPacket(); ok; _, ok = w.dmx.DequeueAudioPacket() {
			}
		}
		if w.video == nil {
			for _, ok := w.dmx.DequeueVideoPacket(); ok; _, ok = w.dmx.DequeueVideoPacket() {
			}
		}
	}
	if !more && w.inputs.Len() > 0 {
		w.dmx.ReceiveInput(w.inputs.PopFront())
		more = true
	}
	return more
}

func (w *Wrapper) loadDecoders(done func()) {
	w.decodersLoaded = true

	if c := w.dmx.AudioCodec(); c != "" {
		dec, err := w.opts.Registry.NewAudioDecoder(c)
		if err != nil {
			w.log.Warn("Audio track disabled", "error", err)
		} else {
			w.audio = w.opts.Launcher.LaunchAudio(dec)
		}
	}
	if c := w.dmx.VideoCodec(); c != "" {
		dec, err := w.opts.Registry.NewVideoDecoder(c)
		if err != nil {
			w.log.Warn("Video track disabled", "error", err)
		} else {
			w.video = w.opts.Launcher.LaunchVideo(dec)
		}
	}

	initVideo := func() {
		if w.video == nil {
			w.complete(done)
			return
		}
		w.video.Init(w.after(func(err error) {
			if err != nil {
				w.log.Warn("Video decoder init failed", "error", err)
				w.video.Close()
				w.video = nil
			}
			done()
		}))
	}

	if w.audio == nil {
		initVideo()
		return
	}
	w.audio.Init(func(err error) {
		if w.closed {
			return
		}
		if err != nil {
			w.log.Warn("Audio decoder init failed", "error", err)
			w.audio.Close()
			w.audio = nil
		}
		initVideo()
	})
}

// ReceiveInput queues a chunk of compressed input.
func (w *Wrapper) ReceiveInput(data []byte, cb func()) {
	w.begin("ReceiveInput")
	w.inputs.PushBack(data)
	w.complete(cb)
}

// DecodeAudio decodes the next queued audio packet. ok is false if there
// was no packet or the decoder rejected it.
func (w *Wrapper) DecodeAudio(cb func(ok bool)) {
	w.begin("DecodeAudio")
	pkt, ok := w.dmx.DequeueAudioPacket()
	if !ok || w.audio == nil {
		w.complete(func() { cb(false) })
		return
	}
	w.audio.ProcessAudio(pkt.Data, w.after(func(err error) {
		if err != nil {
			w.log.Debug("Audio decode failed", "timestamp", pkt.Timestamp, "error", err)
			cb(false)
			return
		}
		w.audioBuf = w.audio.AudioBuffer()
		w.audioBufTs = pkt.Timestamp
		cb(true)
	}))
}

// DecodeFrame decodes the next queued video packet.
func (w *Wrapper) DecodeFrame(cb func(ok bool)) {
	w.begin("DecodeFrame")
	pkt, ok := w.dmx.DequeueVideoPacket()
	if !ok || w.video == nil {
		w.complete(func() { cb(false) })
		return
	}
	w.video.ProcessFrame(pkt.Data, w.after(func(err error) {
		fb := w.video.FrameBuffer()
		if err == nil && fb == nil {
			err = ErrUnsupportedCodec
		}
		if err != nil {
			w.log.Debug("Frame decode failed", "frame_timestamp", pkt.Timestamp, "error", err)
			cb(false)
			return
		}
		frame := *fb
		frame.Timestamp = pkt.Timestamp
		frame.KeyframeTimestamp = pkt.KeyframeTimestamp
		w.frame = &frame
		cb(true)
	}))
}

// DiscardAudio drops the next queued audio packet without decoding it.
func (w *Wrapper) DiscardAudio(cb func()) {
	w.begin("DiscardAudio")
	w.dmx.DequeueAudioPacket()
	w.complete(cb)
}

// DiscardFrame drops the next queued video packet without decoding it.
func (w *Wrapper) DiscardFrame(cb func()) {
	w.begin("DiscardFrame")
	w.dmx.DequeueVideoPacket()
	w.complete(cb)
}

// Flush drops queued input, demuxer state and decoded output.
func (w *Wrapper) Flush(cb func()) {
	w.begin("Flush")
	w.dmx.Flush()
	w.inputs.Clear()
	w.audioBuf = nil
	w.frame = nil
	w.complete(cb)
}

// KeypointOffset asks the demuxer for the byte offset of the nearest index
// point at or before t. A negative offset means no index exists.
func (w *Wrapper) KeypointOffset(t float64, cb func(offset int64)) {
	w.begin("KeypointOffset")
	offset := w.dmx.KeypointOffset(t)
	w.complete(func() { cb(offset) })
}

// Reposition tells the demuxer where the next input comes from.
func (w *Wrapper) Reposition(offset int64) {
	if r, ok := w.dmx.(Repositioner); ok {
		r.Reposition(offset)
	}
}

// Processing reports whether an operation is in flight.
func (w *Wrapper) Processing() bool {
	if w.busy > 0 {
		return true
	}
	if w.audio != nil && w.audio.Processing() {
		return true
	}
	return w.video != nil && w.video.Processing()
}

// Close releases the demuxer and tracks. Callbacks still in flight are
// dropped.
func (w *Wrapper) Close() {
	if w.closed {
		return
	}
	w.closed = true
	if w.audio != nil {
		w.audio.Close()
	}
	if w.video != nil {
		w.video.Close()
	}
	if w.dmx != nil {
		if err := w.dmx.Close(); err != nil {
			w.log.Debug("Demuxer close failed", "error", err)
		}
	}
	w.inputs.Clear()
}

// LoadedMetadata reports whether the demuxer and every decoder have
// parsed their headers.
func (w *Wrapper) LoadedMetadata() bool {
	if w.dmx == nil || !w.dmx.LoadedMetadata() || !w.decodersLoaded {
		return false
	}
	if w.audio != nil && !w.audio.LoadedMetadata() {
		return false
	}
	return w.video == nil || w.video.LoadedMetadata()
}

func (w *Wrapper) HasAudio() bool { return w.audio != nil }
func (w *Wrapper) HasVideo() bool { return w.video != nil }

func (w *Wrapper) AudioReady() bool {
	return w.audio != nil && w.dmx.AudioReady()
}

func (w *Wrapper) FrameReady() bool {
	return w.video != nil && w.dmx.FrameReady()
}

func (w *Wrapper) AudioTimestamp() float64    { return w.dmx.AudioTimestamp() }
func (w *Wrapper) FrameTimestamp() float64    { return w.dmx.FrameTimestamp() }
func (w *Wrapper) KeyframeTimestamp() float64 { return w.dmx.KeyframeTimestamp() }

// Duration returns the container duration in seconds, negative if unknown.
func (w *Wrapper) Duration() float64 {
	if w.dmx == nil {
		return -1
	}
	return w.dmx.Duration()
}

func (w *Wrapper) Seekable() bool {
	return w.dmx != nil && w.dmx.Seekable()
}

// AudioFormat returns the decoded audio format, or nil without audio.
func (w *Wrapper) AudioFormat() *types.AudioFormat {
	if w.audio == nil {
		return nil
	}
	return w.audio.AudioFormat()
}

// VideoFormat returns the decoded video format, or nil without video.
func (w *Wrapper) VideoFormat() *types.VideoFormat {
	if w.video == nil {
		return nil
	}
	return w.video.VideoFormat()
}

// AudioBuffer returns the output of the last successful DecodeAudio and
// the timestamp of its packet.
func (w *Wrapper) AudioBuffer() (types.SampleBuffer, float64) {
	return w.audioBuf, w.audioBufTs
}

// FrameBuffer returns the output of the last successful DecodeFrame.
func (w *Wrapper) FrameBuffer() *types.FrameBuffer {
	return w.frame
}

// InputQueued returns the number of input chunks not yet handed to the demuxer.
func (w *Wrapper) InputQueued() int {
	return w.inputs.Len()
}
