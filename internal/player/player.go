// Package player is the playback engine: a state machine and pacing
// scheduler that pull bytes from a byte source, drive the codec facade and
// present decoded audio and video against the audio clock.
//
// All engine state lives on one event loop goroutine. Public methods are
// safe to call from any goroutine; they hop onto the loop and wait.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/drgolem/streamsync/internal/audio"
	"github.com/drgolem/streamsync/internal/bytesource"
	"github.com/drgolem/streamsync/internal/codec"
	"github.com/drgolem/streamsync/internal/eventloop"
	"github.com/drgolem/streamsync/internal/proxy"
	"github.com/drgolem/streamsync/pkg/bisect"
	"github.com/drgolem/streamsync/pkg/types"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
)

const (
	DefaultMaxDecodeErrors    = 32
	DefaultTimeUpdateInterval = 250 * time.Millisecond
	DefaultAudioBufferSize    = 4096

	defaultFrameTime = 1.0 / 60
	audioUnitTime    = 1.0 / 256 // approximate audio packet length for seek tolerance
	drawFudge        = 0.0001
	seekEndWindow    = 65536 * 2
)

var (
	// ErrDecodeFailed is the terminal error once a track exceeds
	// MaxDecodeErrors consecutive failed decodes.
	ErrDecodeFailed = errors.New("player: persistent decode failure")

	// ErrNotSeekable is raised when seeking a stream without a known length
	// or range support.
	ErrNotSeekable = errors.New("player: stream is not seekable")

	// ErrNoTracks is raised when the container has neither audio nor video.
	ErrNoTracks = errors.New("player: no audio or video track")

	// ErrReentrant is raised when the scheduler is re-entered while an
	// asynchronous step is outstanding.
	ErrReentrant = codec.ErrReentrant

	// ErrClosed is returned by Wait after Stop or Close.
	ErrClosed = errors.New("player: closed")

	// ErrBusy is returned by Load while another input is loaded.
	ErrBusy = errors.New("player: an input is already loaded")
)

// PreconditionError reports a call that indicates a logic bug. It is
// raised with panic.
type PreconditionError = codec.PreconditionError

// FrameSink receives decoded frames when they are due.
type FrameSink interface {
	DrawFrame(frame *types.FrameBuffer) error
}

// Options configures a Player.
type Options struct {
	Registry *codec.Registry
	Type     string // MIME type; derived from the URL by the registry when empty

	// AudioBackend opens an output for the stream's native format. The
	// backend may pick its own rate and channel count. Nil uses an
	// audio.Shim.
	AudioBackend func(channels, rate int) (audio.Backend, error)
	Resampler    string   // "linear" (default) or "soxr"
	Volume       *float64 // Linear gain; nil plays at full volume
	Muted        bool

	FrameSink FrameSink

	// Worker runs each decoder on its own goroutine behind the proxy
	// protocol. Transfer hands buffers over instead of copying them; Stream
	// carries the protocol over a byte stream.
	Worker   bool
	Transfer bool
	Stream   bool

	// MaxDecodeErrors bounds consecutive failed decodes per track. Zero
	// selects DefaultMaxDecodeErrors; negative disables the check.
	MaxDecodeErrors int

	TimeUpdateInterval time.Duration

	HTTPClient   *http.Client
	ChunkSize    int64
	StreamBuffer int
	ReadSize     int
	Logger       *slog.Logger
}

// step tells apply how the scheduler re-enters after a tick.
type step struct {
	kind  stepKind
	delay float64 // seconds, for stepTick; negative means immediately
}

type stepKind int

const (
	stepAwait stepKind = iota // a callback will re-enter
	stepTick                  // re-enter after delay
	stepRead                  // request bytes and suspend
	stepIdle                  // wait for an external event
)

func await() step              { return step{kind: stepAwait} }
func idle() step               { return step{kind: stepIdle} }
func read() step               { return step{kind: stepRead} }
func tickNow() step            { return step{kind: stepTick, delay: -1} }
func tickAfter(d float64) step { return step{kind: stepTick, delay: d} }

// action is a queued unit of serialized work run at the start of a tick.
type action func() step

// Player plays one input at a time.
type Player struct {
	opts Options
	id   string
	log  *slog.Logger
	loop *eventloop.Loop
	hub  hub

	loopDone chan struct{}
	done     chan struct{}
	finished bool

	// Everything below is owned by the loop goroutine.
	src         string
	stream      *bytesource.Stream
	streamDone  bool
	streamGen   int
	codec       *codec.Wrapper
	feeder      *audio.Feeder
	backend     audio.Backend
	audioFormat *types.AudioFormat
	videoFormat *types.VideoFormat

	state      State
	seekState  SeekState
	paused     bool
	ended      bool
	err        error
	gen        int
	actions    deque.Deque[action]
	depth      int
	waiting    bool // waiting on the byte source
	starting   bool // waiting on the audio backend before Playing
	pendingTok int
	timer      *eventloop.Timer

	duration       float64
	durationKnown  bool
	metadataLoaded bool
	lastSeen       float64

	clockRunning bool
	clockBase    float64
	clockOffset  float64
	epoch        time.Time
	playStarted  time.Time

	frame              *types.FrameBuffer
	frameEnd           float64
	audioEnd           float64
	targetPerFrameTime float64
	videoErrors        int
	audioErrors        int

	seekTarget       float64
	bisectTarget     float64
	lastSeekPosition int64
	bisector         *bisect.Bisector

	stats              counters
	lastFrameTimestamp time.Time
	lastFrameCPU       time.Duration
	lastTimeUpdate     time.Time
}

// New creates a player and starts its event loop.
func New(opts Options) *Player {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxDecodeErrors == 0 {
		opts.MaxDecodeErrors = DefaultMaxDecodeErrors
	}
	if opts.TimeUpdateInterval <= 0 {
		opts.TimeUpdateInterval = DefaultTimeUpdateInterval
	}
	if opts.Registry == nil {
		opts.Registry = codec.NewRegistry()
	}
	if opts.AudioBackend == nil {
		opts.AudioBackend = func(channels, rate int) (audio.Backend, error) {
			return audio.NewShim(channels, rate, DefaultAudioBufferSize), nil
		}
	}
	if opts.Volume == nil {
		full := 1.0
		opts.Volume = &full
	}

	id := uuid.NewString()
	log := opts.Logger.With("component", "player", "player_id", id)
	p := &Player{
		opts:               opts,
		id:                 id,
		log:                log,
		loop:               eventloop.New(log),
		loopDone:           make(chan struct{}),
		done:               make(chan struct{}),
		paused:             true,
		epoch:              time.Now(),
		targetPerFrameTime: defaultFrameTime,
	}
	p.loop.SetPanicHandler(p.onPanic)
	go func() {
		defer close(p.loopDone)
		if err := p.loop.Run(context.Background()); err != nil {
			p.log.Debug("Event loop stopped", "error", err)
		}
	}()
	return p
}

// ID returns the player's instance id.
func (p *Player) ID() string {
	return p.id
}

// Subscribe returns a new event subscription.
func (p *Player) Subscribe() *Subscription {
	return p.hub.subscribe()
}

// Load opens url and starts reading metadata. It returns ErrBusy while
// another input is loaded; call Stop first.
func (p *Player) Load(url string) error {
	typ := p.opts.Type
	if typ == "" {
		t, ok := p.opts.Registry.TypeFor(url)
		if !ok {
			return fmt.Errorf("%w: %s", codec.ErrUnsupportedType, url)
		}
		typ = t
	}
	return p.LoadFetcher(url, bytesource.NewFetcher(url, p.opts.HTTPClient), typ)
}

// LoadFetcher starts reading from fetcher, whose data has MIME type typ.
// name labels the input in logs and status.
func (p *Player) LoadFetcher(name string, fetcher bytesource.Fetcher, typ string) error {
	if _, err := p.opts.Registry.NewDemuxer(typ); err != nil {
		return err
	}
	var err error
	if !p.loop.Do(func() { err = p.load(name, fetcher, typ) }) {
		return ErrClosed
	}
	return err
}

// Play starts or resumes playback.
func (p *Player) Play() {
	p.loop.Do(p.play)
}

// Pause suspends playback. Decode state is kept.
func (p *Player) Pause() {
	p.loop.Do(p.pause)
}

// Stop aborts loading and playback and releases the input.
func (p *Player) Stop() {
	p.loop.Do(func() {
		p.teardown()
		p.state = StateInitial
		p.paused = true
		p.finish()
	})
}

// Close stops playback, shuts the event loop down and closes every
// subscription.
func (p *Player) Close() {
	p.Stop()
	p.loop.Close()
	<-p.loopDone
	p.hub.close()
}

// Wait blocks until playback ends, fails or is stopped. It returns nil once
// the input has ended.
func (p *Player) Wait(ctx context.Context) error {
	var done chan struct{}
	if !p.loop.Do(func() { done = p.done }) {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	var err error
	if !p.loop.Do(func() { err = p.waitResult() }) {
		return ErrClosed
	}
	return err
}

func (p *Player) waitResult() error {
	switch {
	case p.err != nil:
		return p.err
	case p.ended:
		return nil
	default:
		return ErrClosed
	}
}

// finish releases Wait once.
func (p *Player) finish() {
	if p.finished {
		return
	}
	p.finished = true
	close(p.done)
}

// CurrentTime returns the playback position in seconds.
func (p *Player) CurrentTime() float64 {
	var t float64
	p.loop.Do(func() {
		if p.state == StateSeeking {
			t = p.seekTarget
			return
		}
		t = p.playbackTime()
	})
	return t
}

// SetCurrentTime seeks to t seconds.
func (p *Player) SetCurrentTime(t float64) error {
	var err error
	if !p.loop.Do(func() {
		if err = p.checkSeek(); err == nil {
			p.seek(t)
		}
	}) {
		return ErrClosed
	}
	return err
}

// Duration returns the duration in seconds: NaN before metadata has
// loaded and +Inf when it cannot be determined.
func (p *Player) Duration() float64 {
	d := math.NaN()
	p.loop.Do(func() { d = p.currentDuration() })
	return d
}

func (p *Player) currentDuration() float64 {
	switch {
	case !p.metadataLoaded:
		return math.NaN()
	case !p.durationKnown:
		return math.Inf(1)
	default:
		return p.duration
	}
}

func (p *Player) Paused() bool {
	var v bool
	p.loop.Do(func() { v = p.paused })
	return v
}

func (p *Player) Ended() bool {
	var v bool
	p.loop.Do(func() { v = p.ended })
	return v
}

func (p *Player) Seeking() bool {
	var v bool
	p.loop.Do(func() { v = p.state == StateSeeking })
	return v
}

func (p *Player) State() State {
	var v State
	p.loop.Do(func() { v = p.state })
	return v
}

func (p *Player) SeekState() SeekState {
	var v SeekState
	p.loop.Do(func() { v = p.seekState })
	return v
}

// AudioFormat returns the audio track format, or nil before metadata or
// without an audio track.
func (p *Player) AudioFormat() *types.AudioFormat {
	var f *types.AudioFormat
	p.loop.Do(func() {
		if p.metadataLoaded {
			f = p.audioFormat
		}
	})
	return f
}

// VideoFormat returns the video track format, or nil before metadata or
// without a video track.
func (p *Player) VideoFormat() *types.VideoFormat {
	var f *types.VideoFormat
	p.loop.Do(func() {
		if p.metadataLoaded {
			f = p.videoFormat
		}
	})
	return f
}

// Err returns the terminal error, if any.
func (p *Player) Err() error {
	var err error
	p.loop.Do(func() { err = p.err })
	return err
}

// Buffered estimates the downloaded time range from the byte position.
func (p *Player) Buffered() []types.TimeRange {
	var r []types.TimeRange
	p.loop.Do(func() {
		end := 0.0
		d := p.currentDuration()
		if p.stream != nil && p.stream.BytesTotal() > 0 && !math.IsNaN(d) && !math.IsInf(d, 0) {
			end = float64(p.stream.BytesBuffered()) / float64(p.stream.BytesTotal()) * d
		}
		r = []types.TimeRange{{Start: 0, End: end}}
	})
	return r
}

// Seekable returns the seekable time range, empty when seeking is not
// possible.
func (p *Player) Seekable() []types.TimeRange {
	var r []types.TimeRange
	p.loop.Do(func() {
		d := p.currentDuration()
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return
		}
		if p.stream != nil && p.stream.Seekable() && p.codec != nil && p.codec.Seekable() {
			r = []types.TimeRange{{Start: 0, End: d}}
		}
	})
	return r
}

// Stats returns the playback counters.
func (p *Player) Stats() Stats {
	var s Stats
	p.loop.Do(func() { s = p.stats.snapshot(p.targetPerFrameTime) })
	return s
}

// ResetStats clears the playback counters.
func (p *Player) ResetStats() {
	p.loop.Do(p.stats.reset)
}

// SetVolume sets the output gain.
func (p *Player) SetVolume(v float64) {
	p.loop.Do(func() {
		p.opts.Volume = &v
		if p.feeder != nil {
			p.feeder.SetVolume(v)
		}
	})
}

// SetMuted mutes or unmutes the output.
func (p *Player) SetMuted(m bool) {
	p.loop.Do(func() {
		p.opts.Muted = m
		if p.feeder != nil {
			p.feeder.SetMuted(m)
		}
	})
}

// GetPlaybackStatus implements types.PlaybackMonitor.
func (p *Player) GetPlaybackStatus() types.PlaybackStatus {
	var st types.PlaybackStatus
	p.loop.Do(func() {
		st.FileName = p.src
		st.Position = p.playbackTime()
		st.Duration = p.currentDuration()
		st.FramesDrawn = uint64(p.stats.FramesDrawn)
		if p.stream != nil {
			st.BytesBuffered = p.stream.BytesBuffered()
			st.BytesTotal = p.stream.BytesTotal()
		}
		if p.backend != nil {
			st.SampleRate = p.backend.Rate()
			st.Channels = p.backend.Channels()
			st.FramesPerBuffer = p.backend.BufferSize()
		}
		if p.feeder != nil {
			cs := p.feeder.PlaybackState()
			st.BufferedSamples = uint64(cs.SamplesQueued)
			st.DroppedAudio = cs.Dropped
		}
		if !p.playStarted.IsZero() {
			st.ElapsedTime = time.Since(p.playStarted)
		}
	})
	return st
}

func (p *Player) load(name string, fetcher bytesource.Fetcher, typ string) error {
	if p.stream != nil {
		return fmt.Errorf("%w: %s is loaded", ErrBusy, p.src)
	}
	p.src = name
	p.state = StateInitial
	p.seekState = NotSeeking
	p.ended = false
	p.err = nil
	p.duration, p.durationKnown, p.metadataLoaded = 0, false, false
	p.audioFormat, p.videoFormat = nil, nil
	p.clockOffset, p.clockBase = 0, 0
	p.frameEnd, p.audioEnd = 0, 0
	p.targetPerFrameTime = defaultFrameTime
	p.stats.reset()
	if p.finished {
		p.finished = false
		p.done = make(chan struct{})
	}

	gen := p.gen
	p.log.Info("Loading", "src", name, "type", typ)
	p.stream = bytesource.New(fetcher, bytesource.Options{
		ChunkSize:  p.opts.ChunkSize,
		BufferSize: p.opts.StreamBuffer,
		ReadSize:   p.opts.ReadSize,
		Executor:   p.loop,
		Logger:     p.log,
		Handler: bytesource.Handler{
			OnStart: func() { p.onStreamStart(gen, typ) },
			OnRead:  func(data []byte) { p.onStreamRead(gen, data) },
			OnDone:  func() { p.onStreamDone(gen) },
			OnError: func(err error) { p.onStreamError(gen, err) },
		},
	})
	p.stream.Start()
	return nil
}

func (p *Player) onStreamStart(gen int, typ string) {
	if gen != p.gen {
		return
	}
	if h := p.stream.Header("X-Content-Duration"); h != "" {
		if d, err := strconv.ParseFloat(h, 64); err == nil && d >= 0 {
			p.duration, p.durationKnown = d, true
		} else {
			p.log.Warn("Ignoring malformed X-Content-Duration", "value", h)
		}
	}

	var launcher codec.Launcher
	if p.opts.Worker {
		launcher = proxy.Launcher{
			Executor: p.loop,
			Transfer: p.opts.Transfer,
			Stream:   p.opts.Stream,
			Logger:   p.log,
		}
	}
	p.codec = codec.NewWrapper(codec.Options{
		Type:     typ,
		Registry: p.opts.Registry,
		Launcher: launcher,
		Executor: p.loop,
		Logger:   p.log,
	})
	p.codec.Init(func(err error) {
		if err != nil {
			p.fail(fmt.Errorf("failed to initialize codec: %w", err))
			return
		}
		p.apply(read())
	})
}

func (p *Player) onStreamRead(gen int, data []byte) {
	if gen != p.gen {
		return
	}
	p.waiting = false
	sg := p.streamGen
	p.actions.PushBack(func() step {
		if sg != p.streamGen {
			// read before the last reposition
			return tickNow()
		}
		p.codec.ReceiveInput(data, func() { p.apply(tickNow()) })
		return await()
	})
	if !p.processing() {
		p.ping(-1)
	}
}

func (p *Player) onStreamDone(gen int) {
	if gen != p.gen {
		return
	}
	p.waiting = false
	p.streamDone = true
	if !p.processing() {
		p.ping(-1)
	}
}

func (p *Player) onStreamError(gen int, err error) {
	if gen != p.gen {
		return
	}
	p.fail(fmt.Errorf("failed to read input: %w", err))
}

// onPanic turns a panic recovered on the loop into the terminal error.
func (p *Player) onPanic(v any) {
	err, ok := v.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", v)
	}
	p.fail(err)
}

// fail enters the terminal error state.
func (p *Player) fail(err error) {
	if p.state == StateError {
		return
	}
	p.log.Error("Playback failed", "error", err, "state", p.state)
	p.teardown()
	p.err = err
	p.state = StateError
	p.paused = true
	p.emit(Event{Type: EventError, Err: err})
	p.finish()
}

// teardown releases the input and invalidates every outstanding callback.
func (p *Player) teardown() {
	p.gen++
	p.cancelPending()
	p.actions.Clear()
	p.waiting = false
	p.starting = false
	p.depth = 0
	if p.stream != nil {
		p.stream.Abort()
		p.stream = nil
	}
	p.streamDone = false
	if p.codec != nil {
		p.codec.Close()
		p.codec = nil
	}
	if p.feeder != nil {
		if err := p.feeder.Close(); err != nil {
			p.log.Debug("Audio close failed", "error", err)
		}
		p.feeder = nil
		p.backend = nil
	}
	p.clockRunning = false
	p.frame = nil
	p.bisector = nil
	p.seekState = NotSeeking
	p.videoErrors, p.audioErrors = 0, 0
}

func (p *Player) emit(e Event) {
	if e.Type != EventError {
		e.Time = p.playbackTime()
	}
	p.hub.emit(e)
}

func (p *Player) play() {
	if !p.paused {
		return
	}
	p.paused = false
	switch p.state {
	case StateInitial, StateSeekingEnd, StateLoaded, StateError:
		// the Ready handler starts playback once metadata is in
	case StateReady:
		if !p.processing() {
			p.ping(-1)
		}
	case StateSeeking:
		// continueSeekedPlayback leaves the clock running
		p.emit(Event{Type: EventPlay})
	case StateEnded:
		if p.checkSeek() != nil {
			p.paused = true
			return
		}
		p.emit(Event{Type: EventPlay})
		p.seek(0)
	default:
		p.actions.PushBack(func() step {
			p.startClock()
			p.emit(Event{Type: EventPlay})
			return tickAfter(0)
		})
		if !p.processing() {
			p.ping(-1)
		}
	}
}

func (p *Player) pause() {
	if p.paused {
		return
	}
	if p.stream == nil {
		p.paused = true
		return
	}
	if p.state == StatePlaying {
		p.cancelPending()
	}
	p.stopClock()
	p.paused = true
	p.emit(Event{Type: EventPause})
}

// startClock starts the playback clock from the current offset.
func (p *Player) startClock() {
	if p.feeder != nil {
		if err := p.feeder.Start(); err != nil {
			p.log.Warn("Audio start failed", "error", err)
		}
		p.clockBase = p.feeder.PlaybackState().Position
	} else {
		p.clockBase = p.wallClock()
	}
	p.clockRunning = true
}

// stopClock freezes the playback clock at its current position.
func (p *Player) stopClock() {
	if p.feeder != nil {
		if err := p.feeder.Stop(); err != nil {
			p.log.Debug("Audio stop failed", "error", err)
		}
	}
	p.clockOffset = p.playbackTime()
	p.clockRunning = false
}

// playbackTime is the stream position in seconds.
func (p *Player) playbackTime() float64 {
	if !p.clockRunning {
		return p.clockOffset
	}
	var pos float64
	if p.feeder != nil {
		pos = p.feeder.PlaybackState().Position
	} else {
		pos = p.wallClock()
	}
	return pos - p.clockBase + p.clockOffset
}

func (p *Player) wallClock() float64 {
	return time.Since(p.epoch).Seconds()
}

func (p *Player) initAudioFeeder() error {
	f := p.audioFormat
	backend, err := p.opts.AudioBackend(f.Channels, f.Rate)
	if err != nil {
		return fmt.Errorf("failed to open audio output: %w", err)
	}
	opts := []audio.Option{audio.WithLogger(p.log)}
	if p.opts.Resampler == "soxr" {
		opts = append(opts, audio.WithResampler(audio.SoxrResampler{
			InRate:      f.Rate,
			OutRate:     backend.Rate(),
			OutChannels: backend.Channels(),
		}))
	}
	feeder, err := audio.NewFeeder(backend, f.Channels, f.Rate, opts...)
	if err != nil {
		backend.Close()
		return err
	}
	gen := p.gen
	feeder.SetOnStarved(func() {
		p.loop.Post(func() {
			if gen == p.gen {
				p.onStarved()
			}
		})
	})
	feeder.SetVolume(*p.opts.Volume)
	feeder.SetMuted(p.opts.Muted)
	p.feeder = feeder
	p.backend = backend
	return nil
}

// onStarved cuts a pending deadline short so the scheduler decodes more
// audio right away.
func (p *Player) onStarved() {
	if p.timer != nil && !p.processing() {
		p.ping(-1)
	}
}
