package player

import (
	"fmt"
	"math"
	"time"
)

// processing reports whether an asynchronous step is outstanding. The
// scheduler must not be entered while it is true.
func (p *Player) processing() bool {
	return p.waiting || (p.codec != nil && p.codec.Processing())
}

// apply arms the re-entry described by s. It is the only place the
// scheduler is re-armed.
func (p *Player) apply(s step) {
	switch s.kind {
	case stepTick:
		p.ping(s.delay)
	case stepRead:
		p.readBytes()
	case stepAwait, stepIdle:
	}
}

// ping schedules the next tick, replacing any pending one.
func (p *Player) ping(delay float64) {
	if p.processing() {
		panic(&PreconditionError{Op: "ping", Err: ErrReentrant})
	}
	p.cancelPending()
	tok := p.pendingTok
	fire := func() {
		if tok != p.pendingTok {
			return
		}
		p.timer = nil
		p.run()
	}
	if delay < 0 {
		p.loop.Post(fire)
		return
	}
	p.timer = p.loop.AfterFunc(seconds(delay), fire)
}

func (p *Player) cancelPending() {
	p.pendingTok++
	p.timer.Stop()
	p.timer = nil
}

func (p *Player) readBytes() {
	p.waiting = true
	p.stream.ReadBytes()
}

// run executes one tick and arms whatever it asks for.
func (p *Player) run() {
	if p.processing() || p.depth > 0 {
		panic(&PreconditionError{Op: "tick", Err: ErrReentrant})
	}
	p.depth++
	s := p.tick()
	p.depth--
	p.apply(s)
}

// tick performs exactly one unit of work: a queued action, or the handler
// for the current state.
func (p *Player) tick() step {
	if p.actions.Len() > 0 {
		return p.actions.PopFront()()
	}

	switch p.state {
	case StateInitial:
		if p.codec == nil {
			return idle()
		}
		p.codec.Process(func(more bool) { p.apply(p.afterInitial(more)) })
		return await()

	case StateSeekingEnd:
		p.codec.Process(func(more bool) { p.apply(p.afterSeekingEnd(more)) })
		return await()

	case StateLoaded:
		return p.processLoaded()

	case StateReady:
		return p.processReady()

	case StateSeeking:
		p.codec.Process(func(more bool) { p.apply(p.afterSeeking(more)) })
		return await()

	case StatePlaying:
		if p.paused {
			return idle()
		}
		start := time.Now()
		p.codec.Process(func(more bool) {
			delta := time.Since(start)
			p.stats.DemuxingTime += delta
			p.lastFrameCPU += delta
			p.apply(p.afterPlaying(more))
		})
		return await()
	}
	return idle()
}

func (p *Player) afterInitial(more bool) step {
	if !p.codec.LoadedMetadata() {
		if more {
			return tickNow()
		}
		if p.streamDone {
			p.fail(fmt.Errorf("%w: input ended before metadata", ErrNoTracks))
			return idle()
		}
		return read()
	}

	if !p.codec.HasAudio() && !p.codec.HasVideo() {
		p.fail(ErrNoTracks)
		return idle()
	}
	if p.codec.HasAudio() {
		p.audioFormat = p.codec.AudioFormat()
	}
	if p.codec.HasVideo() {
		p.videoFormat = p.codec.VideoFormat()
		p.targetPerFrameTime = defaultFrameTime
		if p.videoFormat.FPS > 0 {
			p.targetPerFrameTime = 1 / p.videoFormat.FPS
		}
	}
	if !p.durationKnown {
		if d := p.codec.Duration(); d >= 0 {
			p.duration, p.durationKnown = d, true
		}
	}
	p.log.Info("Metadata loaded",
		"has_audio", p.codec.HasAudio(),
		"has_video", p.codec.HasVideo(),
		"duration", p.duration,
		"duration_known", p.durationKnown)

	if p.durationKnown || !p.stream.Seekable() {
		p.state = StateLoaded
		return tickNow()
	}

	// find the duration from the timestamps near the end
	p.state = StateSeekingEnd
	p.lastSeen = -1
	p.codec.Flush(func() {
		p.seekStream(max(0, p.stream.BytesTotal()-seekEndWindow))
		p.apply(read())
	})
	return await()
}

func (p *Player) afterSeekingEnd(more bool) step {
	switch {
	case p.codec.HasVideo() && p.codec.FrameReady():
		p.lastSeen = max(p.lastSeen, p.codec.FrameTimestamp())
		p.codec.DiscardFrame(func() { p.apply(tickNow()) })
		return await()

	case p.codec.HasAudio() && p.codec.AudioReady():
		p.lastSeen = max(p.lastSeen, p.codec.AudioTimestamp())
		p.codec.DiscardAudio(func() { p.apply(tickNow()) })
		return await()

	case more:
		return tickNow()

	case !p.streamDone && p.stream.BytesRead() < p.stream.BytesTotal():
		return read()
	}

	if p.lastSeen > 0 {
		p.duration, p.durationKnown = p.lastSeen, true
	}
	p.log.Debug("Duration probed", "duration", p.duration, "duration_known", p.durationKnown)

	p.state = StateLoaded
	p.codec.Flush(func() {
		p.seekStream(0)
		p.apply(read())
	})
	return await()
}

func (p *Player) processLoaded() step {
	p.state = StateReady
	p.metadataLoaded = true
	p.emit(Event{Type: EventLoadedMetadata})
	p.emit(Event{Type: EventDurationChange})
	if p.paused {
		return idle()
	}
	return tickAfter(0)
}

func (p *Player) processReady() step {
	if p.paused || p.starting {
		return idle()
	}
	p.starting = true
	gen := p.gen
	begin := func() {
		p.loop.Post(func() {
			if gen == p.gen {
				p.finishStart()
			}
		})
	}
	if !p.codec.HasAudio() {
		begin()
		return idle()
	}
	if err := p.initAudioFeeder(); err != nil {
		p.fail(err)
		return idle()
	}
	p.feeder.WaitUntilReady(begin)
	return idle()
}

// finishStart runs once the audio output can play.
func (p *Player) finishStart() {
	p.starting = false
	if p.state != StateReady {
		return
	}
	p.state = StatePlaying
	now := time.Now()
	p.lastFrameTimestamp = now
	p.playStarted = now
	p.clockOffset = 0
	p.startClock()
	if p.paused {
		p.stopClock()
		return
	}
	p.emit(Event{Type: EventPlay})
	if !p.processing() {
		p.ping(0)
	}
}

func (p *Player) afterPlaying(more bool) step {
	if p.state != StatePlaying || p.actions.Len() > 0 {
		// a seek or input arrived while processing; run it first
		return tickNow()
	}
	if !more && !p.streamDone {
		return read()
	}
	if p.paused {
		return idle()
	}
	eof := !more

	if eof && !p.codec.AudioReady() && !p.codec.FrameReady() && p.frame == nil {
		final := 0.0
		if p.feeder != nil {
			final = float64(p.feeder.PlaybackState().SamplesQueued) / float64(p.feeder.Rate())
		}
		if final > 0 {
			return tickAfter(final)
		}
		p.end()
		return idle()
	}

	if p.codec.HasAudio() && !p.codec.AudioReady() && !eof {
		return tickNow()
	}

	var delays []float64
	needData := func() {
		if !eof {
			delays = append(delays, -1)
		}
	}
	pos := p.playbackTime()

	readyForAudio := false
	if p.codec.HasAudio() && p.feeder != nil {
		st := p.feeder.PlaybackState()
		buffered := float64(st.SamplesQueued) / float64(p.feeder.Rate())
		p.stats.DroppedAudio = st.Dropped
		p.stats.DelayedAudio = st.Delayed

		period := p.feeder.BufferDuration()
		limit := 2 * period
		readyForAudio = p.codec.AudioReady() && buffered <= limit

		switch {
		case !p.codec.AudioReady():
			needData()
		case p.codec.HasVideo() && p.codec.FrameReady() && pos-p.frameEnd > period:
			// video is lagging; hold audio back until it catches up
			readyForAudio = false
			delays = append(delays, pos-p.frameEnd)
		default:
			delays = append(delays, buffered-limit, limit/4)
		}
	}

	readyForDraw, readyForDecode := false, false
	if p.codec.HasVideo() {
		frameDelay := math.Min(math.Max(0, p.frameEnd-pos), p.targetPerFrameTime)
		readyForDraw = p.frame != nil && frameDelay <= drawFudge
		readyForDecode = p.frame == nil && p.codec.FrameReady()

		switch {
		case p.frame != nil:
			delays = append(delays, frameDelay)
		case !p.codec.FrameReady():
			needData()
		default:
			delays = append(delays, frameDelay)
		}
	}

	switch {
	case readyForDraw:
		p.drawFrame()
		return tickAfter(0)
	case readyForDecode:
		return p.decodeFrame()
	case readyForAudio:
		return p.decodeAudio()
	case len(delays) > 0:
		if !p.codec.HasVideo() {
			p.stats.FramesProcessed++
			p.frameComplete()
		}
		return tickAfter(max(0, minOf(delays)))
	}
	p.log.Debug("Nothing to schedule", "position", pos, "eof", eof)
	return idle()
}

func (p *Player) drawFrame() {
	start := time.Now()
	if p.opts.FrameSink != nil {
		if err := p.opts.FrameSink.DrawFrame(p.frame); err != nil {
			p.log.Warn("Frame sink failed", "frame_timestamp", p.frame.Timestamp, "error", err)
		}
	}
	p.stats.DrawingTime += time.Since(start)
	p.frame = nil
	p.stats.FramesProcessed++
	p.stats.FramesDrawn++
	p.frameComplete()
}

func (p *Player) decodeFrame() step {
	start := time.Now()
	ts := p.codec.FrameTimestamp()
	if p.videoFormat.FPS == 0 && ts-p.frameEnd > 0 {
		// no frame rate in the container; follow the timestamps
		p.targetPerFrameTime = ts - p.frameEnd
	}
	p.frameEnd = ts
	p.codec.DecodeFrame(func(ok bool) {
		delta := time.Since(start)
		p.stats.VideoDecodingTime += delta
		p.lastFrameCPU += delta
		if ok {
			p.frame = p.codec.FrameBuffer()
			p.videoErrors = 0
		} else {
			p.stats.FramesDropped++
			if p.decodeFailed(&p.videoErrors, "video") {
				return
			}
		}
		p.apply(tickNow())
	})
	return await()
}

func (p *Player) decodeAudio() step {
	start := time.Now()
	p.audioEnd = p.codec.AudioTimestamp()
	p.codec.DecodeAudio(func(ok bool) {
		delta := time.Since(start)
		p.stats.AudioDecodingTime += delta
		p.lastFrameCPU += delta
		if ok {
			p.audioErrors = 0
			p.stats.AudioDecoded++
			if buf, _ := p.codec.AudioBuffer(); buf != nil {
				bstart := time.Now()
				if err := p.feeder.BufferData(buf); err != nil {
					p.log.Warn("Audio buffer rejected", "timestamp", p.audioEnd, "error", err)
				}
				p.stats.BufferTime += time.Since(bstart)
			}
		} else if p.decodeFailed(&p.audioErrors, "audio") {
			return
		}
		p.apply(tickNow())
	})
	return await()
}

// decodeFailed counts a failed decode and enters the error state once the
// track has failed too many times in a row.
func (p *Player) decodeFailed(count *int, track string) bool {
	*count++
	p.stats.DecodeErrors++
	if p.opts.MaxDecodeErrors < 0 || *count <= p.opts.MaxDecodeErrors {
		return false
	}
	p.fail(fmt.Errorf("%w: %d consecutive %s packets", ErrDecodeFailed, *count, track))
	return true
}

// frameComplete updates per-frame timing and throttles timeupdate.
func (p *Player) frameComplete() {
	now := time.Now()
	clock := now.Sub(p.lastFrameTimestamp)
	jitter := clock - seconds(p.targetPerFrameTime)
	if jitter < 0 {
		jitter = -jitter
	}
	p.stats.totalJitter += jitter
	p.stats.PlayTime += clock

	p.emit(Event{Type: EventFrame, Frame: FrameTiming{CPUTime: p.lastFrameCPU, ClockTime: clock}})
	p.lastFrameCPU = 0
	p.lastFrameTimestamp = now

	if p.lastTimeUpdate.IsZero() || now.Sub(p.lastTimeUpdate) >= p.opts.TimeUpdateInterval {
		p.lastTimeUpdate = now
		p.emit(Event{Type: EventTimeUpdate})
	}
}

// end declares end of stream.
func (p *Player) end() {
	if p.ended {
		return
	}
	p.log.Info("Playback ended", "position", p.playbackTime())
	p.stopClock()
	p.state = StateEnded
	p.ended = true
	p.paused = true
	p.emit(Event{Type: EventEnded})
	p.finish()
}

func minOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		m = min(m, x)
	}
	return m
}
