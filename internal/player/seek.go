package player

import (
	"errors"
	"time"

	"github.com/drgolem/streamsync/pkg/bisect"
)

// checkSeek reports why a seek cannot start, if it cannot.
func (p *Player) checkSeek() error {
	if p.stream == nil || p.stream.BytesTotal() == 0 || !p.stream.Seekable() {
		return ErrNotSeekable
	}
	if p.codec == nil || !p.metadataLoaded {
		return ErrNotSeekable
	}
	if !p.codec.HasAudio() && !p.codec.HasVideo() {
		return ErrNoTracks
	}
	return nil
}

// seek starts a seek to t seconds. Seeking a stream that cannot seek is a
// logic error.
func (p *Player) seek(t float64) {
	if err := p.checkSeek(); err != nil {
		panic(&PreconditionError{Op: "seek", Err: err})
	}
	p.log.Debug("Seek requested", "target", t, "state", p.state)

	p.state = StateSeeking
	p.seekTarget = t
	p.lastSeekPosition = -1
	p.ended = false

	p.actions.PushBack(func() step {
		p.stopClock()
		p.frame = nil
		if p.feeder != nil {
			p.feeder.Flush()
		}
		p.codec.Flush(func() {
			p.codec.KeypointOffset(t, func(offset int64) {
				p.emit(Event{Type: EventSeeking})
				if offset > 0 {
					// indexed: start at the keypoint and decode forward
					p.setSeekState(LinearToTarget)
					p.seekStream(offset)
					p.apply(read())
					return
				}
				p.setSeekState(BisectToTarget)
				p.apply(p.startBisection(t))
			})
		})
		return await()
	})
	if !p.processing() {
		p.ping(-1)
	}
}

func (p *Player) setSeekState(s SeekState) {
	if s != p.seekState {
		p.log.Debug("Seek state changed", "seek_state", s, "previous", p.seekState)
	}
	p.seekState = s
}

// seekStream restarts the byte source at offset and tells the demuxer
// where the next input comes from.
func (p *Player) seekStream(offset int64) {
	p.streamGen++
	p.streamDone = false
	p.stream.SeekTo(offset)
	p.codec.Reposition(offset)
}

// startBisection searches the byte range for target. Each probe flushes
// the codec and reads from the probe position.
func (p *Player) startBisection(target float64) step {
	p.bisectTarget = target
	p.lastSeekPosition = -1
	p.bisector = bisect.New(0, p.stream.BytesTotal()-1, func(start, end, position int64) bool {
		if position == p.lastSeekPosition {
			return false
		}
		p.lastSeekPosition = position
		p.log.Debug("Bisecting", "byte_offset", position, "start", start, "end", end, "target", target)
		p.codec.Flush(func() {
			p.seekStream(position)
			p.apply(read())
		})
		return true
	})
	if p.bisector.Start() {
		return await()
	}
	p.setSeekState(LinearToTarget)
	return tickNow()
}

func (p *Player) afterSeeking(more bool) step {
	if !more && !p.streamDone {
		return read()
	}
	eof := !more

	switch p.seekState {
	case BisectToTarget, BisectToKeypoint:
		return p.bisectStep(eof)
	case LinearToTarget:
		return p.linearStep(eof)
	}
	panic(&PreconditionError{Op: "seek", Err: errors.New("seeking without a seek state")})
}

// bisectStep judges the unit found at the current probe.
func (p *Player) bisectStep(eof bool) step {
	var ts, unit float64
	switch {
	case p.codec.HasVideo():
		if !p.codec.FrameReady() {
			if eof {
				// nothing after this probe; it lies past the target
				return p.bisectLeft()
			}
			return tickNow()
		}
		ts, unit = p.codec.FrameTimestamp(), p.targetPerFrameTime
	case p.codec.HasAudio():
		if !p.codec.AudioReady() {
			if eof {
				return p.bisectLeft()
			}
			return tickNow()
		}
		ts, unit = p.codec.AudioTimestamp(), audioUnitTime
	default:
		panic(&PreconditionError{Op: "seek", Err: ErrNoTracks})
	}

	if ts < 0 {
		switch {
		case p.codec.FrameReady():
			p.codec.DecodeFrame(func(bool) { p.apply(tickNow()) })
		case p.codec.AudioReady():
			p.codec.DecodeAudio(func(bool) { p.apply(tickNow()) })
		default:
			return tickNow()
		}
		return await()
	}

	// When looking for a keyframe only units at or before it will do, so
	// that decoding forward starts from a reference.
	late := ts-unit > p.bisectTarget
	if p.seekState == BisectToKeypoint {
		late = ts > p.bisectTarget
	}
	switch {
	case late:
		return p.bisectLeft()
	case ts+unit < p.bisectTarget:
		if p.bisector.Right() {
			return await()
		}
		return p.bisectFound()
	}
	return p.bisectFound()
}

func (p *Player) bisectLeft() step {
	if p.bisector.Left() {
		return await()
	}
	return p.bisectFound()
}

// bisectFound accepts the current probe. A video unit that depends on an
// earlier keyframe sends the search back for that keyframe.
func (p *Player) bisectFound() step {
	if p.seekState == BisectToTarget && p.codec.HasVideo() && p.codec.FrameReady() &&
		p.codec.KeyframeTimestamp() >= 0 && p.codec.KeyframeTimestamp() < p.codec.FrameTimestamp() {
		p.setSeekState(BisectToKeypoint)
		return p.startBisection(p.codec.KeyframeTimestamp())
	}
	p.setSeekState(LinearToTarget)
	return tickNow()
}

// linearStep decodes forward to the seek target: video first, then audio
// up to the same point.
func (p *Player) linearStep(eof bool) step {
	unit := audioUnitTime
	if p.codec.HasVideo() {
		unit = p.targetPerFrameTime
	}

	if p.codec.HasVideo() {
		switch {
		case !p.codec.FrameReady():
			if !eof {
				return tickNow()
			}
		case p.codec.FrameTimestamp() < 0 || p.codec.FrameTimestamp()+unit < p.seekTarget:
			// decode rather than discard so the reference frame is kept
			p.codec.DecodeFrame(func(bool) { p.apply(tickNow()) })
			return await()
		}
	}
	if p.codec.HasAudio() {
		switch {
		case !p.codec.AudioReady():
			if !eof {
				return tickNow()
			}
		case p.codec.AudioTimestamp() < 0 || p.codec.AudioTimestamp()+unit < p.seekTarget:
			p.codec.DecodeAudio(func(bool) { p.apply(tickNow()) })
			return await()
		}
	}
	return p.continueSeekedPlayback()
}

// continueSeekedPlayback restarts the clock at exactly the seek target
// and resumes. The first kept units may start up to one unit earlier; they
// pace against their own timestamps.
func (p *Player) continueSeekedPlayback() step {
	p.setSeekState(NotSeeking)
	p.bisector = nil
	p.state = StatePlaying

	p.frameEnd = p.codec.FrameTimestamp()
	p.audioEnd = p.codec.AudioTimestamp()
	if p.frameEnd < 0 {
		p.frameEnd = p.seekTarget
	}
	p.log.Debug("Seek finished", "position", p.seekTarget)

	if p.codec.HasAudio() && p.feeder == nil {
		// seeked before playback ever started
		if err := p.initAudioFeeder(); err != nil {
			p.fail(err)
			return idle()
		}
	}
	if p.playStarted.IsZero() {
		p.playStarted = time.Now()
		p.lastFrameTimestamp = p.playStarted
	}
	p.clockOffset = p.seekTarget
	p.startClock()
	if p.paused {
		p.stopClock()
	}
	p.emit(Event{Type: EventSeeked})
	if p.paused {
		return idle()
	}
	return tickAfter(0)
}
