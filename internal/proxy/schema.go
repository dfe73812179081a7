// Package proxy runs a decoder on its own goroutine and talks to it with
// typed request and response messages.
//
// The client side implements codec.AudioTrack and codec.VideoTrack; the
// worker side owns a codec.AudioDecoder or codec.VideoDecoder. Each call
// carries a correlation id; each response carries only the decoder
// properties that changed since the previous response.
package proxy

import (
	"errors"
	"fmt"

	"github.com/drgolem/streamsync/pkg/types"
)

// Version is the schema version stamped on every message.
const Version uint8 = 1

var (
	// ErrClosed is returned by transports and clients after Close.
	ErrClosed = errors.New("proxy: closed")

	// ErrVersion is returned for messages with an unknown schema version.
	ErrVersion = errors.New("proxy: unsupported schema version")

	// ErrMalformed is returned when an envelope cannot be decoded.
	ErrMalformed = errors.New("proxy: malformed envelope")
)

// Role selects which decoder kind a message addresses.
type Role uint8

const (
	RoleAudio Role = iota + 1
	RoleVideo
)

func (r Role) String() string {
	switch r {
	case RoleAudio:
		return "audio"
	case RoleVideo:
		return "video"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Action is the decoder operation a request invokes.
type Action uint8

const (
	ActionInit Action = iota + 1
	ActionProcessHeader
	ActionProcessAudio
	ActionProcessFrame
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionInit:
		return "init"
	case ActionProcessHeader:
		return "process_header"
	case ActionProcessAudio:
		return "process_audio"
	case ActionProcessFrame:
		return "process_frame"
	case ActionClose:
		return "close"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Field is a bit in Props.Mask.
type Field uint8

const (
	FieldLoadedMetadata Field = 1 << iota
	FieldAudioFormat
	FieldAudioBuffer
	FieldVideoFormat
	FieldFrameBuffer
)

// Props carries the decoder properties listed in Mask. Fields not in Mask
// are unchanged since the previous response and must be ignored.
type Props struct {
	Mask           Field
	LoadedMetadata bool
	AudioFormat    *types.AudioFormat
	AudioBuffer    types.SampleBuffer
	VideoFormat    *types.VideoFormat
	FrameBuffer    *types.FrameBuffer
}

// Has reports whether f is present.
func (p Props) Has(f Field) bool {
	return p.Mask&f != 0
}

// Request invokes one decoder action.
type Request struct {
	Version uint8
	ID      uint64
	Role    Role
	Action  Action
	Data    []byte
}

// Response answers the request with the same ID.
type Response struct {
	Version uint8
	ID      uint64
	Role    Role
	Action  Action
	Err     string // Empty on success
	Props   Props
}

// clone deep-copies every buffer in p.
func (p Props) clone() Props {
	out := p
	out.AudioBuffer = p.AudioBuffer.Clone()
	out.FrameBuffer = p.FrameBuffer.Clone()
	if p.AudioFormat != nil {
		f := *p.AudioFormat
		out.AudioFormat = &f
	}
	if p.VideoFormat != nil {
		f := *p.VideoFormat
		out.VideoFormat = &f
	}
	return out
}

// snapshot is the last property state a worker reported.
type snapshot struct {
	sent           bool
	loadedMetadata bool
	audioFormat    types.AudioFormat
	hasAudioFormat bool
	audioBuffer    types.SampleBuffer
	videoFormat    types.VideoFormat
	hasVideoFormat bool
	frameBuffer    *types.FrameBuffer
}

// diff returns the props that differ from s and records them. Formats
// compare by value; buffers compare by identity so a decoder handing out
// a fresh buffer is always reported.
func (s *snapshot) diff(cur Props) Props {
	out := Props{}
	if !s.sent || cur.LoadedMetadata != s.loadedMetadata {
		out.Mask |= FieldLoadedMetadata
		out.LoadedMetadata = cur.LoadedMetadata
		s.loadedMetadata = cur.LoadedMetadata
	}
	if (cur.AudioFormat != nil) != s.hasAudioFormat || (cur.AudioFormat != nil && *cur.AudioFormat != s.audioFormat) {
		out.Mask |= FieldAudioFormat
		out.AudioFormat = cur.AudioFormat
		s.hasAudioFormat = cur.AudioFormat != nil
		if cur.AudioFormat != nil {
			s.audioFormat = *cur.AudioFormat
		}
	}
	if !sameSamples(cur.AudioBuffer, s.audioBuffer) {
		out.Mask |= FieldAudioBuffer
		out.AudioBuffer = cur.AudioBuffer
		s.audioBuffer = cur.AudioBuffer
	}
	if (cur.VideoFormat != nil) != s.hasVideoFormat || (cur.VideoFormat != nil && *cur.VideoFormat != s.videoFormat) {
		out.Mask |= FieldVideoFormat
		out.VideoFormat = cur.VideoFormat
		s.hasVideoFormat = cur.VideoFormat != nil
		if cur.VideoFormat != nil {
			s.videoFormat = *cur.VideoFormat
		}
	}
	if cur.FrameBuffer != s.frameBuffer {
		out.Mask |= FieldFrameBuffer
		out.FrameBuffer = cur.FrameBuffer
		s.frameBuffer = cur.FrameBuffer
	}
	s.sent = true
	return out
}

func sameSamples(a, b types.SampleBuffer) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return (a == nil) == (b == nil)
	}
	return &a[0] == &b[0] && a.Len() == b.Len()
}
