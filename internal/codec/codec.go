// Package codec unifies a demuxer and its audio and video decoders behind
// one polling interface driven by the playback scheduler.
//
// Demuxers and decoders are synchronous. A Launcher wraps each decoder in
// an asynchronous track, either running it inline (LocalLauncher) or on a
// worker goroutine (see package proxy). The Wrapper owns the demuxer, the
// tracks and the queue of compressed input, and delivers every completion
// through an event loop.
package codec

import (
	"github.com/drgolem/streamsync/pkg/types"
)

// Packet is one compressed unit produced by a demuxer.
type Packet struct {
	Data              []byte
	Timestamp         float64 // Presentation time in seconds
	KeyframeTimestamp float64 // Time of the sync point this unit depends on
	Keyframe          bool
}

// Demuxer splits a container byte stream into per-track packets.
//
// Input is appended with ReceiveInput; each Process call parses at most one
// unit out of the buffered input and reports whether another call could
// make progress without more input.
type Demuxer interface {
	Init() error
	ReceiveInput(data []byte)
	Process() (more bool, err error)
	Flush()
	Close() error

	LoadedMetadata() bool
	AudioCodec() string // Empty when the stream has no audio track
	VideoCodec() string // Empty when the stream has no video track
	AudioReady() bool
	FrameReady() bool
	AudioTimestamp() float64
	FrameTimestamp() float64
	KeyframeTimestamp() float64
	Duration() float64 // Negative if unknown
	Seekable() bool

	DequeueAudioPacket() (Packet, bool)
	DequeueVideoPacket() (Packet, bool)

	// KeypointOffset returns the byte offset of the nearest index point at
	// or before t, or -1 if the stream carries no index.
	KeypointOffset(t float64) int64
}

// Repositioner is implemented by demuxers that need to know the absolute
// byte offset of the input that follows a Flush.
type Repositioner interface {
	Reposition(offset int64)
}

// AudioDecoder decodes one audio track synchronously.
type AudioDecoder interface {
	Init() error
	ProcessHeader(data []byte) error
	ProcessAudio(data []byte) error
	LoadedMetadata() bool
	AudioFormat() *types.AudioFormat
	AudioBuffer() types.SampleBuffer // Output of the last ProcessAudio
	Close() error
}

// VideoDecoder decodes one video track synchronously.
type VideoDecoder interface {
	Init() error
	ProcessHeader(data []byte) error
	ProcessFrame(data []byte) error
	LoadedMetadata() bool
	VideoFormat() *types.VideoFormat
	FrameBuffer() *types.FrameBuffer // Output of the last ProcessFrame
	Close() error
}

// AudioTrack is an asynchronous audio decoder. Callbacks run on the
// executor the track was launched with.
type AudioTrack interface {
	Init(cb func(err error))
	ProcessHeader(data []byte, cb func(err error))
	ProcessAudio(data []byte, cb func(err error))
	LoadedMetadata() bool
	AudioFormat() *types.AudioFormat
	AudioBuffer() types.SampleBuffer
	Processing() bool
	Close()
}

// VideoTrack is an asynchronous video decoder. Callbacks run on the
// executor the track was launched with.
type VideoTrack interface {
	Init(cb func(err error))
	ProcessHeader(data []byte, cb func(err error))
	ProcessFrame(data []byte, cb func(err error))
	LoadedMetadata() bool
	VideoFormat() *types.VideoFormat
	FrameBuffer() *types.FrameBuffer
	Processing() bool
	Close()
}

// Launcher turns synchronous decoders into tracks.
type Launcher interface {
	LaunchAudio(dec AudioDecoder) AudioTrack
	LaunchVideo(dec VideoDecoder) VideoTrack
}
