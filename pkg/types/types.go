package types

import "time"

// AudioFormat describes decoded audio as delivered by a decoder or expected by a sink.
type AudioFormat struct {
	Channels int // Number of channels (1=mono, 2=stereo)
	Rate     int // Sample rate in Hz
}

// VideoFormat describes the geometry of decoded planar YCbCr frames.
//
// Frame dimensions are the coded plane size; the picture rectangle
// (PicX, PicY, Width, Height) is the visible region inside it.
type VideoFormat struct {
	Width        int // Visible picture width
	Height       int // Visible picture height
	FrameWidth   int // Luma plane width
	FrameHeight  int // Luma plane height
	ChromaWidth  int // Chroma plane width
	ChromaHeight int // Chroma plane height
	PicX         int // Left offset of the visible picture
	PicY         int // Top offset of the visible picture
	FPS          float64
}

// SampleBuffer holds planar float samples, one slice per channel.
// All channel slices have the same length.
type SampleBuffer [][]float32

// NewSampleBuffer allocates a zeroed buffer of the given shape.
func NewSampleBuffer(channels, samples int) SampleBuffer {
	buf := make(SampleBuffer, channels)
	for c := range buf {
		buf[c] = make([]float32, samples)
	}
	return buf
}

// Channels returns the number of channel planes.
func (b SampleBuffer) Channels() int {
	return len(b)
}

// Len returns the number of samples per channel.
func (b SampleBuffer) Len() int {
	if len(b) == 0 {
		return 0
	}
	return len(b[0])
}

// Clone returns a deep copy of the buffer.
func (b SampleBuffer) Clone() SampleBuffer {
	if b == nil {
		return nil
	}
	out := make(SampleBuffer, len(b))
	for c := range b {
		out[c] = append([]float32(nil), b[c]...)
	}
	return out
}

// Plane is one pixel plane of a decoded frame.
type Plane struct {
	Bytes  []byte
	Stride int
}

// FrameBuffer is one decoded planar YCbCr frame.
type FrameBuffer struct {
	Format            VideoFormat
	Y, Cb, Cr         Plane
	Timestamp         float64 // Presentation time in seconds
	KeyframeTimestamp float64 // Time of the sync point this frame depends on
}

// Clone returns a deep copy of the frame, including its planes.
func (f *FrameBuffer) Clone() *FrameBuffer {
	if f == nil {
		return nil
	}
	out := *f
	out.Y.Bytes = append([]byte(nil), f.Y.Bytes...)
	out.Cb.Bytes = append([]byte(nil), f.Cb.Bytes...)
	out.Cr.Bytes = append([]byte(nil), f.Cr.Bytes...)
	return &out
}

// TimeRange is a [Start, End] interval in seconds.
type TimeRange struct {
	Start float64
	End   float64
}

// PlaybackStatus holds unified playback information for players.
// This struct provides real-time metrics for monitoring playback.
type PlaybackStatus struct {
	FileName        string        // Name or URL of the current input
	SampleRate      int           // Audio output sample rate in Hz (0 without audio)
	Channels        int           // Audio output channels
	FramesPerBuffer int           // Audio sink period in samples
	Position        float64       // Current playback position in seconds
	Duration        float64       // Stream duration in seconds (NaN/Inf if unknown)
	BufferedSamples uint64        // Samples queued but not yet played
	BytesBuffered   int64         // Bytes fetched so far, counted from the stream start
	BytesTotal      int64         // Total stream size in bytes (0 if unknown)
	FramesDrawn     uint64        // Video frames handed to the frame sink
	DroppedAudio    int           // Audio periods replaced with silence
	ElapsedTime     time.Duration // Wall-clock time since playback started
}

// PlaybackMonitor is an interface for types that can report playback status.
// Implementing this interface allows consistent status monitoring across
// different player implementations.
type PlaybackMonitor interface {
	GetPlaybackStatus() PlaybackStatus
}
