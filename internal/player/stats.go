package player

import "time"

// Stats are playback counters. Durations accumulate from the last reset.
type Stats struct {
	TargetPerFrameTime time.Duration
	FramesProcessed    int
	FramesDrawn        int
	FramesDropped      int
	AudioDecoded       int
	DecodeErrors       int
	PlayTime           time.Duration
	DemuxingTime       time.Duration
	VideoDecodingTime  time.Duration
	AudioDecodingTime  time.Duration
	BufferTime         time.Duration
	DrawingTime        time.Duration
	DroppedAudio       int           // Audio periods that underran
	DelayedAudio       float64       // Seconds lost to late audio callbacks
	Jitter             time.Duration // Mean deviation from the frame period
}

type counters struct {
	Stats
	totalJitter time.Duration
}

func (c *counters) snapshot(targetPerFrameTime float64) Stats {
	s := c.Stats
	s.TargetPerFrameTime = seconds(targetPerFrameTime)
	if s.FramesProcessed > 0 {
		s.Jitter = c.totalJitter / time.Duration(s.FramesProcessed)
	}
	return s
}

// reset clears everything except the audio counters, which are read
// from the feeder.
func (c *counters) reset() {
	dropped, delayed := c.DroppedAudio, c.DelayedAudio
	*c = counters{}
	c.DroppedAudio, c.DelayedAudio = dropped, delayed
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
