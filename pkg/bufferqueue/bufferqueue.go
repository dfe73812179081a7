package bufferqueue

import (
	"errors"
	"fmt"

	"github.com/drgolem/streamsync/pkg/types"

	"github.com/gammazero/deque"
)

var (
	// ErrChannelMismatch is returned when an appended buffer has a different
	// number of channels than the queue was built for.
	ErrChannelMismatch = errors.New("bufferqueue: channel count mismatch")

	// ErrRaggedBuffer is returned when channel planes have different lengths.
	ErrRaggedBuffer = errors.New("bufferqueue: channel planes differ in length")
)

// Queue accumulates decoded audio of arbitrary block sizes and hands it out in
// fixed-size blocks, decoupling irregular decoder output from a clock-driven
// consumer that always wants exactly one period.
//
// Invariant: every block in the full-block list has exactly Channels() planes
// of BlockSize() samples. Only the pending tail block is partially filled.
//
// Queue is not safe for concurrent use; the audio feeder serialises access.
type Queue struct {
	channels   int
	blockSize  int
	blocks     deque.Deque[types.SampleBuffer]
	pending    types.SampleBuffer
	pendingPos int
}

// New creates a queue for the given channel count and block length.
//
// Example:
//
//	q, _ := bufferqueue.New(2, 4096) // stereo, 4096-sample periods
func New(channels, blockSize int) (*Queue, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size: %d", blockSize)
	}
	q := &Queue{
		channels:  channels,
		blockSize: blockSize,
	}
	q.pending = types.NewSampleBuffer(channels, blockSize)
	return q, nil
}

// Channels returns the fixed channel count.
func (q *Queue) Channels() int {
	return q.channels
}

// BlockSize returns the fixed block length in samples.
func (q *Queue) BlockSize() int {
	return q.blockSize
}

// SampleCount returns the number of queued samples per channel, including
// the partially filled pending block.
func (q *Queue) SampleCount() int {
	return q.blocks.Len()*q.blockSize + q.pendingPos
}

// AppendBuffer copies the samples of data into the queue.
//
// Samples are copied one by one into the pending block because input blocks
// generally do not line up with the queue's block size. Whenever the pending
// block fills it is pushed onto the full-block list and replaced.
func (q *Queue) AppendBuffer(data types.SampleBuffer) error {
	if len(data) != q.channels {
		return fmt.Errorf("%w: got %d, want %d", ErrChannelMismatch, len(data), q.channels)
	}
	n := data.Len()
	for c := 1; c < len(data); c++ {
		if len(data[c]) != n {
			return ErrRaggedBuffer
		}
	}

	for i := 0; i < n; i++ {
		for c := 0; c < q.channels; c++ {
			q.pending[c][q.pendingPos] = data[c][i]
		}
		q.pendingPos++
		if q.pendingPos == q.blockSize {
			q.blocks.PushBack(q.pending)
			q.pending = types.NewSampleBuffer(q.channels, q.blockSize)
			q.pendingPos = 0
		}
	}
	return nil
}

// NextBuffer pops the oldest full block. If none is queued it returns the
// pending block trimmed to its fill level and starts a fresh pending block.
// It never blocks; an empty queue yields a buffer of zero length.
func (q *Queue) NextBuffer() types.SampleBuffer {
	if q.blocks.Len() > 0 {
		return q.blocks.PopFront()
	}

	out := make(types.SampleBuffer, q.channels)
	for c := range out {
		out[c] = q.pending[c][:q.pendingPos]
	}
	q.pending = types.NewSampleBuffer(q.channels, q.blockSize)
	q.pendingPos = 0
	return out
}

// Reset drops all queued samples.
func (q *Queue) Reset() {
	q.blocks.Clear()
	q.pending = types.NewSampleBuffer(q.channels, q.blockSize)
	q.pendingPos = 0
}
