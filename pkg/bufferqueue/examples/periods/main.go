package main

import (
	"fmt"
	"math"

	"github.com/drgolem/streamsync/pkg/bufferqueue"
	"github.com/drgolem/streamsync/pkg/types"
)

// Feeds irregular decoder-sized blocks into the queue and drains it in
// fixed output periods, the way the audio feeder does.
func main() {
	const (
		channels = 2
		period   = 512
		rate     = 48000
	)

	q, err := bufferqueue.New(channels, period)
	if err != nil {
		panic(err)
	}

	phase := 0.0
	for _, n := range []int{960, 333, 1200, 47, 1024} {
		buf := types.NewSampleBuffer(channels, n)
		for i := 0; i < n; i++ {
			v := float32(math.Sin(phase))
			buf[0][i] = v
			buf[1][i] = v
			phase += 2 * math.Pi * 440 / rate
		}
		if err := q.AppendBuffer(buf); err != nil {
			panic(err)
		}
		fmt.Printf("appended %4d samples, queued %4d\n", n, q.SampleCount())
	}

	for q.SampleCount() > 0 {
		block := q.NextBuffer()
		fmt.Printf("popped   %4d samples, queued %4d\n", block.Len(), q.SampleCount())
	}
}
