package audio

import (
	"github.com/drgolem/streamsync/pkg/types"
)

// Pump serves reads of any length from fixed-size Render periods. Devices
// that ask for a varying number of samples per callback read through a
// Pump so the Renderer always sees whole periods.
type Pump struct {
	r      Renderer
	rate   float64
	period types.SampleBuffer
	pos    int
}

// NewPump creates a pump rendering periods of size samples.
func NewPump(r Renderer, channels, size, rate int) *Pump {
	return &Pump{
		r:      r,
		rate:   float64(rate),
		period: types.NewSampleBuffer(channels, size),
		pos:    size,
	}
}

// Fill writes out.Len() samples. now is the device time at which out
// starts playing.
func (p *Pump) Fill(out types.SampleBuffer, now float64) {
	n := out.Len()
	size := p.period.Len()
	for off := 0; off < n; {
		if p.pos >= size {
			p.r.Render(p.period, now+float64(off)/p.rate)
			p.pos = 0
		}
		k := min(n-off, size-p.pos)
		for c := range out {
			copy(out[c][off:off+k], p.period[c%len(p.period)][p.pos:p.pos+k])
		}
		off += k
		p.pos += k
	}
}

// Reset drops the rest of the current period.
func (p *Pump) Reset() {
	p.pos = p.period.Len()
}
