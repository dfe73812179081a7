package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/drgolem/streamsync/pkg/types"

	soxr "github.com/zaf/resample"
)

// Resampler converts a decoded buffer to the output rate and channel
// count. It is applied once per buffer.
type Resampler interface {
	Resample(in types.SampleBuffer) (types.SampleBuffer, error)
}

// LinearResampler interpolates linearly between neighbouring samples.
type LinearResampler struct {
	InRate      int
	OutRate     int
	OutChannels int
}

func (r LinearResampler) Resample(in types.SampleBuffer) (types.SampleBuffer, error) {
	if r.InRate <= 0 || r.OutRate <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", r.InRate, r.OutRate)
	}
	in = mapChannels(in, r.OutChannels)
	if r.InRate == r.OutRate || in.Len() == 0 {
		return in, nil
	}

	n := in.Len()
	outLen := int(math.Round(float64(n) * float64(r.OutRate) / float64(r.InRate)))
	out := types.NewSampleBuffer(in.Channels(), outLen)
	step := float64(r.InRate) / float64(r.OutRate)
	for c := range in {
		src, dst := in[c], out[c]
		for i := range dst {
			pos := float64(i) * step
			j := int(pos)
			if j >= n-1 {
				dst[i] = src[n-1]
				continue
			}
			frac := float32(pos - float64(j))
			dst[i] = src[j] + (src[j+1]-src[j])*frac
		}
	}
	return out, nil
}

// SoxrResampler runs each buffer through libsoxr.
type SoxrResampler struct {
	InRate      int
	OutRate     int
	OutChannels int
	Quality     int // soxr quality, zero selects HighQ
}

func (r SoxrResampler) Resample(in types.SampleBuffer) (types.SampleBuffer, error) {
	in = mapChannels(in, r.OutChannels)
	if r.InRate == r.OutRate || in.Len() == 0 {
		return in, nil
	}
	channels := in.Channels()
	quality := r.Quality
	if quality == 0 {
		quality = soxr.HighQ
	}

	var out bytes.Buffer
	res, err := soxr.New(&out, float64(r.InRate), float64(r.OutRate), channels, soxr.F32, quality)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	interleaved := make([]byte, in.Len()*channels*4)
	off := 0
	for i := 0; i < in.Len(); i++ {
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint32(interleaved[off:], math.Float32bits(in[c][i]))
			off += 4
		}
	}
	if _, err := res.Write(interleaved); err != nil {
		res.Close()
		return nil, fmt.Errorf("failed to resample: %w", err)
	}
	if err := res.Close(); err != nil {
		return nil, fmt.Errorf("failed to close resampler: %w", err)
	}

	raw := out.Bytes()
	frames := len(raw) / (channels * 4)
	buf := types.NewSampleBuffer(channels, frames)
	off = 0
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			buf[c][i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
			off += 4
		}
	}
	return buf, nil
}

// mapChannels adapts in to channels planes: mono output averages every
// input channel, extra output channels copy channel 0, surplus input
// channels are dropped.
func mapChannels(in types.SampleBuffer, channels int) types.SampleBuffer {
	if channels <= 0 || channels == in.Channels() || in.Channels() == 0 {
		return in
	}
	n := in.Len()
	if channels == 1 {
		mono := make([]float32, n)
		scale := 1 / float32(in.Channels())
		for _, plane := range in {
			for i, v := range plane {
				mono[i] += v * scale
			}
		}
		return types.SampleBuffer{mono}
	}
	out := make(types.SampleBuffer, channels)
	for c := range out {
		if c < in.Channels() {
			out[c] = in[c]
		} else {
			out[c] = in[0]
		}
	}
	return out
}
