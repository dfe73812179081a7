package synth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/drgolem/streamsync/pkg/types"
)

// ErrNoReference is returned for a delta frame decoded before any keyframe.
var ErrNoReference = errors.New("synth: delta frame without a reference frame")

// VideoDecoder decodes synth-yuv frames into solid 4:2:0 pictures.
// Implements codec.VideoDecoder.
type VideoDecoder struct {
	format *types.VideoFormat
	ref    [3]byte
	hasRef bool
	frame  *types.FrameBuffer
}

func NewVideoDecoder() *VideoDecoder {
	return &VideoDecoder{}
}

func (d *VideoDecoder) Init() error { return nil }

func (d *VideoDecoder) ProcessHeader(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("video header of %d bytes", len(data))
	}
	w := int(binary.LittleEndian.Uint16(data[0:]))
	h := int(binary.LittleEndian.Uint16(data[2:]))
	d.format = &types.VideoFormat{
		Width:        w,
		Height:       h,
		FrameWidth:   w,
		FrameHeight:  h,
		ChromaWidth:  (w + 1) / 2,
		ChromaHeight: (h + 1) / 2,
		FPS:          math.Float64frombits(binary.LittleEndian.Uint64(data[4:])),
	}
	return nil
}

func (d *VideoDecoder) ProcessFrame(data []byte) error {
	if d.format == nil {
		return fmt.Errorf("decoder not initialized")
	}
	if len(data) < 4 {
		return fmt.Errorf("frame of %d bytes", len(data))
	}
	if data[0]&1 != 0 {
		d.ref = [3]byte{data[1], data[2], data[3]}
		d.hasRef = true
	} else {
		if !d.hasRef {
			return ErrNoReference
		}
		for i := range d.ref {
			d.ref[i] += data[1+i]
		}
	}

	f := d.format
	fill := func(w, h int, v byte) types.Plane {
		b := make([]byte, w*h)
		for i := range b {
			b[i] = v
		}
		return types.Plane{Bytes: b, Stride: w}
	}
	d.frame = &types.FrameBuffer{
		Format: *f,
		Y:      fill(f.FrameWidth, f.FrameHeight, d.ref[0]),
		Cb:     fill(f.ChromaWidth, f.ChromaHeight, d.ref[1]),
		Cr:     fill(f.ChromaWidth, f.ChromaHeight, d.ref[2]),
	}
	return nil
}

func (d *VideoDecoder) LoadedMetadata() bool { return d.format != nil }

func (d *VideoDecoder) VideoFormat() *types.VideoFormat { return d.format }

func (d *VideoDecoder) FrameBuffer() *types.FrameBuffer { return d.frame }

func (d *VideoDecoder) Close() error {
	d.frame = nil
	return nil
}
