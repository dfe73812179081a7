package proxy

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/drgolem/streamsync/pkg/audioframe"
	"github.com/drgolem/streamsync/pkg/types"
)

// Envelope layout, all integers little-endian:
//
//	kind u8 | version u8 | id u64 | role u8 | action u8 | body
//
// A request body is the payload length (u32) followed by the payload.
// A response body is the error string (u16 length + bytes), the props
// mask (u8) and, for each field in the mask, a presence byte followed by
// the field encoding. Sample buffers use the audioframe encoding.
const (
	kindRequest  uint8 = 1
	kindResponse uint8 = 2
)

func appendHeader(dst []byte, kind, version uint8, id uint64, role Role, action Action) []byte {
	dst = append(dst, kind, version)
	dst = binary.LittleEndian.AppendUint64(dst, id)
	return append(dst, uint8(role), uint8(action))
}

func appendRequest(dst []byte, req Request) []byte {
	dst = appendHeader(dst, kindRequest, req.Version, req.ID, req.Role, req.Action)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(req.Data)))
	return append(dst, req.Data...)
}

func appendResponse(dst []byte, resp Response) []byte {
	dst = appendHeader(dst, kindResponse, resp.Version, resp.ID, resp.Role, resp.Action)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(resp.Err)))
	dst = append(dst, resp.Err...)

	p := resp.Props
	dst = append(dst, uint8(p.Mask))
	if p.Has(FieldLoadedMetadata) {
		dst = appendBool(dst, p.LoadedMetadata)
	}
	if p.Has(FieldAudioFormat) {
		dst = appendBool(dst, p.AudioFormat != nil)
		if p.AudioFormat != nil {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(p.AudioFormat.Channels))
			dst = binary.LittleEndian.AppendUint32(dst, uint32(p.AudioFormat.Rate))
		}
	}
	if p.Has(FieldAudioBuffer) {
		dst = appendBool(dst, p.AudioBuffer != nil)
		if p.AudioBuffer != nil {
			rate := 0
			if p.AudioFormat != nil {
				rate = p.AudioFormat.Rate
			}
			af := audioframe.FromSampleBuffer(rate, p.AudioBuffer)
			dst = af.AppendMarshal(dst)
		}
	}
	if p.Has(FieldVideoFormat) {
		dst = appendBool(dst, p.VideoFormat != nil)
		if p.VideoFormat != nil {
			dst = appendVideoFormat(dst, *p.VideoFormat)
		}
	}
	if p.Has(FieldFrameBuffer) {
		dst = appendBool(dst, p.FrameBuffer != nil)
		if fb := p.FrameBuffer; fb != nil {
			dst = appendVideoFormat(dst, fb.Format)
			dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(fb.Timestamp))
			dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(fb.KeyframeTimestamp))
			for _, pl := range []types.Plane{fb.Y, fb.Cb, fb.Cr} {
				dst = binary.LittleEndian.AppendUint32(dst, uint32(pl.Stride))
				dst = binary.LittleEndian.AppendUint32(dst, uint32(len(pl.Bytes)))
				dst = append(dst, pl.Bytes...)
			}
		}
	}
	return dst
}

func appendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func appendVideoFormat(dst []byte, f types.VideoFormat) []byte {
	for _, v := range []int{f.Width, f.Height, f.FrameWidth, f.FrameHeight, f.ChromaWidth, f.ChromaHeight, f.PicX, f.PicY} {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(v))
	}
	return binary.LittleEndian.AppendUint64(dst, math.Float64bits(f.FPS))
}

// decoder reads fields from an envelope and remembers the first error.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.b) < n {
		d.err = fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, len(d.b))
		return nil
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) f64() float64 {
	return math.Float64frombits(d.u64())
}

// bytes returns a copy of the next n bytes.
func (d *decoder) bytes(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (d *decoder) videoFormat() types.VideoFormat {
	var v [8]int
	for i := range v {
		v[i] = int(d.u32())
	}
	return types.VideoFormat{
		Width:        v[0],
		Height:       v[1],
		FrameWidth:   v[2],
		FrameHeight:  v[3],
		ChromaWidth:  v[4],
		ChromaHeight: v[5],
		PicX:         v[6],
		PicY:         v[7],
		FPS:          d.f64(),
	}
}

func (d *decoder) header(want uint8) (version uint8, id uint64, role Role, action Action) {
	if kind := d.u8(); d.err == nil && kind != want {
		d.err = fmt.Errorf("%w: envelope kind %d, want %d", ErrMalformed, kind, want)
	}
	version = d.u8()
	id = d.u64()
	role = Role(d.u8())
	action = Action(d.u8())
	if d.err == nil && version != Version {
		d.err = fmt.Errorf("%w: %d", ErrVersion, version)
	}
	return
}

func decodeRequest(body []byte) (Request, error) {
	d := &decoder{b: body}
	var req Request
	req.Version, req.ID, req.Role, req.Action = d.header(kindRequest)
	req.Data = d.bytes(int(d.u32()))
	if d.err != nil {
		return Request{}, d.err
	}
	return req, nil
}

func decodeResponse(body []byte) (Response, error) {
	d := &decoder{b: body}
	var resp Response
	resp.Version, resp.ID, resp.Role, resp.Action = d.header(kindResponse)
	resp.Err = string(d.take(int(d.u16())))

	p := &resp.Props
	p.Mask = Field(d.u8())
	if p.Has(FieldLoadedMetadata) {
		p.LoadedMetadata = d.u8() != 0
	}
	if p.Has(FieldAudioFormat) && d.u8() != 0 {
		p.AudioFormat = &types.AudioFormat{Channels: int(d.u32()), Rate: int(d.u32())}
	}
	if p.Has(FieldAudioBuffer) && d.u8() != 0 && d.err == nil {
		var af audioframe.AudioFrame
		if err := af.Unmarshal(d.b); err != nil {
			d.err = fmt.Errorf("%w: %v", ErrMalformed, err)
		} else {
			d.take(af.Size())
			p.AudioBuffer = af.Samples
		}
	}
	if p.Has(FieldVideoFormat) && d.u8() != 0 {
		vf := d.videoFormat()
		p.VideoFormat = &vf
	}
	if p.Has(FieldFrameBuffer) && d.u8() != 0 {
		fb := &types.FrameBuffer{Format: d.videoFormat()}
		fb.Timestamp = d.f64()
		fb.KeyframeTimestamp = d.f64()
		for _, pl := range []*types.Plane{&fb.Y, &fb.Cb, &fb.Cr} {
			pl.Stride = int(d.u32())
			pl.Bytes = d.bytes(int(d.u32()))
		}
		p.FrameBuffer = fb
	}
	if d.err != nil {
		return Response{}, d.err
	}
	return resp, nil
}
