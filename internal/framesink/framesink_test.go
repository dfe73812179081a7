package framesink

import (
	"image/png"
	"os"
	"testing"

	"github.com/drgolem/streamsync/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(w, h, cw, ch int, ts float64) *types.FrameBuffer {
	plane := func(pw, ph int, v byte) types.Plane {
		b := make([]byte, pw*ph)
		for i := range b {
			b[i] = v
		}
		return types.Plane{Bytes: b, Stride: pw}
	}
	return &types.FrameBuffer{
		Format: types.VideoFormat{
			Width:        w,
			Height:       h,
			FrameWidth:   w,
			FrameHeight:  h,
			ChromaWidth:  cw,
			ChromaHeight: ch,
		},
		Y:         plane(w, h, 200),
		Cb:        plane(cw, ch, 128),
		Cr:        plane(cw, ch, 128),
		Timestamp: ts,
	}
}

func TestDiscardCountsFrames(t *testing.T) {
	var d Discard
	assert.Equal(t, -1.0, d.LastTimestamp())
	require.NoError(t, d.DrawFrame(testFrame(4, 4, 2, 2, 0.5)))
	require.NoError(t, d.DrawFrame(testFrame(4, 4, 2, 2, 0.75)))
	assert.Equal(t, uint64(2), d.Frames())
	assert.Equal(t, 0.75, d.LastTimestamp())
}

func TestToImageSubsampling(t *testing.T) {
	tests := []struct {
		name    string
		cw, ch  int
		wantErr bool
	}{
		{name: "444", cw: 16, ch: 8},
		{name: "422", cw: 8, ch: 8},
		{name: "420", cw: 8, ch: 4},
		{name: "odd", cw: 5, ch: 3, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := ToImage(testFrame(16, 8, tt.cw, tt.ch, 0))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 16, img.Bounds().Dx())
			assert.Equal(t, 8, img.Bounds().Dy())
		})
	}
}

func TestToImageCropsPicture(t *testing.T) {
	frame := testFrame(16, 8, 8, 4, 0)
	frame.Format.PicX, frame.Format.PicY = 2, 2
	frame.Format.Width, frame.Format.Height = 10, 4

	img, err := ToImage(frame)
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())
}

func TestSnapshotWritesEveryNthFrame(t *testing.T) {
	s := &Snapshot{Dir: t.TempDir(), Every: 2, Width: 8}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.DrawFrame(testFrame(16, 8, 8, 4, float64(i))))
	}
	require.Len(t, s.Frames, 2)

	f, err := os.Open(s.Frames[1])
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())
}
