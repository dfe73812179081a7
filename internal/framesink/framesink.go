// Package framesink holds the bundled video frame sinks. The player hands
// every drawn frame to a sink; what the sink does with the pixels is
// opaque to playback.
package framesink

import (
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/drgolem/streamsync/pkg/types"

	"github.com/nfnt/resize"
)

// Discard counts frames and drops them.
type Discard struct {
	frames atomic.Uint64
	last   atomic.Pointer[float64]
}

func (d *Discard) DrawFrame(frame *types.FrameBuffer) error {
	d.frames.Add(1)
	ts := frame.Timestamp
	d.last.Store(&ts)
	return nil
}

// Frames returns the number of frames drawn.
func (d *Discard) Frames() uint64 {
	return d.frames.Load()
}

// LastTimestamp returns the timestamp of the most recent frame, or -1.
func (d *Discard) LastTimestamp() float64 {
	if p := d.last.Load(); p != nil {
		return *p
	}
	return -1
}

// Snapshot writes every Every-th frame as a PNG into Dir, scaled to at
// most Width pixels wide.
type Snapshot struct {
	Dir   string
	Every int  // Frames between snapshots; values below 1 write every frame
	Width uint // Zero keeps the picture width

	Logger *slog.Logger

	count  int
	Frames []string // Paths written so far
}

func (s *Snapshot) DrawFrame(frame *types.FrameBuffer) error {
	every := max(s.Every, 1)
	n := s.count
	s.count++
	if n%every != 0 {
		return nil
	}

	img, err := ToImage(frame)
	if err != nil {
		return err
	}
	if s.Width > 0 && uint(img.Bounds().Dx()) > s.Width {
		img = resize.Resize(s.Width, 0, img, resize.Bilinear)
	}

	path := filepath.Join(s.Dir, fmt.Sprintf("frame-%06d.png", n))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.Frames = append(s.Frames, path)

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("Snapshot written", "path", path, "frame_timestamp", frame.Timestamp)
	return nil
}

// ToImage wraps the frame's planes in an image.YCbCr cropped to the
// visible picture. The planes are not copied.
func ToImage(frame *types.FrameBuffer) (image.Image, error) {
	f := frame.Format
	var ratio image.YCbCrSubsampleRatio
	switch {
	case f.ChromaWidth == f.FrameWidth && f.ChromaHeight == f.FrameHeight:
		ratio = image.YCbCrSubsampleRatio444
	case f.ChromaWidth*2 == f.FrameWidth && f.ChromaHeight == f.FrameHeight:
		ratio = image.YCbCrSubsampleRatio422
	case f.ChromaWidth*2 == f.FrameWidth && f.ChromaHeight*2 == f.FrameHeight:
		ratio = image.YCbCrSubsampleRatio420
	default:
		return nil, fmt.Errorf("unsupported chroma layout %dx%d for %dx%d frame",
			f.ChromaWidth, f.ChromaHeight, f.FrameWidth, f.FrameHeight)
	}
	if frame.Cb.Stride != frame.Cr.Stride {
		return nil, fmt.Errorf("chroma strides differ: %d and %d", frame.Cb.Stride, frame.Cr.Stride)
	}

	img := &image.YCbCr{
		Y:              frame.Y.Bytes,
		Cb:             frame.Cb.Bytes,
		Cr:             frame.Cr.Bytes,
		YStride:        frame.Y.Stride,
		CStride:        frame.Cb.Stride,
		SubsampleRatio: ratio,
		Rect:           image.Rect(0, 0, f.FrameWidth, f.FrameHeight),
	}
	pic := image.Rect(f.PicX, f.PicY, f.PicX+f.Width, f.PicY+f.Height)
	if pic.Empty() {
		return img, nil
	}
	return img.SubImage(pic), nil
}
