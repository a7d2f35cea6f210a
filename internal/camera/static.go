package camera

import (
	"context"
	"image"
	"image/color"
	"sync"
)

// StaticDevice serves one synthetic frame. It stands in for real hardware in
// development and tests.
type StaticDevice struct {
	Width  int
	Height int
}

// Open returns a stream that always yields the same gradient frame.
func (d StaticDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h := d.Width, d.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	return &staticStream{img: img}, nil
}

type staticStream struct {
	mu      sync.Mutex
	img     image.Image
	stopped bool
}

func (s *staticStream) Frame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	return s.img
}

func (s *staticStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
