// Package capture turns the live camera feed into encoded stills.
//
// Captured frames keep the sensor's true orientation. The mirrored picture a
// user sees while framing their face is produced by Preview and is never
// sent to the recognition service.
package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"

	"github.com/deepface/attendance-kiosk/internal/camera"
)

// MediaTypeJPEG is the media type of every frame produced here.
const MediaTypeJPEG = "image/jpeg"

// Frame is an encoded still image.
type Frame struct {
	Data       []byte
	MediaType  string
	Width      int
	Height     int
	CapturedAt time.Time
}

// DataURL returns the frame as a base64 data URL, the encoding the
// recognition service accepts.
func (f Frame) DataURL() string {
	return "data:" + f.MediaType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// Capturer samples frames from a camera session.
type Capturer struct {
	// Quality is the JPEG quality, 1-100. Zero means 90.
	Quality int
	// MaxDim bounds the longer side; zero keeps the native size.
	MaxDim int
	// Mirror flips captured stills horizontally. Off by default.
	Mirror bool
}

// Capture samples the current frame of s.
func (c Capturer) Capture(s *camera.Session) (Frame, error) {
	return c.encode(s, c.Mirror)
}

// Preview renders the current frame mirrored, as shown on screen.
func (c Capturer) Preview(s *camera.Session) (Frame, error) {
	return c.encode(s, true)
}

func (c Capturer) encode(s *camera.Session, mirror bool) (Frame, error) {
	src, err := s.Frame()
	if err != nil {
		return Frame{}, err
	}
	at := time.Now()

	img := scale(src, c.MaxDim)
	if mirror {
		img = flip(img)
	}

	quality := c.Quality
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return Frame{}, fmt.Errorf("encode frame: %w", err)
	}
	b := img.Bounds()
	return Frame{
		Data:       buf.Bytes(),
		MediaType:  MediaTypeJPEG,
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: at,
	}, nil
}

func scale(src image.Image, maxDim int) image.Image {
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if maxDim <= 0 || (width <= maxDim && height <= maxDim) {
		return src
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxDim
		newHeight = int(float64(height) * float64(maxDim) / float64(width))
	} else {
		newHeight = maxDim
		newWidth = int(float64(width) * float64(maxDim) / float64(height))
	}
	newWidth, newHeight = max(newWidth, 1), max(newHeight, 1)
	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}

func flip(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for l, r := 0, w-1; l < r; l, r = l+1, r-1 {
			lo, ro := l*4, r*4
			for i := 0; i < 4; i++ {
				row[lo+i], row[ro+i] = row[ro+i], row[lo+i]
			}
		}
	}
	return dst
}
