package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// DirDevice replays still images from a directory as a live feed, advancing
// one file per frame request.
type DirDevice struct {
	Path string
}

func isFrameFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".bmp", ".webp":
		return true
	}
	return false
}

// Open lists the directory and returns a stream over its image files.
func (d DirDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, d.Path)
		default:
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && isFrameFile(e.Name()) {
			files = append(files, filepath.Join(d.Path, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no frames in %s", ErrDeviceUnavailable, d.Path)
	}
	sort.Strings(files)
	return &dirStream{files: files}, nil
}

type dirStream struct {
	mu      sync.Mutex
	files   []string
	next    int
	stopped bool
}

func (s *dirStream) Frame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	for range s.files {
		path := s.files[s.next]
		s.next = (s.next + 1) % len(s.files)
		img, err := decodeFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("skipping undecodable frame")
			continue
		}
		return img
	}
	return nil
}

func (s *dirStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}
