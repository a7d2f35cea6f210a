package camera

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStream struct {
	frame image.Image
	stops *atomic.Int32
}

func (s *fakeStream) Frame() image.Image { return s.frame }
func (s *fakeStream) Stop()              { s.stops.Add(1) }

type fakeDevice struct {
	err   error
	frame image.Image
	opens atomic.Int32
	stops atomic.Int32
	// cancel, when set, is invoked during Open to simulate the view going away mid-acquire.
	cancel context.CancelFunc
}

func (d *fakeDevice) Open(ctx context.Context) (Stream, error) {
	d.opens.Add(1)
	if d.cancel != nil {
		d.cancel()
	}
	if d.err != nil {
		return nil, d.err
	}
	return &fakeStream{frame: d.frame, stops: &d.stops}, nil
}

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	return img
}

func TestAcquireReleaseLifecycle(t *testing.T) {
	dev := &fakeDevice{frame: solid(4, 4)}
	m := NewManager(dev, "attendance")

	if m.State() != Idle {
		t.Fatalf("initial state = %v, want idle", m.State())
	}
	s, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if m.State() != Active {
		t.Errorf("state after acquire = %v, want active", m.State())
	}
	if m.Current() != s {
		t.Error("Current() does not return the acquired session")
	}

	if _, err := m.Acquire(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Acquire() error = %v, want ErrSessionActive", err)
	}

	s.Release()
	s.Release()
	m.Release()
	if got := dev.stops.Load(); got != 1 {
		t.Errorf("stream stopped %d times, want 1", got)
	}
	if m.State() != Idle {
		t.Errorf("state after release = %v, want idle", m.State())
	}
	if !s.Released() {
		t.Error("Released() = false after Release")
	}

	again, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("reacquire error = %v", err)
	}
	again.Release()
	if got := dev.stops.Load(); got != 2 {
		t.Errorf("stream stopped %d times after reacquire, want 2", got)
	}
}

func TestAcquireFailureReturnsToIdle(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permission", ErrPermissionDenied},
		{"unavailable", ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(&fakeDevice{err: tt.err}, "register")
			_, err := m.Acquire(context.Background())
			if !errors.Is(err, tt.err) {
				t.Fatalf("Acquire() error = %v, want %v", err, tt.err)
			}
			if m.State() != Idle {
				t.Errorf("state = %v, want idle", m.State())
			}
			if m.Current() != nil {
				t.Error("Current() should be nil after failed acquire")
			}
		})
	}
}

func TestAcquireCancelledMidFlightStopsStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dev := &fakeDevice{frame: solid(2, 2), cancel: cancel}
	m := NewManager(dev, "attendance")

	_, err := m.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire() error = %v, want context.Canceled", err)
	}
	if got := dev.stops.Load(); got != 1 {
		t.Errorf("stream stopped %d times, want 1", got)
	}
	if m.State() != Idle {
		t.Errorf("state = %v, want idle", m.State())
	}
}

func TestFrameBeforeReady(t *testing.T) {
	m := NewManager(&fakeDevice{}, "attendance")
	s, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Release()

	if _, err := s.Frame(); !errors.Is(err, ErrNoActiveFrame) {
		t.Errorf("Frame() error = %v, want ErrNoActiveFrame", err)
	}
}

func TestFrameAfterRelease(t *testing.T) {
	m := NewManager(&fakeDevice{frame: solid(2, 2)}, "attendance")
	s, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Frame(); err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	s.Release()
	if _, err := s.Frame(); !errors.Is(err, ErrNoActiveFrame) {
		t.Errorf("Frame() after release error = %v, want ErrNoActiveFrame", err)
	}
}

func TestStaticDevice(t *testing.T) {
	m := NewManager(StaticDevice{Width: 32, Height: 24}, "dev")
	s, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	img, err := s.Frame()
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Errorf("frame size = %dx%d, want 32x24", b.Dx(), b.Dy())
	}
	s.Release()
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, solid(w, h)); err != nil {
		t.Fatal(err)
	}
}

func TestDirDevice(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 8, 8)
	writePNG(t, filepath.Join(dir, "b.png"), 16, 16)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore"), 0o644); err != nil {
		t.Fatal(err)
	}

	stream, err := DirDevice{Path: dir}.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	first := stream.Frame()
	second := stream.Frame()
	third := stream.Frame()
	if first.Bounds().Dx() != 8 || second.Bounds().Dx() != 16 || third.Bounds().Dx() != 8 {
		t.Errorf("frames did not cycle in name order: %d %d %d",
			first.Bounds().Dx(), second.Bounds().Dx(), third.Bounds().Dx())
	}
	stream.Stop()
	if stream.Frame() != nil {
		t.Error("Frame() after Stop should be nil")
	}
}

func TestDirDeviceErrors(t *testing.T) {
	if _, err := (DirDevice{Path: filepath.Join(t.TempDir(), "missing")}).Open(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("missing dir error = %v, want ErrDeviceUnavailable", err)
	}
	if _, err := (DirDevice{Path: t.TempDir()}).Open(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("empty dir error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestSnapshotDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_ = png.Encode(w, solid(10, 6))
	}))
	defer srv.Close()

	stream, err := SnapshotDevice{URL: srv.URL, Interval: 10 * time.Millisecond}.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	img := stream.Frame()
	if img == nil || img.Bounds().Dx() != 10 {
		t.Fatalf("Frame() = %v, want 10px wide image", img)
	}
	stream.Stop()
	stream.Stop()
	if stream.Frame() != nil {
		t.Error("Frame() after Stop should be nil")
	}
}

func TestSnapshotDeviceErrors(t *testing.T) {
	forbidden := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer forbidden.Close()

	if _, err := (SnapshotDevice{URL: forbidden.URL}).Open(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("403 error = %v, want ErrPermissionDenied", err)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	if _, err := (SnapshotDevice{URL: broken.URL}).Open(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("503 error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		source  string
		want    any
		wantErr bool
	}{
		{"", StaticDevice{}, false},
		{"static", StaticDevice{}, false},
		{"dir:/frames", DirDevice{Path: "/frames"}, false},
		{"http://cam.local/snap.jpg", SnapshotDevice{URL: "http://cam.local/snap.jpg", Interval: time.Second}, false},
		{"dir:", nil, true},
		{"v4l2:/dev/video0", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseSource(tt.source, time.Second)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSource(%q) error = %v, wantErr %v", tt.source, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseSource(%q) = %#v, want %#v", tt.source, got, tt.want)
		}
	}
}
