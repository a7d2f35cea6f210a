package registration

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/deepface/attendance-kiosk/internal/camera"
	"github.com/deepface/attendance-kiosk/internal/capture"
	"github.com/deepface/attendance-kiosk/internal/faceclient"
)

type stream struct {
	img   image.Image
	stops *atomic.Int32
}

func (s stream) Frame() image.Image { return s.img }
func (s stream) Stop()              { s.stops.Add(1) }

type device struct {
	img   image.Image
	err   error
	opens atomic.Int32
	stops atomic.Int32
}

func (d *device) Open(context.Context) (camera.Stream, error) {
	d.opens.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return stream{img: d.img, stops: &d.stops}, nil
}

func gray() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 12, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, color.Gray{Y: uint8(x * 20)})
		}
	}
	return img
}

type enrollFunc func(ctx context.Context, nim, name string, images []string) error

func (f enrollFunc) Register(ctx context.Context, nim, name string, images []string) error {
	return f(ctx, nim, name, images)
}

func okEnroller() enrollFunc {
	return func(context.Context, string, string, []string) error { return nil }
}

func newWizard(d *device, e Enroller) *Wizard {
	return NewWizard(camera.NewManager(d, "register"), capture.Capturer{}, e)
}

// toReview drives a wizard through intake and three captures.
func toReview(t *testing.T, w *Wizard) {
	t.Helper()
	if err := w.SetIdentity(" 2201 ", " Ann Lee "); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Advance(context.Background()); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	for i := 0; i < PhotoCount; i++ {
		if _, err := w.Capture(); err != nil {
			t.Fatalf("Capture() #%d error = %v", i+1, err)
		}
	}
}

func TestWizardHappyPath(t *testing.T) {
	d := &device{img: gray()}
	var gotNIM, gotName string
	var gotImages []string
	w := newWizard(d, enrollFunc(func(_ context.Context, nim, name string, images []string) error {
		gotNIM, gotName, gotImages = nim, name, images
		return nil
	}))

	if err := w.SetIdentity(" 2201 ", " Ann Lee "); err != nil {
		t.Fatal(err)
	}
	snap, err := w.Advance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Step != Front || !snap.CameraActive {
		t.Fatalf("after Advance: %+v", snap)
	}

	want := []Step{Left, Right, Review}
	for i, step := range want {
		snap, err = w.Capture()
		if err != nil {
			t.Fatal(err)
		}
		if snap.Step != step || snap.Photos != i+1 {
			t.Fatalf("capture %d: %+v", i+1, snap)
		}
	}
	if snap.CameraActive || d.stops.Load() != 1 {
		t.Errorf("camera should be released on reaching Review (stops=%d)", d.stops.Load())
	}

	out, err := w.Submit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success {
		t.Errorf("outcome = %+v", out)
	}
	if gotNIM != "2201" || gotName != "Ann Lee" || len(gotImages) != PhotoCount {
		t.Errorf("Register(%q, %q, %d images)", gotNIM, gotName, len(gotImages))
	}
	for _, img := range gotImages {
		if !strings.HasPrefix(img, "data:image/jpeg;base64,") {
			t.Errorf("image not a JPEG data URL: %.30s", img)
		}
	}
	if s := w.Snapshot(); s.Step != Intake || s.NIM != "" || s.Photos != 0 {
		t.Errorf("draft not discarded: %+v", s)
	}
}

func TestAdvanceRequiresIdentity(t *testing.T) {
	d := &device{img: gray()}
	w := newWizard(d, okEnroller())
	if err := w.SetIdentity("   ", "Ann"); err != nil {
		t.Fatal(err)
	}
	snap, err := w.Advance(context.Background())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Advance() error = %v, want ErrValidation", err)
	}
	if snap.Step != Intake || d.opens.Load() != 0 {
		t.Errorf("wizard moved or camera opened: %+v opens=%d", snap, d.opens.Load())
	}
}

func TestAdvanceCameraFailureStaysAtIntake(t *testing.T) {
	d := &device{err: camera.ErrPermissionDenied}
	w := newWizard(d, okEnroller())
	_ = w.SetIdentity("1", "A")
	snap, err := w.Advance(context.Background())
	if !errors.Is(err, camera.ErrPermissionDenied) {
		t.Fatalf("Advance() error = %v", err)
	}
	if snap.Step != Intake || snap.CameraActive {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestWrongStepOperations(t *testing.T) {
	w := newWizard(&device{img: gray()}, okEnroller())
	if _, err := w.Capture(); !errors.Is(err, ErrWrongStep) {
		t.Errorf("Capture() at Intake error = %v", err)
	}
	_ = w.SetIdentity("1", "A")
	if _, err := w.Advance(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.SetIdentity("2", "B"); !errors.Is(err, ErrWrongStep) {
		t.Errorf("SetIdentity() at Front error = %v", err)
	}
	if _, err := w.Advance(context.Background()); !errors.Is(err, ErrWrongStep) {
		t.Errorf("Advance() at Front error = %v", err)
	}
	w.Reset()
}

func TestCaptureAtReviewIsNoop(t *testing.T) {
	w := newWizard(&device{img: gray()}, okEnroller())
	toReview(t, w)
	snap, err := w.Capture()
	if err != nil || snap.Step != Review || snap.Photos != PhotoCount {
		t.Errorf("Capture() at Review = %+v, %v", snap, err)
	}
}

func TestCaptureFrameErrorKeepsStep(t *testing.T) {
	w := newWizard(&device{img: image.NewRGBA(image.Rectangle{})}, okEnroller())
	_ = w.SetIdentity("1", "A")
	if _, err := w.Advance(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap, err := w.Capture()
	if !errors.Is(err, camera.ErrNoActiveFrame) {
		t.Fatalf("Capture() error = %v", err)
	}
	if snap.Step != Front || snap.Photos != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
	w.Reset()
}

func TestSubmitWithTooFewPhotos(t *testing.T) {
	var calls atomic.Int32
	w := newWizard(&device{img: gray()}, enrollFunc(func(context.Context, string, string, []string) error {
		calls.Add(1)
		return nil
	}))
	_ = w.SetIdentity("1", "A")
	if _, err := w.Advance(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, _ = w.Capture()
	if _, err := w.Submit(context.Background()); !errors.Is(err, ErrValidation) {
		t.Errorf("Submit() error = %v, want ErrValidation", err)
	}
	if calls.Load() != 0 {
		t.Error("enroller called before validation passed")
	}
	w.Reset()
}

func TestSubmitFailureKeepsDraft(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{"server detail", &faceclient.TransportError{StatusCode: 400, Detail: "NIM already registered"}, "NIM already registered"},
		{"rejected", &faceclient.RejectedError{Status: "failed", Message: "no face in photo 2"}, "no face in photo 2"},
		{"network", &faceclient.TransportError{Err: errors.New("dial tcp: refused")}, TransportMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWizard(&device{img: gray()}, enrollFunc(func(context.Context, string, string, []string) error { return tt.err }))
			toReview(t, w)
			out, err := w.Submit(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if out.Success || out.Message != tt.message {
				t.Errorf("outcome = %+v, want message %q", out, tt.message)
			}
			snap := w.Snapshot()
			if snap.Step != Review || snap.Photos != PhotoCount || snap.NIM != "2201" || snap.Submitting {
				t.Errorf("draft lost: %+v", snap)
			}
		})
	}
}

func TestSubmitWhileBusy(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	w := newWizard(&device{img: gray()}, enrollFunc(func(context.Context, string, string, []string) error {
		close(entered)
		<-unblock
		return nil
	}))
	toReview(t, w)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := w.Submit(context.Background()); err != nil {
			t.Errorf("first Submit() error = %v", err)
		}
	}()
	<-entered
	if !w.Snapshot().Submitting {
		t.Error("Submitting not reported while in flight")
	}
	if _, err := w.Submit(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Submit() error = %v, want ErrBusy", err)
	}
	close(unblock)
	wg.Wait()
}

func TestResetDuringSubmitDiscardsResult(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	w := newWizard(&device{img: gray()}, enrollFunc(func(context.Context, string, string, []string) error {
		close(entered)
		<-unblock
		return errors.New("boom")
	}))
	toReview(t, w)

	done := make(chan EnrollmentOutcome)
	go func() {
		out, _ := w.Submit(context.Background())
		done <- out
	}()
	<-entered
	w.Reset()
	_ = w.SetIdentity("77", "Bo")
	close(unblock)
	<-done

	snap := w.Snapshot()
	if snap.Step != Intake || snap.NIM != "77" || snap.Photos != 0 {
		t.Errorf("late result touched the new draft: %+v", snap)
	}
}

func TestResetReleasesCameraOnce(t *testing.T) {
	d := &device{img: gray()}
	w := newWizard(d, okEnroller())
	_ = w.SetIdentity("1", "A")
	if _, err := w.Advance(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, _ = w.Capture()
	w.Reset()
	w.Reset()
	if d.stops.Load() != 1 {
		t.Errorf("stream stopped %d times, want 1", d.stops.Load())
	}
	if snap := w.Snapshot(); snap.Step != Intake || snap.CameraActive || snap.Photos != 0 {
		t.Errorf("snapshot = %+v", snap)
	}

	// The camera can be acquired again after a reset.
	_ = w.SetIdentity("1", "A")
	if _, err := w.Advance(context.Background()); err != nil {
		t.Errorf("Advance() after Reset error = %v", err)
	}
	w.Reset()
}

func TestStepStrings(t *testing.T) {
	if Front.String() != "Front" || Review.Instruction() == "" || Step(9).String() != "step(9)" {
		t.Error("unexpected step labels")
	}
}
