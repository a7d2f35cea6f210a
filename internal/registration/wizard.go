// Package registration drives face enrollment: an intake step for identity
// fields, three directional captures, and a review step that submits the batch.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/deepface/attendance-kiosk/internal/camera"
	"github.com/deepface/attendance-kiosk/internal/capture"
	"github.com/deepface/attendance-kiosk/internal/faceclient"
)

// Step is a wizard position. Steps only move forward, except through Reset.
type Step int

const (
	Intake Step = iota
	Front
	Left
	Right
	Review
)

// PhotoCount is the number of directional photos an enrollment needs.
const PhotoCount = 3

var stepInfo = [...]struct{ label, instruction string }{
	Intake: {"Data", "Fill in your details"},
	Front:  {"Front", "Face the camera"},
	Left:   {"Left", "Turn your head left"},
	Right:  {"Right", "Turn your head right"},
	Review: {"Done", "Review and save"},
}

func (s Step) String() string {
	if s < Intake || s > Review {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepInfo[s].label
}

// Instruction is the prompt shown to the user at this step.
func (s Step) Instruction() string {
	if s < Intake || s > Review {
		return ""
	}
	return stepInfo[s].instruction
}

var (
	// ErrValidation marks a precondition that was not met; nothing was sent.
	ErrValidation = errors.New("registration validation failed")
	// ErrWrongStep is returned for an operation the current step does not offer.
	ErrWrongStep = errors.New("operation not available at this step")
	// ErrBusy is returned while an enrollment is being submitted.
	ErrBusy = errors.New("enrollment already in progress")
)

// TransportMessage is the failure reason when the service cannot be reached.
const TransportMessage = "failed to connect to server"

var enrollmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kiosk_enrollments_total",
	Help: "Enrollment submissions by result.",
}, []string{"result"})

// Enroller registers an identity with its photos.
type Enroller interface {
	Register(ctx context.Context, nim, name string, images []string) error
}

// EnrollmentOutcome is the result of Submit.
type EnrollmentOutcome struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Snapshot is a read-only view of the wizard.
type Snapshot struct {
	Step         Step   `json:"step"`
	Label        string `json:"label"`
	Instruction  string `json:"instruction"`
	NIM          string `json:"nim"`
	Name         string `json:"name"`
	Photos       int    `json:"photos"`
	Submitting   bool   `json:"submitting"`
	CameraActive bool   `json:"camera_active"`
}

// Wizard is the enrollment state machine. It owns its camera manager and
// holds a camera session only while at Front, Left or Right.
type Wizard struct {
	cam      *camera.Manager
	capturer capture.Capturer
	enroller Enroller

	mu         sync.Mutex
	step       Step
	nim        string
	name       string
	photos     []capture.Frame
	session    *camera.Session
	submitting bool
	generation uint64
}

// NewWizard creates a wizard at the intake step.
func NewWizard(cam *camera.Manager, c capture.Capturer, e Enroller) *Wizard {
	return &Wizard{cam: cam, capturer: c, enroller: e}
}

// Snapshot returns the current state.
func (w *Wizard) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Wizard) snapshotLocked() Snapshot {
	return Snapshot{
		Step:         w.step,
		Label:        w.step.String(),
		Instruction:  w.step.Instruction(),
		NIM:          w.nim,
		Name:         w.name,
		Photos:       len(w.photos),
		Submitting:   w.submitting,
		CameraActive: w.session != nil,
	}
}

// Photos returns the captured frames in front, left, right order.
func (w *Wizard) Photos() []capture.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]capture.Frame, len(w.photos))
	copy(out, w.photos)
	return out
}

// Session returns the camera session held by the wizard, or nil.
func (w *Wizard) Session() *camera.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

// SetIdentity records the identifier and full name. Only valid at Intake.
func (w *Wizard) SetIdentity(nim, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step != Intake {
		return ErrWrongStep
	}
	w.nim = strings.TrimSpace(nim)
	w.name = strings.TrimSpace(name)
	return nil
}

// Advance leaves Intake for Front. Both identity fields must be set, and the
// camera must be acquired; on any failure the wizard stays at Intake.
func (w *Wizard) Advance(ctx context.Context) (Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step != Intake {
		return w.snapshotLocked(), ErrWrongStep
	}
	if w.nim == "" || w.name == "" {
		return w.snapshotLocked(), fmt.Errorf("%w: identifier and full name are required", ErrValidation)
	}

	s, err := w.cam.Acquire(ctx)
	if err != nil {
		return w.snapshotLocked(), err
	}
	w.session = s
	w.step = Front
	log.Info().Str("nim", w.nim).Msg("registration capture started")
	return w.snapshotLocked(), nil
}

// Capture takes the photo for the current direction and moves to the next
// step. Leaving Right releases the camera. At Review it does nothing.
func (w *Wizard) Capture() (Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.step >= Review:
		return w.snapshotLocked(), nil
	case w.step == Intake || w.session == nil:
		return w.snapshotLocked(), ErrWrongStep
	}

	frame, err := w.capturer.Capture(w.session)
	if err != nil {
		return w.snapshotLocked(), err
	}
	w.photos = append(w.photos, frame)
	w.step++
	log.Debug().Str("nim", w.nim).Int("photos", len(w.photos)).Str("step", w.step.String()).Msg("registration photo captured")

	if w.step == Review {
		w.releaseLocked()
	}
	return w.snapshotLocked(), nil
}

// Submit sends the enrollment. It needs exactly PhotoCount photos and fails
// fast otherwise. On success the draft is discarded; on failure it is kept
// at Review so the user can retry or reset.
func (w *Wizard) Submit(ctx context.Context) (EnrollmentOutcome, error) {
	w.mu.Lock()
	if w.submitting {
		w.mu.Unlock()
		return EnrollmentOutcome{}, ErrBusy
	}
	if w.step != Review || len(w.photos) != PhotoCount {
		n := len(w.photos)
		w.mu.Unlock()
		return EnrollmentOutcome{}, fmt.Errorf("%w: %d of %d photos captured", ErrValidation, n, PhotoCount)
	}
	w.submitting = true
	gen := w.generation
	nim, name := w.nim, w.name
	images := make([]string, len(w.photos))
	for i, p := range w.photos {
		images[i] = p.DataURL()
	}
	w.mu.Unlock()

	log.Debug().Str("nim", nim).Msg("submitting enrollment")
	err := w.enroller.Register(ctx, nim, name, images)
	out := outcome(err)

	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.generation {
		// Reset while the request was in flight; the draft is already gone.
		log.Info().Str("nim", nim).Bool("success", out.Success).Msg("enrollment result discarded after reset")
		return out, nil
	}
	w.submitting = false
	if out.Success {
		enrollmentsTotal.WithLabelValues("success").Inc()
		log.Info().Str("nim", nim).Msg("enrollment succeeded")
		w.resetLocked()
	} else {
		enrollmentsTotal.WithLabelValues("failure").Inc()
		log.Warn().Err(err).Str("nim", nim).Msg("enrollment failed")
	}
	return out, nil
}

func outcome(err error) EnrollmentOutcome {
	if err == nil {
		return EnrollmentOutcome{Success: true}
	}
	var rejected *faceclient.RejectedError
	var transport *faceclient.TransportError
	switch {
	case errors.As(err, &rejected) && rejected.Message != "":
		return EnrollmentOutcome{Message: rejected.Message}
	case errors.As(err, &transport) && transport.Detail != "":
		return EnrollmentOutcome{Message: transport.Detail}
	case errors.As(err, &rejected):
		return EnrollmentOutcome{Message: "registration rejected"}
	default:
		return EnrollmentOutcome{Message: TransportMessage}
	}
}

// Reset discards the draft, releases any camera session and returns to Intake.
func (w *Wizard) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetLocked()
}

func (w *Wizard) resetLocked() {
	w.releaseLocked()
	w.step = Intake
	w.nim, w.name = "", ""
	w.photos = nil
	w.submitting = false
	w.generation++
}

func (w *Wizard) releaseLocked() {
	if w.session != nil {
		w.session.Release()
		w.session = nil
	}
}
