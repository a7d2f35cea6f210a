package attendance

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/deepface/attendance-kiosk/internal/camera"
	"github.com/deepface/attendance-kiosk/internal/capture"
	"github.com/deepface/attendance-kiosk/internal/connectivity"
	"github.com/deepface/attendance-kiosk/internal/faceclient"
	"github.com/deepface/attendance-kiosk/internal/logstore"
	"github.com/deepface/attendance-kiosk/internal/queue"
)

// ErrScanInProgress is returned when Scan is called while another scan is pending.
var ErrScanInProgress = errors.New("scan already in progress")

// Verifier identifies a face in an encoded still.
type Verifier interface {
	Verify(ctx context.Context, image, model string) (*faceclient.Recognition, error)
}

// Recorder receives recognized attendances.
type Recorder interface {
	Append(ctx context.Context, e logstore.Entry) error
}

// Publisher forwards recorded attendances to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Session runs scan cycles: capture, submit, interpret, record.
// At most one scan is outstanding at any time.
type Session struct {
	verifier  Verifier
	recorder  Recorder
	status    *connectivity.Status
	capturer  capture.Capturer
	publisher Publisher
	now       func() time.Time

	scanning atomic.Bool
}

// NewSession wires a verification session.
func NewSession(v Verifier, r Recorder, status *connectivity.Status, c capture.Capturer) *Session {
	return &Session{verifier: v, recorder: r, status: status, capturer: c, now: time.Now}
}

// WithPublisher sets the downstream publisher for recorded attendances.
func (s *Session) WithPublisher(p Publisher) *Session {
	s.publisher = p
	return s
}

// Scanning reports whether a scan is pending.
func (s *Session) Scanning() bool {
	return s.scanning.Load()
}

// Scan captures a frame from cam and submits it for verification with model.
// Camera errors are returned as errors; every reply from the transport layer
// resolves to an Outcome.
func (s *Session) Scan(ctx context.Context, cam *camera.Session, model Model) (Outcome, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return Outcome{}, ErrScanInProgress
	}
	defer s.scanning.Store(false)

	start := time.Now()
	frame, err := s.capturer.Capture(cam)
	if err != nil {
		return Outcome{}, err
	}

	log.Debug().Str("model", string(model)).Int("bytes", len(frame.Data)).Msg("submitting scan")
	rec, err := s.verifier.Verify(ctx, frame.DataURL(), string(model))
	out := s.interpret(ctx, rec, err, model)
	scanDuration.Observe(time.Since(start).Seconds())
	scansTotal.WithLabelValues(string(out.Kind)).Inc()

	if out.Kind == Recognized {
		// The service has already confirmed the attendance.
		s.record(context.WithoutCancel(ctx), out)
	}
	log.Info().Str("kind", string(out.Kind)).Str("nim", out.NIM).Str("message", out.Message).
		Dur("took", time.Since(start)).Msg("scan resolved")
	return out, nil
}

func (s *Session) interpret(ctx context.Context, rec *faceclient.Recognition, err error, model Model) Outcome {
	received := s.now().UTC()
	var rejected *faceclient.RejectedError
	switch {
	case err == nil:
		s.status.Set(true)
		used := rec.Model
		if used == "" {
			used = string(model)
		}
		return Outcome{
			Kind:       Recognized,
			Name:       rec.Name,
			NIM:        rec.NIM,
			Model:      used,
			Confidence: string(rec.Confidence),
			Distance:   rec.Distance,
			ReceivedAt: received,
		}
	case errors.As(err, &rejected):
		s.status.Set(true)
		msg := rejected.Message
		if msg == "" {
			msg = DefaultRejectMessage
		}
		return Outcome{Kind: Rejected, Message: msg, ReceivedAt: received}
	case ctx.Err() != nil:
		// The caller gave up; that says nothing about the backend.
		log.Warn().Err(err).Msg("verification abandoned by caller")
		return Outcome{Kind: TransportFailure, Message: TransportMessage, ReceivedAt: received}
	default:
		s.status.Set(false)
		log.Warn().Err(err).Msg("verification transport failed")
		return Outcome{Kind: TransportFailure, Message: TransportMessage, ReceivedAt: received}
	}
}

func (s *Session) record(ctx context.Context, out Outcome) {
	entry := logstore.Entry{
		ID:         uuid.NewString(),
		Name:       out.Name,
		NIM:        out.NIM,
		Model:      out.Model,
		Confidence: out.Confidence,
		Timestamp:  out.ReceivedAt,
	}
	if err := s.recorder.Append(ctx, entry); err != nil {
		log.Error().Err(err).Str("nim", entry.NIM).Msg("failed to record attendance")
		return
	}
	if s.publisher == nil {
		return
	}
	msg, err := queue.NewMessage(queue.TypeAttendanceRecorded, entry)
	if err == nil {
		err = s.publisher.Publish(ctx, msg)
	}
	if err != nil {
		log.Warn().Err(err).Str("nim", entry.NIM).Msg("queue publish failed")
	}
}
