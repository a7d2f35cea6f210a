// Package camera manages the lifetime of a video capture device bound to a
// single view. A Manager hands out at most one Session at a time and every
// Session stops its device stream exactly once.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrPermissionDenied is returned when the platform refuses access to the device.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrDeviceUnavailable is returned when no usable device exists.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrSessionActive is returned by Acquire while the manager already holds a session.
	ErrSessionActive = errors.New("camera session already active")
	// ErrNoActiveFrame is returned when a session has not decoded a frame yet.
	ErrNoActiveFrame = errors.New("camera has no decoded frame yet")
)

// Stream is a live video feed opened on a device.
type Stream interface {
	// Frame returns the most recent decoded frame, or nil before the first one.
	Frame() image.Image
	// Stop releases every underlying device track.
	Stop()
}

// Device opens live streams.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// State is the lifecycle position of a Manager.
type State int

const (
	Idle State = iota
	Acquiring
	Active
	Releasing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Active:
		return "active"
	case Releasing:
		return "releasing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Manager owns the camera for one view instance.
type Manager struct {
	device Device
	view   string

	mu      sync.Mutex
	state   State
	current *Session
}

// NewManager creates a manager for the named view.
func NewManager(device Device, view string) *Manager {
	return &Manager{device: device, view: view}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Acquire opens the device and returns a session bound to this manager.
// A stream that finishes opening after ctx is done is stopped before returning.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.state = Acquiring
	m.mu.Unlock()

	log.Debug().Str("view", m.view).Msg("acquiring camera")
	stream, err := m.device.Open(ctx)
	if err == nil && ctx.Err() != nil {
		stream.Stop()
		err = ctx.Err()
	}
	if err != nil {
		m.mu.Lock()
		m.state = Idle
		m.mu.Unlock()
		log.Warn().Err(err).Str("view", m.view).Msg("camera acquire failed")
		return nil, fmt.Errorf("acquire camera for %s: %w", m.view, err)
	}

	s := &Session{
		ID:         uuid.NewString(),
		AcquiredAt: time.Now(),
		stream:     stream,
		manager:    m,
	}
	m.mu.Lock()
	m.state = Active
	m.current = s
	m.mu.Unlock()

	activeSessions.Inc()
	log.Info().Str("view", m.view).Str("session", s.ID).Msg("camera acquired")
	return s, nil
}

// Release stops the current session, if any.
func (m *Manager) Release() {
	if s := m.Current(); s != nil {
		s.Release()
	}
}

func (m *Manager) released(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == s {
		m.current = nil
		m.state = Idle
	}
}

// Session is an active handle on a device stream.
type Session struct {
	ID         string
	AcquiredAt time.Time

	stream   Stream
	manager  *Manager
	once     sync.Once
	released atomic.Bool
}

// Frame returns the latest decoded frame or ErrNoActiveFrame.
func (s *Session) Frame() (image.Image, error) {
	if s.Released() {
		return nil, ErrNoActiveFrame
	}
	img := s.stream.Frame()
	if img == nil || img.Bounds().Empty() {
		return nil, ErrNoActiveFrame
	}
	return img, nil
}

// Release stops the stream. Calling it more than once is a no-op.
func (s *Session) Release() {
	s.once.Do(func() {
		s.released.Store(true)
		m := s.manager
		m.mu.Lock()
		if m.current == s {
			m.state = Releasing
		}
		m.mu.Unlock()

		s.stream.Stop()
		activeSessions.Dec()
		m.released(s)
		log.Info().Str("view", m.view).Str("session", s.ID).
			Dur("held", time.Since(s.AcquiredAt)).Msg("camera released")
	})
}

// Released reports whether Release has run.
func (s *Session) Released() bool {
	return s.released.Load()
}
