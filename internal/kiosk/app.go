// Package kiosk ties the attendance view, the registration wizard and the
// dashboard together behind a single current page.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/deepface/attendance-kiosk/internal/attendance"
	"github.com/deepface/attendance-kiosk/internal/camera"
	"github.com/deepface/attendance-kiosk/internal/capture"
	"github.com/deepface/attendance-kiosk/internal/connectivity"
	"github.com/deepface/attendance-kiosk/internal/logstore"
	"github.com/deepface/attendance-kiosk/internal/registration"
)

// Page is a top-level view.
type Page string

const (
	PageDashboard  Page = "dashboard"
	PageAttendance Page = "attendance"
	PageRegister   Page = "register"
	PageUpload     Page = "upload"
)

var (
	ErrUnknownPage = errors.New("unknown page")
	// ErrWrongPage is returned for view operations while another page is shown.
	ErrWrongPage = errors.New("operation not available on the current page")
	// ErrViewLeft is returned by Scan when the attendance view was left while
	// the request was in flight. The log is still updated; the outcome is dropped.
	ErrViewLeft = errors.New("attendance view left during scan")
)

// ParsePage validates a page name.
func ParsePage(s string) (Page, error) {
	switch p := Page(s); p {
	case PageDashboard, PageAttendance, PageRegister, PageUpload:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPage, s)
}

// StatsSource reports the remote enrolled-user count.
type StatsSource interface {
	Stats(ctx context.Context) (int, error)
}

// Options are the collaborators an App drives.
type Options struct {
	Camera   *camera.Manager
	Scanner  *attendance.Session
	Capturer capture.Capturer
	Wizard   *registration.Wizard
	Log      *logstore.Store
	Stats    StatsSource
	Status   *connectivity.Status
}

// App owns the current page and the attendance view state.
type App struct {
	opts Options

	mu         sync.Mutex
	page       Page
	generation uint64
	cam        *camera.Session
	outcome    *attendance.Outcome
}

// New returns an App showing the dashboard.
func New(opts Options) *App {
	return &App{opts: opts, page: PageDashboard}
}

// Page returns the current page.
func (a *App) Page() Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.page
}

// Navigate leaves the current page and enters p. The old view is torn down
// before the new one is entered. Entering the attendance page acquires the
// camera; a camera error is returned but the page still changes so the
// caller can show the notice.
func (a *App) Navigate(ctx context.Context, p Page) error {
	if _, err := ParsePage(string(p)); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if p == a.page {
		if p == PageAttendance && a.cam == nil {
			return a.enterAttendanceLocked(ctx)
		}
		return nil
	}

	log.Debug().Str("from", string(a.page)).Str("to", string(p)).Msg("navigate")
	a.leaveLocked()
	a.page = p
	a.generation++
	if p == PageAttendance {
		return a.enterAttendanceLocked(ctx)
	}
	return nil
}

func (a *App) leaveLocked() {
	switch a.page {
	case PageAttendance:
		a.opts.Camera.Release()
		a.cam = nil
		a.outcome = nil
	case PageRegister:
		a.opts.Wizard.Reset()
	}
}

func (a *App) enterAttendanceLocked(ctx context.Context) error {
	s, err := a.opts.Camera.Acquire(ctx)
	if err != nil {
		return err
	}
	a.cam = s
	return nil
}

// Scan runs one verification on the attendance page.
func (a *App) Scan(ctx context.Context, model attendance.Model) (attendance.Outcome, error) {
	a.mu.Lock()
	if a.page != PageAttendance {
		a.mu.Unlock()
		return attendance.Outcome{}, ErrWrongPage
	}
	cam, gen := a.cam, a.generation
	a.mu.Unlock()
	if cam == nil {
		return attendance.Outcome{}, camera.ErrNoActiveFrame
	}

	out, err := a.opts.Scanner.Scan(ctx, cam, model)
	if err != nil {
		return out, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.generation {
		log.Info().Str("kind", string(out.Kind)).Msg("scan finished after attendance view was left")
		return out, ErrViewLeft
	}
	a.outcome = &out
	return out, nil
}

// Outcome returns the last scan outcome shown on the attendance page.
func (a *App) Outcome() *attendance.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outcome == nil {
		return nil
	}
	out := *a.outcome
	return &out
}

// Preview renders the live frame of the current page, mirrored. The
// attendance page and the register capture steps have a live camera.
func (a *App) Preview() (capture.Frame, error) {
	a.mu.Lock()
	cam, page := a.cam, a.page
	a.mu.Unlock()
	if page == PageRegister {
		cam = a.opts.Wizard.Session()
	}
	if cam == nil {
		return capture.Frame{}, camera.ErrNoActiveFrame
	}
	return a.opts.Capturer.Preview(cam)
}

// Wizard returns the registration wizard while the register page is shown.
func (a *App) Wizard() (*registration.Wizard, error) {
	if a.Page() != PageRegister {
		return nil, ErrWrongPage
	}
	return a.opts.Wizard, nil
}

// StatusView summarises the kiosk for the presentation layer.
type StatusView struct {
	Page             Page   `json:"page"`
	BackendReachable bool   `json:"backend_reachable"`
	Camera           string `json:"camera"`
	Scanning         bool   `json:"scanning"`
}

// Status returns the current StatusView.
func (a *App) Status() StatusView {
	return StatusView{
		Page:             a.Page(),
		BackendReachable: a.opts.Status.Reachable(),
		Camera:           a.opts.Camera.State().String(),
		Scanning:         a.opts.Scanner.Scanning(),
	}
}

// Logs returns the attendance log, most recent first.
func (a *App) Logs() []logstore.Entry {
	return a.opts.Log.Entries()
}

// DashboardView is the dashboard read model. TotalUsers is nil when the
// remote service could not be asked.
type DashboardView struct {
	TotalUsers        *int             `json:"total_users"`
	TotalLogs         int              `json:"total_logs"`
	AverageConfidence string           `json:"average_confidence"`
	Logs              []logstore.Entry `json:"logs"`
}

// Dashboard assembles the dashboard. The user count is best effort.
func (a *App) Dashboard(ctx context.Context) DashboardView {
	v := DashboardView{
		TotalLogs:         a.opts.Log.Size(),
		AverageConfidence: a.opts.Log.FormatAverage(),
		Logs:              a.Logs(),
	}
	if a.opts.Stats != nil {
		n, err := a.opts.Stats.Stats(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("user count unavailable")
		} else {
			v.TotalUsers = &n
		}
	}
	return v
}

// Close tears down the current view.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaveLocked()
	a.generation++
	log.Debug().Msg("kiosk closed")
}
