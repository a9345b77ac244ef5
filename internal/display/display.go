// Package display implements caption surfaces whose text disappears after a
// quiet period.
package display

import (
	"log/slog"
	"time"

	"github.com/nadzzz/livecaption/internal/dispatch"
)

// DefaultQuietPeriod is how long text stays visible without an update.
const DefaultQuietPeriod = 3 * time.Second

// Snapshot is the observable state of a surface.
type Snapshot struct {
	Name    string    `json:"name"`
	Text    string    `json:"text"`
	Visible bool      `json:"visible"`
	HideAt  time.Time `json:"hide_at,omitzero"`
}

// Option configures a Surface.
type Option func(*Surface)

// WithQuietPeriod sets the auto-clear delay.
func WithQuietPeriod(d time.Duration) Option {
	return func(s *Surface) {
		if d > 0 {
			s.quiet = d
		}
	}
}

// WithOnChange registers a callback invoked after every visible change.
func WithOnChange(fn func(Snapshot)) Option {
	return func(s *Surface) { s.onChange = fn }
}

// Surface holds the latest caption for one speaker side. It owns at most one
// hide timer. Methods must be called on the scheduler's goroutine.
type Surface struct {
	name           string
	sched          dispatch.Scheduler
	quiet          time.Duration
	featureEnabled func() bool
	onChange       func(Snapshot)
	log            *slog.Logger

	text     string
	visible  bool
	deadline time.Time
	timer    dispatch.Timer
}

// New creates an empty, hidden surface. featureEnabled tells an expiring
// surface whether to stay visible once cleared.
func New(name string, sched dispatch.Scheduler, featureEnabled func() bool, opts ...Option) *Surface {
	s := &Surface{
		name:           name,
		sched:          sched,
		quiet:          DefaultQuietPeriod,
		featureEnabled: featureEnabled,
		log:            slog.With("component", "display", "surface", name),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.featureEnabled == nil {
		s.featureEnabled = func() bool { return true }
	}
	return s
}

// Show displays text and restarts the quiet period. Showing empty text
// clears the surface.
func (s *Surface) Show(text string) {
	if text == "" {
		s.Clear()
		return
	}
	s.cancel()
	s.text = text
	s.visible = true
	s.deadline = s.sched.Now().Add(s.quiet)
	s.timer = s.sched.AfterFunc(s.quiet, s.expire)
	s.notify()
}

func (s *Surface) expire() {
	s.timer = nil
	s.deadline = time.Time{}
	s.text = ""
	if !s.featureEnabled() {
		s.visible = false
	}
	s.log.Debug("caption expired", "visible", s.visible)
	s.notify()
}

// Clear removes the text but keeps the surface visible.
func (s *Surface) Clear() {
	s.cancel()
	if s.text == "" {
		return
	}
	s.text = ""
	s.notify()
}

// Hide clears the surface and hides it.
func (s *Surface) Hide() {
	s.cancel()
	if s.text == "" && !s.visible {
		return
	}
	s.text = ""
	s.visible = false
	s.notify()
}

// Reveal makes an empty surface visible.
func (s *Surface) Reveal() {
	if s.visible {
		return
	}
	s.visible = true
	s.notify()
}

// Text returns the current text.
func (s *Surface) Text() string { return s.text }

// Visible reports whether the surface is shown.
func (s *Surface) Visible() bool { return s.visible }

// Snapshot returns the current state.
func (s *Surface) Snapshot() Snapshot {
	return Snapshot{Name: s.name, Text: s.text, Visible: s.visible, HideAt: s.deadline}
}

func (s *Surface) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.deadline = time.Time{}
}

func (s *Surface) notify() {
	if s.onChange != nil {
		s.onChange(s.Snapshot())
	}
}
