package recognition

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadzzz/livecaption/internal/audio"
	"github.com/nadzzz/livecaption/internal/dispatch"
)

// Default delays between a backend ending and the next start attempt.
const (
	DefaultRestartDelay  = time.Second
	DefaultRecoveryDelay = 5 * time.Second
)

// State is the session lifecycle state.
type State int

const (
	StateDisabled State = iota
	StateStarting
	StateListening
	StateStoppingManual
	StateRestartScheduled
	StateErrorBackoff
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStoppingManual:
		return "stopping"
	case StateRestartScheduled:
		return "restart_scheduled"
	case StateErrorBackoff:
		return "error_backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StatusKind is the coarse indicator shown next to the captions toggle.
type StatusKind int

const (
	StatusDisabled StatusKind = iota
	StatusListening
	StatusError
)

func (k StatusKind) String() string {
	switch k {
	case StatusListening:
		return "listening"
	case StatusError:
		return "error"
	default:
		return "disabled"
	}
}

// MarshalText renders the kind by name in JSON.
func (k StatusKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses a kind name.
func (k *StatusKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "disabled":
		*k = StatusDisabled
	case "listening":
		*k = StatusListening
	case "error":
		*k = StatusError
	default:
		return fmt.Errorf("unknown status kind %q", b)
	}
	return nil
}

// Status is the user-visible session status.
type Status struct {
	Kind    StatusKind `json:"kind"`
	Message string     `json:"message,omitempty"`
}

// Config holds the session delays.
type Config struct {
	// RestartDelay debounces restarts after the backend ends on its own.
	RestartDelay time.Duration
	// RecoveryDelay is the wait before retrying after a transient error.
	RecoveryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = DefaultRecoveryDelay
	}
	return c
}

// Option configures a Session.
type Option func(*Session)

// WithResults registers the consumer of recognition results.
func WithResults(fn func(Result)) Option {
	return func(s *Session) { s.onResult = fn }
}

// WithStatus registers a callback invoked whenever the status changes.
func WithStatus(fn func(Status)) Option {
	return func(s *Session) { s.onStatus = fn }
}

type restartKind int

const (
	restartDebounce restartKind = iota
	restartRecovery
)

// Session owns the backend instance, its audio routing and the restart
// timer. It is not safe for concurrent use: every method, including Handle,
// must run on the dispatch loop.
type Session struct {
	backend Backend
	router  *audio.Router
	sched   dispatch.Scheduler
	cfg     Config
	log     *slog.Logger

	onResult func(Result)
	onStatus func(Status)

	state            State
	enabled          bool
	listening        bool
	manuallyStopped  bool
	permissionDenied bool
	switching        bool

	pendingRestart dispatch.Timer
	pendingKind    restartKind

	errMsg      string
	errClass    Class
	unsupported bool
	status      Status
}

// NewSession creates a disabled session. A nil backend makes the session
// permanently unsupported.
func NewSession(backend Backend, router *audio.Router, sched dispatch.Scheduler, cfg Config, opts ...Option) *Session {
	s := &Session{
		backend: backend,
		router:  router,
		sched:   sched,
		cfg:     cfg.withDefaults(),
		log:     slog.With("component", "recognition"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// Status returns the user-visible status.
func (s *Session) Status() Status { return s.computeStatus() }

// Enabled reports the user's intent.
func (s *Session) Enabled() bool { return s.enabled }

// Listening reports whether a backend instance is live.
func (s *Session) Listening() bool { return s.listening }

// RestartPending reports whether a restart timer is armed.
func (s *Session) RestartPending() bool { return s.pendingRestart != nil }

// Source returns the selected audio source.
func (s *Session) Source() audio.Source { return s.router.Selected() }

// Enable turns captioning on and starts the backend if it is not live.
func (s *Session) Enable() {
	defer s.publish()

	if s.backend == nil {
		s.reportUnsupported()
		return
	}

	s.enabled = true
	s.manuallyStopped = false
	s.permissionDenied = false
	s.clearError()
	s.cancelRestart()

	if s.listening {
		// A stop still in flight ends with EventEnd, which re-arms a restart.
		s.log.Debug("enable while backend live", "state", s.state)
		return
	}
	s.start()
}

// Disable turns captioning off. A pending restart is cancelled before it can
// fire, and no restart happens until Enable is called again.
func (s *Session) Disable() {
	defer s.publish()

	// A source switch already asked the live instance to stop.
	stopRequested := s.switching || s.state == StateStoppingManual

	s.enabled = false
	s.manuallyStopped = true
	s.permissionDenied = false
	s.switching = false
	s.clearError()
	s.cancelRestart()

	if !s.listening {
		s.setState(StateDisabled)
		return
	}
	if stopRequested {
		s.setState(StateStoppingManual)
		return
	}
	if err := s.backend.Stop(); err != nil {
		s.log.Warn("backend stop failed", "error", err)
	}
	s.setState(StateStoppingManual)
}

// SelectMicrophone routes recognition to the default microphone.
func (s *Session) SelectMicrophone() {
	s.switchSource(s.router.SelectMicrophone())
}

// SelectRemoteStream routes recognition to st. Passing the stream that is
// already selected is a no-op.
func (s *Session) SelectRemoteStream(st audio.Stream) {
	s.switchSource(s.router.SelectRemoteStream(st))
}

// OfferRemoteStream makes st available without leaving the microphone. If
// the remote source is already selected, recognition switches to st.
func (s *Session) OfferRemoteStream(st audio.Stream) {
	if s.router.OfferRemoteStream(st) {
		return
	}
	s.SelectRemoteStream(st)
}

// RemoteAvailable reports whether a remote stream has been delivered.
func (s *Session) RemoteAvailable() bool { return s.router.RemoteAvailable() }

// SelectRemote routes recognition back to the last delivered remote stream.
func (s *Session) SelectRemote() error {
	changed, err := s.router.SelectRemote()
	if err != nil {
		return err
	}
	s.switchSource(changed)
	return nil
}

// switchSource never swaps the input under a live instance: it stops the
// instance and lets EventEnd start a new one on the new source.
func (s *Session) switchSource(changed bool) {
	if !changed {
		return
	}
	defer s.publish()

	if s.listening {
		if s.state == StateStoppingManual || s.switching {
			return
		}
		s.switching = true
		s.cancelRestart()
		s.log.Info("stopping backend to switch audio source", "source", s.router.Selected())
		if err := s.backend.Stop(); err != nil {
			s.log.Warn("backend stop failed", "error", err)
		}
		return
	}
	if s.wantsRestart() {
		s.cancelRestart()
		s.start()
	}
}

// Handle applies a backend event.
func (s *Session) Handle(ev Event) {
	defer s.publish()

	switch ev.Kind {
	case EventStarted:
		s.handleStarted()
	case EventResult:
		if s.enabled && s.onResult != nil {
			s.onResult(ev.Result)
		}
	case EventError:
		s.handleError(ev)
	case EventEnd:
		s.handleEnd()
	}
}

func (s *Session) handleStarted() {
	s.log.Info("recognition started", "source", s.router.Active().Source)
	if s.state == StateStarting {
		s.setState(StateListening)
	}
	if s.errClass == ClassRecoverable {
		s.clearError()
	}
}

func (s *Session) handleError(ev Event) {
	class := Classify(ev.Code)
	logger := s.log.With("code", ev.Code, "class", class)

	switch class {
	case ClassPermission:
		logger.Error("recognition permission denied", "message", ev.Message)
		s.permissionDenied = true
		s.cancelRestart()
		if s.enabled {
			s.setError(class, userMessage(ev.Code))
			s.setState(StateErrorBackoff)
		}

	case ClassRecoverable:
		logger.Warn("recognition transient failure", "message", ev.Message)
		if !s.wantsRestart() {
			return
		}
		s.setError(class, userMessage(ev.Code))
		s.setState(StateErrorBackoff)
		s.arm(restartRecovery)

	case ClassUnclassified:
		logger.Warn("unexpected recognition error", "message", ev.Message)
		s.restartAfterAbort()

	default:
		logger.Debug("recognition aborted", "message", ev.Message)
		s.restartAfterAbort()
	}
}

// restartAfterAbort routes aborts through the same debounce as an
// unsolicited end so the two cannot race into a double start.
func (s *Session) restartAfterAbort() {
	if s.switching || !s.wantsRestart() {
		return
	}
	s.arm(restartDebounce)
	if s.pendingKind == restartDebounce && s.state != StateErrorBackoff {
		s.setState(StateRestartScheduled)
	}
}

func (s *Session) handleEnd() {
	s.listening = false
	s.log.Info("recognition ended", "state", s.state)

	if s.switching {
		s.switching = false
		if s.wantsRestart() {
			s.cancelRestart()
			s.start()
			return
		}
	}

	switch {
	case !s.enabled || s.manuallyStopped:
		s.cancelRestart()
		s.setState(StateDisabled)
	case s.permissionDenied:
		s.setState(StateErrorBackoff)
	default:
		s.arm(restartDebounce)
		if s.pendingKind == restartDebounce {
			s.setState(StateRestartScheduled)
		}
	}
}

// arm schedules a restart. At most one timer exists: a pending timer is
// kept, except that a recovery replaces a shorter debounce.
func (s *Session) arm(kind restartKind) {
	if s.pendingRestart != nil {
		if kind != restartRecovery || s.pendingKind == restartRecovery {
			return
		}
		s.cancelRestart()
	}

	delay := s.cfg.RestartDelay
	if kind == restartRecovery {
		delay = s.cfg.RecoveryDelay
	}
	s.pendingKind = kind
	s.pendingRestart = s.sched.AfterFunc(delay, s.fireRestart)
	s.log.Debug("restart scheduled", "delay", delay, "recovery", kind == restartRecovery)
}

// fireRestart re-checks intent at fire time: Disable may have run after the
// timer was armed.
func (s *Session) fireRestart() {
	defer s.publish()

	s.pendingRestart = nil
	if !s.enabled {
		s.setState(StateDisabled)
		return
	}
	if !s.wantsRestart() || s.listening {
		return
	}
	s.log.Info("restarting recognition")
	s.start()
}

func (s *Session) cancelRestart() {
	if s.pendingRestart == nil {
		return
	}
	s.pendingRestart.Stop()
	s.pendingRestart = nil
	s.log.Debug("pending restart cancelled")
}

func (s *Session) wantsRestart() bool {
	return s.enabled && !s.manuallyStopped && !s.permissionDenied
}

// start applies the selected audio source, then starts the backend.
func (s *Session) start() {
	in, err := s.router.Apply()
	if err != nil {
		s.log.Error("applying audio source failed", "error", err)
		s.setState(StateErrorBackoff)
		return
	}

	err = s.backend.Start(in)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		s.log.Info("recognition already running")
		s.listening = true
		s.setState(StateListening)
	case err != nil:
		s.log.Error("starting recognition failed", "error", err)
		s.listening = false
		s.setState(StateErrorBackoff)
	default:
		s.listening = true
		s.setState(StateStarting)
	}
}

func (s *Session) reportUnsupported() {
	if s.unsupported {
		return
	}
	s.unsupported = true
	s.log.Warn("speech recognition not supported; captioning disabled")
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("state transition", "from", s.state, "to", st)
	s.state = st
}

func (s *Session) setError(class Class, msg string) {
	s.errClass = class
	s.errMsg = msg
}

func (s *Session) clearError() {
	s.errClass = ClassBenign
	s.errMsg = ""
}

func (s *Session) computeStatus() Status {
	switch {
	case s.unsupported:
		return Status{Kind: StatusError, Message: MessageUnsupported}
	case s.errMsg != "":
		return Status{Kind: StatusError, Message: s.errMsg}
	case s.enabled:
		return Status{Kind: StatusListening}
	default:
		return Status{Kind: StatusDisabled}
	}
}

func (s *Session) publish() {
	st := s.computeStatus()
	if st == s.status {
		return
	}
	s.status = st
	if s.onStatus != nil {
		s.onStatus(st)
	}
}
