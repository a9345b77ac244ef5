package recognition

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/nadzzz/livecaption/internal/audio"
	"github.com/nadzzz/livecaption/internal/dispatch/dispatchtest"
)

type testStream string

func (s testStream) ID() string { return string(s) }

type testNode struct{ id string }

func (n testNode) ID() string            { return n.id }
func (n testNode) Frames() <-chan []byte { return nil }
func (n testNode) Close() error          { return nil }

type harness struct {
	backend  *FakeBackend
	clock    *dispatchtest.Clock
	session  *Session
	results  []Result
	statuses []Status
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{backend: NewFake(), clock: dispatchtest.NewClock()}
	router := audio.NewRouter(func(s audio.Stream) (audio.Node, error) {
		return testNode{id: s.ID()}, nil
	})
	h.session = NewSession(h.backend, router, h.clock, Config{},
		WithResults(func(r Result) { h.results = append(h.results, r) }),
		WithStatus(func(s Status) { h.statuses = append(h.statuses, s) }),
	)
	return h
}

// listen enables the session and confirms the start.
func (h *harness) listen(t *testing.T) {
	t.Helper()
	h.session.Enable()
	h.session.Handle(Started())
	if got := h.session.State(); got != StateListening {
		t.Fatalf("state = %v, want listening", got)
	}
}

func (h *harness) end() { h.session.Handle(h.backend.End()) }

func expectStarts(t *testing.T, b *FakeBackend, want int) {
	t.Helper()
	if got := len(b.Starts()); got != want {
		t.Fatalf("starts = %d, want %d", got, want)
	}
}

func TestEnableStartsBackend(t *testing.T) {
	h := newHarness(t)

	h.session.Enable()
	expectStarts(t, h.backend, 1)
	if got := h.session.State(); got != StateStarting {
		t.Errorf("state = %v, want starting", got)
	}
	if !h.session.Listening() {
		t.Error("Listening() should be true once start was issued")
	}

	h.session.Handle(Started())
	if got := h.session.State(); got != StateListening {
		t.Errorf("state = %v, want listening", got)
	}
	if got := h.session.Status(); got.Kind != StatusListening {
		t.Errorf("status = %+v, want listening", got)
	}
}

func TestUnsolicitedEndRestartsAfterDebounce(t *testing.T) {
	h := newHarness(t)
	h.listen(t)

	h.end()
	if got := h.session.State(); got != StateRestartScheduled {
		t.Fatalf("state = %v, want restart_scheduled", got)
	}
	if h.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", h.clock.Pending())
	}

	h.clock.Advance(DefaultRestartDelay - time.Millisecond)
	expectStarts(t, h.backend, 1)

	h.clock.Advance(time.Millisecond)
	expectStarts(t, h.backend, 2)
	if got := h.session.State(); got != StateStarting {
		t.Errorf("state = %v, want starting", got)
	}
}

func TestDisableCancelsPendingRestart(t *testing.T) {
	h := newHarness(t)
	h.listen(t)
	h.end()

	h.session.Disable()
	if got := h.session.State(); got != StateDisabled {
		t.Errorf("state = %v, want disabled", got)
	}
	if h.session.RestartPending() || h.clock.Pending() != 0 {
		t.Fatal("restart still pending after Disable")
	}

	h.clock.Advance(time.Minute)
	expectStarts(t, h.backend, 1)
}

func TestDisableStopsLiveBackend(t *testing.T) {
	h := newHarness(t)
	h.listen(t)

	h.session.Disable()
	if h.backend.Stops() != 1 {
		t.Fatalf("stops = %d, want 1", h.backend.Stops())
	}
	if got := h.session.State(); got != StateStoppingManual {
		t.Fatalf("state = %v, want stopping", got)
	}

	h.session.Disable()
	if h.backend.Stops() != 1 {
		t.Error("a second Disable while stopping must not stop again")
	}

	h.end()
	if got := h.session.State(); got != StateDisabled {
		t.Errorf("state = %v, want disabled", got)
	}
	h.clock.Advance(time.Minute)
	expectStarts(t, h.backend, 1)
}

func TestEnableWhileStoppingRestartsAfterEnd(t *testing.T) {
	h := newHarness(t)
	h.listen(t)
	h.session.Disable()

	h.session.Enable()
	expectStarts(t, h.backend, 1)

	h.end()
	if got := h.session.State(); got != StateRestartScheduled {
		t.Fatalf("state = %v, want restart_scheduled", got)
	}
	h.clock.Advance(DefaultRestartDelay)
	expectStarts(t, h.backend, 2)
}

func TestAbortSharesDebounceWithEnd(t *testing.T) {
	h := newHarness(t)
	h.listen(t)

	h.session.Handle(Failed(CodeAborted, ""))
	h.end()
	if h.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want exactly 1", h.clock.Pending())
	}
	if got := h.session.Status(); got.Kind != StatusListening {
		t.Errorf("abort must stay silent, status = %+v", got)
	}

	h.clock.Advance(DefaultRestartDelay)
	expectStarts(t, h.backend, 2)
	h.clock.Advance(time.Minute)
	expectStarts(t, h.backend, 2)
}

func TestAbortAfterManualStopDoesNotRestart(t *testing.T) {
	h := newHarness(t)
	h.listen(t)
	h.session.Disable()

	h.session.Handle(Failed(CodeAborted, ""))
	h.end()
	h.clock.Advance(time.Minute)
	expectStarts(t, h.backend, 1)
}

func TestPermissionDeniedNeverAutoRestarts(t *testing.T) {
	h := newHarness(t)
	h.listen(t)

	h.session.Handle(Failed(CodeNotAllowed, "denied"))
	h.end()
	if got := h.session.State(); got != StateErrorBackoff {
		t.Fatalf("state = %v, want error_backoff", got)
	}
	want := Status{Kind: StatusError, Message: MessagePermission}
	if got := h.session.Status(); got != want {
		t.Errorf("status = %+v, want %+v", got, want)
	}

	h.clock.Advance(time.Hour)
	expectStarts(t, h.backend, 1)

	h.session.Enable()
	expectStarts(t, h.backend, 2)
	if got := h.session.Status(); got.Kind != StatusListening {
		t.Errorf("status after re-enable = %+v, want listening", got)
	}
}

func TestRecoverableErrorRetriesAfterRecoveryDelay(t *testing.T) {
	h := newHarness(t)
	h.listen(t)

	h.session.Handle(Failed(CodeNetwork, "offline"))
	want := Status{Kind: StatusError, Message: MessageNetwork}
	if got := h.session.Status(); got != want {
		t.Errorf("status = %+v, want %+v", got, want)
	}
	h.end()
	if h.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", h.clock.Pending())
	}

	h.clock.Advance(DefaultRestartDelay)
	expectStarts(t, h.backend, 1)

	h.clock.Advance(DefaultRecoveryDelay - DefaultRestartDelay)
	expectStarts(t, h.backend, 2)

	h.session.Handle(Started())
	if got := h.session.Status(); got.Kind != StatusListening {
		t.Errorf("status after recovery = %+v, want listening", got)
	}
	if got := h.session.State(); got != StateListening {
		t.Errorf("state = %v, want listening", got)
	}
}

func TestRecoveryReplacesPendingDebounce(t *testing.T) {
	h := newHarness(t)
	h.listen(t)
	h.end()

	h.session.Handle(Failed(CodeAudioCapture, ""))
	if h.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", h.clock.Pending())
	}
	h.clock.Advance(DefaultRestartDelay)
	expectStarts(t, h.backend, 1)
	h.clock.Advance(DefaultRecoveryDelay)
	expectStarts(t, h.backend, 2)
}

func TestUnclassifiedErrorTreatedAsAbort(t *testing.T) {
	h := newHarness(t)
	h.listen(t)

	h.session.Handle(Failed("bad-grammar", ""))
	if got := h.session.Status(); got.Kind != StatusListening {
		t.Errorf("status = %+v, want listening", got)
	}
	h.end()
	h.clock.Advance(DefaultRestartDelay)
	expectStarts(t, h.backend, 2)
}

func TestAlreadyRunningIsListening(t *testing.T) {
	h := newHarness(t)
	h.backend.FailStart(ErrAlreadyRunning)

	h.session.Enable()
	if !h.session.Listening() {
		t.Error("duplicate start should count as listening")
	}
	if got := h.session.State(); got != StateListening {
		t.Errorf("state = %v, want listening", got)
	}
}

func TestStartFailureDoesNotRetry(t *testing.T) {
	h := newHarness(t)
	h.backend.FailStart(errors.New("device busy"))

	h.session.Enable()
	if h.session.Listening() {
		t.Error("Listening() should stay false after a failed start")
	}
	if h.clock.Pending() != 0 {
		t.Error("failed start must not schedule a retry")
	}
	if got := h.session.Status(); got.Kind == StatusError {
		t.Errorf("start failure is not user-visible, status = %+v", got)
	}
}

func TestSwitchSourceWhileListening(t *testing.T) {
	h := newHarness(t)
	h.listen(t)

	h.session.SelectRemoteStream(testStream("peer"))
	if h.backend.Stops() != 1 {
		t.Fatalf("stops = %d, want 1", h.backend.Stops())
	}
	expectStarts(t, h.backend, 1)

	h.session.Handle(Failed(CodeAborted, ""))
	h.end()

	expectStarts(t, h.backend, 2)
	if h.backend.Stops() != 1 {
		t.Errorf("stops = %d, want exactly 1", h.backend.Stops())
	}
	if h.backend.Overlaps() != 0 {
		t.Error("Start called while an instance was live")
	}
	if h.clock.Pending() != 0 {
		t.Error("a source switch must not leave a restart pending")
	}
	in := h.backend.Starts()[1]
	if in.Source != audio.RemoteStream || in.Node.ID() != "peer" {
		t.Errorf("restart input = %+v, want remote stream peer", in)
	}
}

func TestDisableDuringSwitchStopsOnce(t *testing.T) {
	h := newHarness(t)
	h.listen(t)

	h.session.SelectRemoteStream(testStream("peer"))
	h.session.Disable()
	if got := h.backend.Stops(); got != 1 {
		t.Fatalf("stops = %d, want 1", got)
	}
	if got := h.session.State(); got != StateStoppingManual {
		t.Fatalf("state = %v, want stopping", got)
	}

	h.end()
	h.clock.Advance(time.Minute)
	expectStarts(t, h.backend, 1)
	if got := h.session.State(); got != StateDisabled {
		t.Errorf("state = %v, want disabled", got)
	}
}

func TestRestartAfterSwitchKeepsNewSource(t *testing.T) {
	h := newHarness(t)
	h.listen(t)
	h.session.SelectRemoteStream(testStream("peer"))
	h.end()
	h.session.Handle(Started())

	h.end()
	h.clock.Advance(DefaultRestartDelay)

	starts := h.backend.Starts()
	if len(starts) != 3 {
		t.Fatalf("starts = %d, want 3", len(starts))
	}
	if starts[2].Source != audio.RemoteStream {
		t.Errorf("debounced restart used %v, want remote", starts[2].Source)
	}
}

func TestSwitchSourceWhileDisabled(t *testing.T) {
	h := newHarness(t)

	h.session.SelectRemoteStream(testStream("peer"))
	expectStarts(t, h.backend, 0)

	h.session.Enable()
	starts := h.backend.Starts()
	if len(starts) != 1 || starts[0].Source != audio.RemoteStream {
		t.Fatalf("starts = %+v, want one remote start", starts)
	}
}

func TestSelectSameStreamTwiceIsNoop(t *testing.T) {
	h := newHarness(t)
	h.session.SelectRemoteStream(testStream("peer"))
	h.listen(t)

	h.session.SelectRemoteStream(testStream("peer"))
	if h.backend.Stops() != 0 {
		t.Error("reselecting the same stream must not stop the backend")
	}
}

func TestSelectMicrophoneDuringPendingRestart(t *testing.T) {
	h := newHarness(t)
	h.session.SelectRemoteStream(testStream("peer"))
	h.listen(t)
	h.end()

	h.session.SelectMicrophone()
	expectStarts(t, h.backend, 2)
	if h.backend.Starts()[1].Source != audio.Microphone {
		t.Error("expected the microphone to be applied")
	}
	if h.clock.Pending() != 0 {
		t.Error("pending restart should be replaced by the immediate start")
	}
}

func TestUnsupportedBackendReportedOnce(t *testing.T) {
	var statuses []Status
	s := NewSession(nil, audio.NewRouter(nil), dispatchtest.NewClock(), Config{},
		WithStatus(func(st Status) { statuses = append(statuses, st) }))

	s.Enable()
	s.Enable()
	if len(statuses) != 1 {
		t.Fatalf("status callbacks = %d, want 1", len(statuses))
	}
	want := Status{Kind: StatusError, Message: MessageUnsupported}
	if statuses[0] != want {
		t.Errorf("status = %+v, want %+v", statuses[0], want)
	}
	if s.Enabled() {
		t.Error("unsupported session must stay disabled")
	}
}

func TestResultsDeliveredOnlyWhileEnabled(t *testing.T) {
	h := newHarness(t)
	h.listen(t)

	h.session.Handle(Recognized(Result{Final: true, Text: "hello"}))
	h.session.Disable()
	h.session.Handle(Recognized(Result{Final: true, Text: "late"}))

	if len(h.results) != 1 || h.results[0].Text != "hello" {
		t.Errorf("results = %+v, want only hello", h.results)
	}
}

func TestClassify(t *testing.T) {
	for _, tt := range []struct {
		code ErrorCode
		want Class
	}{
		{CodeAborted, ClassBenign},
		{CodeNoSpeech, ClassBenign},
		{CodeNetwork, ClassRecoverable},
		{CodeAudioCapture, ClassRecoverable},
		{CodeNotAllowed, ClassPermission},
		{CodeServiceNotAllowed, ClassPermission},
		{"something-else", ClassUnclassified},
	} {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := Classify(tt.code); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

// TestRandomSequencesKeepInvariants drives the session with random intents,
// backend events and clock advances.
func TestRandomSequencesKeepInvariants(t *testing.T) {
	codes := []ErrorCode{CodeAborted, CodeNoSpeech, CodeNetwork, CodeNotAllowed, "weird"}

	for seed := int64(1); seed <= 50; seed++ {
		h := newHarness(t)
		rng := rand.New(rand.NewSource(seed))

		for step := 0; step < 200; step++ {
			switch rng.Intn(8) {
			case 0:
				h.session.Enable()
			case 1:
				h.session.Disable()
			case 2:
				if h.backend.Live() {
					h.session.Handle(Started())
				}
			case 3:
				if h.backend.Live() {
					h.end()
				}
			case 4:
				if h.backend.Live() {
					h.session.Handle(Failed(codes[rng.Intn(len(codes))], ""))
				}
			case 5:
				if rng.Intn(2) == 0 {
					h.session.SelectRemoteStream(testStream("peer"))
				} else {
					h.session.SelectMicrophone()
				}
			default:
				h.clock.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)
			}

			if h.backend.Overlaps() != 0 {
				t.Fatalf("seed %d step %d: Start called while live", seed, step)
			}
			if h.clock.Pending() > 1 {
				t.Fatalf("seed %d step %d: %d restart timers pending", seed, step, h.clock.Pending())
			}
			if !h.session.Enabled() && h.clock.Pending() != 0 {
				t.Fatalf("seed %d step %d: restart pending while disabled", seed, step)
			}
			if h.session.Listening() != h.backend.Live() {
				t.Fatalf("seed %d step %d: listening=%v backend live=%v",
					seed, step, h.session.Listening(), h.backend.Live())
			}
		}
	}
}

func TestDisabledSessionNeverStarts(t *testing.T) {
	h := newHarness(t)
	h.listen(t)
	h.end()
	h.session.Disable()
	before := len(h.backend.Starts())

	for range 10 {
		h.session.SelectRemoteStream(testStream("a"))
		h.session.SelectMicrophone()
		h.clock.Advance(10 * time.Second)
	}
	expectStarts(t, h.backend, before)
}

func TestOfferRemoteStream(t *testing.T) {
	h := newHarness(t)
	h.listen(t)

	h.session.OfferRemoteStream(testStream("peer"))
	if h.backend.Stops() != 0 || !h.session.RemoteAvailable() {
		t.Fatal("offer while on the microphone must not interrupt recognition")
	}

	if err := h.session.SelectRemote(); err != nil {
		t.Fatalf("SelectRemote: %v", err)
	}
	h.end()
	expectStarts(t, h.backend, 2)

	h.session.Handle(Started())
	h.session.OfferRemoteStream(testStream("reconnected"))
	if h.backend.Stops() != 2 {
		t.Errorf("stops = %d, want 2 after a new stream replaced the selected one", h.backend.Stops())
	}
}

func TestSelectRemoteWithoutStream(t *testing.T) {
	h := newHarness(t)
	if err := h.session.SelectRemote(); !errors.Is(err, audio.ErrNoRemoteStream) {
		t.Errorf("SelectRemote = %v, want ErrNoRemoteStream", err)
	}
}
