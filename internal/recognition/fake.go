package recognition

import (
	"errors"
	"sync"

	"github.com/nadzzz/livecaption/internal/audio"
)

// FakeBackend records Start and Stop calls. Tests drive its events by
// passing them to Session.Handle.
type FakeBackend struct {
	mu       sync.Mutex
	live     bool
	starts   []audio.Input
	stops    int
	overlaps int
	startErr error
}

var _ Backend = (*FakeBackend)(nil)

// NewFake returns an idle fake backend.
func NewFake() *FakeBackend { return &FakeBackend{} }

func (f *FakeBackend) Name() string { return "fake" }

// FailStart makes subsequent Start calls return err.
func (f *FakeBackend) FailStart(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func (f *FakeBackend) Start(in audio.Input) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.live {
		f.overlaps++
		return ErrAlreadyRunning
	}
	f.live = true
	f.starts = append(f.starts, in)
	return nil
}

func (f *FakeBackend) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if !f.live {
		return errors.New("fake: not running")
	}
	return nil
}

// End marks the instance finished and returns the matching event.
func (f *FakeBackend) End() Event {
	f.mu.Lock()
	f.live = false
	f.mu.Unlock()
	return Ended()
}

// Live reports whether an instance is running.
func (f *FakeBackend) Live() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

// Starts returns the inputs of every successful Start.
func (f *FakeBackend) Starts() []audio.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Input(nil), f.starts...)
}

// Stops returns how many times Stop was called.
func (f *FakeBackend) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// Overlaps returns how many times Start was called while an instance was live.
func (f *FakeBackend) Overlaps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlaps
}
