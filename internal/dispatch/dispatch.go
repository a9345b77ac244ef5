// Package dispatch implements the single event loop that serializes every
// state change in livecaption.
//
// Backend callbacks, timer firings, user intents and inbound captions are all
// posted to one Loop and run to completion in FIFO order. Components driven by
// the loop therefore need no locks of their own. Timers armed through the
// loop are cancellable handles: once Stop has been called on the loop
// goroutine the callback is guaranteed never to run.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned when work is posted to a loop that has exited.
var ErrStopped = errors.New("dispatch: loop stopped")

// Executor runs closures on the owner's goroutine.
type Executor interface {
	// Post enqueues fn. It reports false if fn will never run.
	Post(fn func()) bool
}

// Timer is a cancellable scheduled-task handle.
type Timer interface {
	// Stop cancels the task. It reports whether the call prevented the task
	// from running.
	Stop() bool
}

// Scheduler arms timers whose callbacks run on the owner's goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

// Loop is a single-goroutine executor and scheduler.
type Loop struct {
	queue chan func()
	done  chan struct{}

	mu      sync.Mutex
	stopped bool
}

// New creates a loop with the given queue capacity.
func New(capacity int) *Loop {
	if capacity <= 0 {
		capacity = 256
	}
	return &Loop{
		queue: make(chan func(), capacity),
		done:  make(chan struct{}),
	}
}

// Run executes posted closures until ctx is cancelled. It must be called once.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.queue:
			fn()
		}
	}
}

// Post enqueues fn. It blocks while the queue is full and reports false once
// the loop has exited.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return false
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do posts fn and waits for it to complete.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Now returns the wall-clock time.
func (l *Loop) Now() time.Time { return time.Now() }

// AfterFunc arms a timer that posts fn to the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.cancelled {
				return
			}
			t.cancelled = true
			fn()
		})
	})
	return t
}

// loopTimer fields other than timer are only touched on the loop goroutine.
type loopTimer struct {
	timer     *time.Timer
	cancelled bool
}

func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	if t.cancelled {
		return false
	}
	t.cancelled = true
	return true
}
