// Package dispatchtest provides deterministic stand-ins for the dispatch loop.
package dispatchtest

import (
	"sort"
	"time"

	"github.com/nadzzz/livecaption/internal/dispatch"
)

// Inline runs posted closures immediately on the caller's goroutine.
type Inline struct{}

// Post runs fn and reports true.
func (Inline) Post(fn func()) bool {
	fn()
	return true
}

// Clock is a manual scheduler. Timers fire synchronously inside Advance.
type Clock struct {
	now    time.Time
	seq    int
	timers []*clockTimer
}

var _ dispatch.Scheduler = (*Clock)(nil)

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time { return c.now }

// AfterFunc arms fn to fire once the clock has advanced past d.
func (c *Clock) AfterFunc(d time.Duration, fn func()) dispatch.Timer {
	c.seq++
	t := &clockTimer{clock: c, at: c.now.Add(d), seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Pending returns the number of armed timers.
func (c *Clock) Pending() int { return len(c.timers) }

// Advance moves the clock forward, firing due timers in deadline order.
func (c *Clock) Advance(d time.Duration) {
	target := c.now.Add(d)
	for {
		due := c.nextDue(target)
		if due == nil {
			break
		}
		c.remove(due)
		c.now = due.at
		due.fn()
	}
	c.now = target
}

func (c *Clock) nextDue(target time.Time) *clockTimer {
	if len(c.timers) == 0 {
		return nil
	}
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].at.Equal(c.timers[j].at) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].at.Before(c.timers[j].at)
	})
	if c.timers[0].at.After(target) {
		return nil
	}
	return c.timers[0]
}

func (c *Clock) remove(t *clockTimer) bool {
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}

type clockTimer struct {
	clock *Clock
	at    time.Time
	seq   int
	fn    func()
}

func (t *clockTimer) Stop() bool { return t.clock.remove(t) }
