package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time moves only when Advance is
// called. It is safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order, without the clock lock held. A callback may arm new timers;
// it must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	callback func()
	ticks    chan time.Time
	interval time.Duration
	stopped  bool
	fired    bool
}

func (w *waiter) active() bool { return !w.stopped && !w.fired }

// Fake returns a FakeClock starting at start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !w.active() {
			return false
		}
		w.stopped = true
		c.changed.Broadcast()
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	ticks := make(chan time.Time, 1)
	w := &waiter{deadline: c.now.Add(d), ticks: ticks, interval: d}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Ticker{C: ticks, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		w.stopped = true
		c.changed.Broadcast()
	}}
}

// Advance moves the clock forward by d, firing every timer and ticker
// whose deadline falls inside the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		w := c.next(target)
		if w == nil {
			break
		}
		c.now = w.deadline
		if w.ticks != nil {
			select {
			case w.ticks <- c.now:
			default:
			}
			w.deadline = w.deadline.Add(w.interval)
			continue
		}
		w.fired = true
		c.mu.Unlock()
		w.callback()
		c.mu.Lock()
	}
	c.now = target
	c.compact()
	c.mu.Unlock()
}

// next returns the earliest active waiter due at or before target.
// Caller holds c.mu.
func (c *FakeClock) next(target time.Time) *waiter {
	var due []*waiter
	for _, w := range c.waiters {
		if w.active() && !w.deadline.After(target) {
			due = append(due, w)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due[0]
}

func (c *FakeClock) compact() {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.active() {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
	c.changed.Broadcast()
}

// Pending returns the number of armed timers and tickers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range c.waiters {
		if w.active() {
			n++
		}
	}
	return n
}

// WaitForTimers blocks until at least n timers or tickers are armed.
// Use it before Advance when another goroutine is expected to arm one.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}
