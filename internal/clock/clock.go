// Package clock abstracts the time operations used by the debounce
// timers and the poll loop so tests can drive them deterministically.
//
// Production code uses Real(). Tests use Fake(start) and move time
// forward with Advance; AfterFunc callbacks then run synchronously on
// the goroutine that called Advance.
package clock

import "time"

// Clock is the subset of the time package the relay depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc waits for d, then calls f. The returned Timer cancels
	// the pending call with Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancelable one-shot callback.
type Timer struct {
	stop func() bool
}

// Stop prevents the callback from running. It reports whether the
// call stopped the timer; false means it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks. C has capacity 1; ticks are dropped
// while the consumer lags.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
