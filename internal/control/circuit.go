package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker trips after Threshold consecutive failures of one error
// class and stays open for Cooldown, then lets a single probe through.
// Safe for concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
	probing     bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow reports whether work may start at now. Once the cooldown has
// elapsed the breaker turns half-open and admits one probe; further
// callers are refused until the probe is recorded.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Sub(c.openedAt) < c.Cooldown {
			return false
		}
		c.state = CircuitHalfOpen
		c.probing = true
		return true
	default:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
}

// RecordSuccess closes the breaker. It reports whether the breaker was
// not closed before the call.
func (c *CircuitBreaker) RecordSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	recovered := c.state != CircuitClosed
	c.state = CircuitClosed
	c.openedClass = ""
	c.probing = false
	clear(c.failures)
	return recovered
}

// RecordFailure counts an error of errClass at now. It reports whether
// this failure opened the breaker.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) bool {
	if errClass == "" {
		errClass = ClassUnknown
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitHalfOpen {
		c.open(errClass, now)
		return true
	}
	if c.state == CircuitOpen {
		return false
	}
	c.failures[errClass]++
	if c.failures[errClass] >= c.Threshold {
		c.open(errClass, now)
		return true
	}
	return false
}

func (c *CircuitBreaker) open(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
	c.probing = false
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}
