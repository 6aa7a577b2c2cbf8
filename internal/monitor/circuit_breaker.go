package monitor

import (
	"sync"
	"time"
)

// CircuitBreaker is the sliding-window failure counter described in spec
// §3/§4.6 step 14: simpler than a full closed/open/half-open state machine,
// because here a trip has exactly one consequence (terminate the stream),
// not a resumable half-open probe.
type CircuitBreaker struct {
	window    time.Duration
	threshold int

	mu               sync.Mutex
	firstFailureTime time.Time
	failureCount     int
}

// NewCircuitBreaker builds a breaker that trips once failureCount reaches
// threshold within window.
func NewCircuitBreaker(window time.Duration, threshold int) *CircuitBreaker {
	return &CircuitBreaker{window: window, threshold: threshold}
}

// RecordFailure records one recovery-attempt failure and reports whether the
// breaker just tripped. A failure outside the current window starts a new
// window.
func (c *CircuitBreaker) RecordFailure(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.firstFailureTime.IsZero() || now.Sub(c.firstFailureTime) > c.window {
		c.firstFailureTime = now
		c.failureCount = 1
	} else {
		c.failureCount++
	}

	if c.failureCount >= c.threshold {
		c.firstFailureTime = time.Time{}
		c.failureCount = 0
		return true
	}
	return false
}

// Reset clears accumulated failures, called on sustained healthy playback.
func (c *CircuitBreaker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.firstFailureTime = time.Time{}
	c.failureCount = 0
}

// FailureCount reports the current window's failure count, for status
// reporting.
func (c *CircuitBreaker) FailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureCount
}
