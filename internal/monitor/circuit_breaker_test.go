package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_TripsAtThresholdWithinWindow(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 3)
	base := time.Now()

	assert.False(t, cb.RecordFailure(base))
	assert.False(t, cb.RecordFailure(base.Add(time.Second)))
	assert.True(t, cb.RecordFailure(base.Add(2*time.Second)), "third failure within window must trip")
}

func TestCircuitBreaker_WindowExpiryResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 3)
	base := time.Now()

	assert.False(t, cb.RecordFailure(base))
	assert.False(t, cb.RecordFailure(base.Add(2*time.Minute)), "failure outside the window starts a fresh count")
	assert.Equal(t, 1, cb.FailureCount())
}

func TestCircuitBreaker_ResetClearsState(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 2)
	base := time.Now()
	cb.RecordFailure(base)
	cb.Reset()
	assert.Equal(t, 0, cb.FailureCount())
	assert.False(t, cb.RecordFailure(base.Add(time.Second)))
}

func TestCircuitBreaker_TripResetsForNextWindow(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 2)
	base := time.Now()
	assert.False(t, cb.RecordFailure(base))
	assert.True(t, cb.RecordFailure(base.Add(time.Second)))
	assert.Equal(t, 0, cb.FailureCount())
}
