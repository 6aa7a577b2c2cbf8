package monitor

import "time"

// Issue is the last recovery-triggering condition observed, for status
// reporting.
type Issue struct {
	Category Category
	At       time.Time
}

// Snapshot is the monitor-owned slice of a stream's status object.
type Snapshot struct {
	Health           Health
	Level            Level
	RecoveryAttempts int
	LastIssue        Issue
	CircuitFailures  int
	ReadyState       int
	NetworkState     int
}

// Status returns a point-in-time snapshot for the status emitter.
func (m *Monitor) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int
	for _, n := range m.metrics.Attempts {
		total += n
	}

	health := HealthHealthy
	switch {
	case m.recoveryInProgress:
		health = HealthRecovering
	case m.stallCount > m.cfg.StallCountThreshold:
		health = HealthStalled
	}

	return Snapshot{
		Health:           health,
		Level:            m.recoveryLevel,
		RecoveryAttempts: total,
		LastIssue:        Issue{Category: m.lastIssueCategory, At: m.recoveryStartTime},
		CircuitFailures:  m.cb.FailureCount(),
		ReadyState:       m.lastReadyState,
		NetworkState:     m.lastNetworkState,
	}
}
