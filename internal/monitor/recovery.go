package monitor

import (
	"context"
	"time"

	"github.com/tresby/prismcast/internal/browser"
)

// escalateAndRecover runs steps 12-14 of the tick: pick a level, execute the
// matching recovery action, record the attempt, and consult the circuit
// breaker.
func (m *Monitor) escalateAndRecover(ctx context.Context, category Category) {
	m.mu.Lock()
	if m.segmentProductionStalledLocked() {
		m.mu.Unlock()
		m.runTabReplacement(ctx, "segment production stalled")
		return
	}

	level := m.selectLevelLocked(category)
	m.recoveryInProgress = true
	m.recoveryStartTime = time.Now()
	m.recoveryLevel = level
	m.lastIssueCategory = category
	m.mu.Unlock()

	m.emitHealth(HealthRecovering)

	success := m.executeLevel(ctx, level)

	m.mu.Lock()
	methodName := levelName(level)
	m.metrics.Attempts[methodName]++
	if success {
		m.metrics.Successes[methodName]++
	}
	m.metrics.TotalRecoveryTime += time.Since(m.recoveryStartTime)

	switch level {
	case LevelPlay:
		m.recoveryGraceUntil = time.Now().Add(m.cfg.GraceL1)
	case LevelSourceReload:
		m.recoveryGraceUntil = time.Now().Add(m.cfg.GraceL2)
		if success {
			m.level2Attempted = true
			m.armSegmentMonitoringLocked()
		}
	case LevelPageNavigation:
		m.recoveryGraceUntil = time.Now().Add(m.cfg.GraceL3)
		if success {
			m.armSegmentMonitoringLocked()
		}
	}
	m.recoveryInProgress = false
	m.mu.Unlock()

	if !success {
		if m.cb.RecordFailure(time.Now()) {
			if m.coll.CircuitBreak != nil {
				m.coll.CircuitBreak("recovery circuit breaker tripped")
			}
		}
	}
}

// armSegmentMonitoringLocked records the segment index at recovery time so
// a later tick can detect that the segmenter never produced another
// segment. Caller must hold m.mu.
func (m *Monitor) armSegmentMonitoringLocked() {
	m.segmentMonitoringArmed = true
	m.recoveryStartSegmentIndex = m.currentSegmenterIndexLocked()
}

func (m *Monitor) selectLevelLocked(category Category) Level {
	if category == CategoryPaused && m.recoveryLevel == LevelNone {
		return LevelPlay
	}
	if !m.level2Attempted {
		return LevelSourceReload
	}
	return LevelPageNavigation
}

func (m *Monitor) executeLevel(ctx context.Context, level Level) bool {
	return m.executeLevelFallback(ctx, level, true)
}

// executeLevelFallback runs one recovery action. allowFallback permits at
// most one hop to the neighboring level when the requested action can't run
// (source reload out of budget, page navigation failing twice) — it is
// cleared on the hop so L2 and L3 can never bounce back and forth forever.
func (m *Monitor) executeLevelFallback(ctx context.Context, level Level, allowFallback bool) bool {
	page := m.currentPage()
	if page == nil {
		return false
	}

	switch level {
	case LevelPlay:
		err := m.coll.Playback.Play(ctx, page)
		if err == nil {
			err = m.coll.Playback.Unmute(ctx, page, 1)
		}
		return err == nil

	case LevelSourceReload:
		if !m.canAttemptPageReload() {
			if allowFallback {
				return m.executeLevelFallback(ctx, LevelPageNavigation, false)
			}
			return false
		}
		err := m.coll.Playback.ReloadSource(ctx, page)
		m.markDiscontinuityIfSuccess(err == nil)
		return err == nil

	case LevelPageNavigation:
		seg := m.currentSegmenter()
		err := m.navigateOnce(ctx, page)
		if err != nil {
			err = m.navigateOnce(ctx, page)
		}
		// L3 marks the discontinuity regardless of outcome, unlike L2 which
		// only marks on success.
		if seg != nil {
			seg.MarkDiscontinuity()
		}
		if err != nil {
			if allowFallback {
				return m.executeLevelFallback(ctx, LevelSourceReload, false)
			}
			return false
		}
		return true
	}
	return false
}

func (m *Monitor) navigateOnce(ctx context.Context, page browser.Page) error {
	return m.coll.Playback.TuneToChannel(ctx, page, m.coll.Profile)
}

func (m *Monitor) markDiscontinuityIfSuccess(success bool) {
	if !success {
		return
	}
	if seg := m.currentSegmenter(); seg != nil {
		seg.MarkDiscontinuity()
	}
}

func levelName(l Level) string {
	switch l {
	case LevelPlay:
		return "play"
	case LevelSourceReload:
		return "source_reload"
	case LevelPageNavigation:
		return "page_navigation"
	case LevelTabReplacement:
		return "tab_replacement"
	default:
		return "none"
	}
}

// runTabReplacement invokes the injected tab replacement handler, adopts its
// result on success, and records the attempt for circuit-breaker purposes.
func (m *Monitor) runTabReplacement(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.recoveryInProgress {
		m.mu.Unlock()
		return
	}
	m.recoveryInProgress = true
	m.recoveryLevel = LevelTabReplacement
	start := time.Now()
	m.mu.Unlock()

	m.emitHealth(HealthRecovering)

	var success bool
	if m.coll.ReplaceTab != nil {
		result, err := m.coll.ReplaceTab(ctx)
		if err == nil {
			m.mu.Lock()
			m.page = result.Page
			m.segmenter = result.Segmenter
			m.consecutiveTimeouts = 0
			m.consecutiveTinySegments = 0
			m.stallCount = 0
			m.pauseCount = 0
			m.recoveryLevel = LevelNone
			m.level2Attempted = false
			m.segmentMonitoringArmed = false
			m.recoveryGraceUntil = time.Now().Add(m.cfg.GraceL3)
			m.mu.Unlock()
			m.cb.Reset()
			success = true
		}
	}

	m.mu.Lock()
	m.metrics.Attempts["tab_replacement"]++
	if success {
		m.metrics.Successes["tab_replacement"]++
	}
	m.metrics.TotalRecoveryTime += time.Since(start)
	m.recoveryInProgress = false
	m.mu.Unlock()

	if !success {
		if m.cb.RecordFailure(time.Now()) {
			if m.coll.CircuitBreak != nil {
				m.coll.CircuitBreak(reason + ": tab replacement exhausted")
			}
		}
	}
}
