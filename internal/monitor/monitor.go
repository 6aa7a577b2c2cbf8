// Package monitor implements the per-stream playback health monitor: a
// cooperative polling loop that reads video state, detects stalls and
// buffering, escalates through a recovery ladder, and circuit-breaks a
// stream that cannot recover.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tresby/prismcast/internal/browser"
	"github.com/tresby/prismcast/internal/segmenter"
)

// Level is the recovery escalation level.
type Level int

const (
	LevelNone           Level = 0
	LevelPlay           Level = 1 // L1: play/unmute
	LevelSourceReload   Level = 2 // L2: reload video source
	LevelPageNavigation Level = 3 // L3: navigate the page
	LevelTabReplacement Level = 4 // full capture/page/segmenter rebuild
)

// Category classifies why recovery is needed.
type Category string

const (
	CategoryOther     Category = "other"
	CategoryBuffering Category = "buffering"
	CategoryPaused    Category = "paused"
)

// Health is the stream's externally reported health state.
type Health string

const (
	HealthHealthy    Health = "healthy"
	HealthBuffering  Health = "buffering"
	HealthStalled    Health = "stalled"
	HealthRecovering Health = "recovering"
	HealthError      Health = "error"
)

// RecoveryMetrics matches registry.RecoveryMetrics's shape so StopMonitor can
// hand results straight to the registry without this package importing it.
type RecoveryMetrics struct {
	Attempts          map[string]int
	Successes         map[string]int
	TotalRecoveryTime time.Duration
}

// Config carries the monitor's tunables.
type Config struct {
	Interval                  time.Duration
	EvaluateTimeout           time.Duration
	StallThreshold            float64
	StallCountThreshold       int
	BufferingGracePeriod      time.Duration
	SustainedPlaybackRequired time.Duration
	MaxPageReloads            int
	PageReloadWindow          time.Duration
	CircuitBreakerWindow      time.Duration
	CircuitBreakerThreshold   int
	TinySegmentBytes          int
	TinySegmentStreak         int
	UnresponsiveStreak        int
	VideoMissingStreak        int
	SegmentStallGrace         time.Duration
	GraceL1                   time.Duration
	GraceL2                   time.Duration
	GraceL3                   time.Duration
}

// DefaultConfig returns the recommended monitor tuning defaults.
func DefaultConfig() Config {
	return Config{
		Interval:                  2 * time.Second,
		EvaluateTimeout:           2 * time.Second,
		StallThreshold:            1,
		StallCountThreshold:       2,
		BufferingGracePeriod:      10 * time.Second,
		SustainedPlaybackRequired: 60 * time.Second,
		MaxPageReloads:            5,
		PageReloadWindow:          10 * time.Minute,
		CircuitBreakerWindow:      5 * time.Minute,
		CircuitBreakerThreshold:   5,
		TinySegmentBytes:          500_000,
		TinySegmentStreak:         10,
		UnresponsiveStreak:        3,
		VideoMissingStreak:        3,
		SegmentStallGrace:         10 * time.Second,
		GraceL1:                   3 * time.Second,
		GraceL2:                   10 * time.Second,
		GraceL3:                   10 * time.Second,
	}
}

// TabReplaceResult is what a successful tab replacement hands back: the
// monitor adopts the new page and segmenter for subsequent ticks.
type TabReplaceResult struct {
	Page      browser.Page
	Segmenter *segmenter.Segmenter
}

// Collaborators bundles everything one monitor instance needs beyond its
// Config. Page and Segmenter are read under the monitor's own lock so tab
// replacement can swap them safely between ticks.
type Collaborators struct {
	Playback        browser.PlaybackController
	Page            browser.Page
	Segmenter       *segmenter.Segmenter
	Profile         browser.Profile
	ReplaceTab      func(ctx context.Context) (TabReplaceResult, error)
	CircuitBreak    func(reason string)
	OnHealthChanged func(Health, Level)
	Logger          *slog.Logger
}

// Monitor runs one stream's health-check ticks.
type Monitor struct {
	cfg  Config
	cb   *CircuitBreaker
	coll Collaborators

	mu sync.Mutex

	page      browser.Page
	segmenter *segmenter.Segmenter

	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	consecutiveTimeouts     int
	consecutiveTinySegments int

	lastCurrentTime  float64
	lastReadyState   int
	lastNetworkState int
	stallCount       int
	pauseCount       int

	bufferingStartTime time.Time
	recoveryInProgress bool
	recoveryStartTime  time.Time
	recoveryLevel      Level
	lastIssueCategory  Category

	level2Attempted bool

	lastPageNavigationTime time.Time
	pageReloadTimes        []time.Time

	recoveryGraceUntil        time.Time
	lastHealthyTime           time.Time
	recoveryStartSegmentIndex int
	segmentMonitoringArmed    bool

	metrics RecoveryMetrics
}

// New constructs a monitor. It does not start ticking until Start is called.
func New(cfg Config, coll Collaborators) *Monitor {
	return &Monitor{
		cfg:             cfg,
		cb:              NewCircuitBreaker(cfg.CircuitBreakerWindow, cfg.CircuitBreakerThreshold),
		coll:            coll,
		page:            coll.Page,
		segmenter:       coll.Segmenter,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		lastHealthyTime: time.Now(),
		metrics: RecoveryMetrics{
			Attempts:  make(map[string]int),
			Successes: make(map[string]int),
		},
	}
}

// Start launches the periodic tick loop in its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Stop halts ticking and returns accumulated recovery metrics.
func (m *Monitor) Stop() RecoveryMetrics {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		<-m.doneCh
		return m.metrics
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func (m *Monitor) currentPage() browser.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.page
}

func (m *Monitor) currentSegmenter() *segmenter.Segmenter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segmenter
}

// tick runs one ordered health-check pass.
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if m.recoveryInProgress {
		m.mu.Unlock()
		m.emitHealth(HealthRecovering)
		return
	}
	page := m.page
	m.mu.Unlock()

	if page == nil || page.IsClosed() {
		return
	}

	evalCtx, cancel := context.WithTimeout(ctx, m.cfg.EvaluateTimeout)
	state, err := m.coll.Playback.ReadVideoState(evalCtx, page)
	cancel()

	if err != nil {
		m.handleEvaluateTimeout(ctx)
		return
	}
	m.mu.Lock()
	m.consecutiveTimeouts = 0
	m.mu.Unlock()

	m.enforceVolume(ctx, page, state)
	needsRecovery, category := m.evaluateStallAndBuffering(state)
	m.checkSegmentLiveness()
	m.checkTinySegments()

	if needsRecovery {
		m.escalateAndRecover(ctx, category)
		return
	}

	m.checkSustainedHealthy()
	m.checkProactiveReload(ctx)
	m.emitHealth(m.healthFromState(state))
}

func (m *Monitor) handleEvaluateTimeout(ctx context.Context) {
	m.mu.Lock()
	m.consecutiveTimeouts++
	streak := m.consecutiveTimeouts
	m.mu.Unlock()

	if streak >= m.cfg.UnresponsiveStreak {
		m.runTabReplacement(ctx, "unresponsive tab")
		return
	}
	m.emitHealth(HealthStalled)
}

func (m *Monitor) enforceVolume(ctx context.Context, page browser.Page, state browser.VideoState) {
	if state.Muted || state.Volume < 1 {
		_ = m.coll.Playback.Unmute(ctx, page, 1)
	}
}

func (m *Monitor) evaluateStallAndBuffering(state browser.VideoState) (bool, Category) {
	m.mu.Lock()
	defer m.mu.Unlock()

	isProgressing := absFloat(state.CurrentTime-m.lastCurrentTime) >= m.cfg.StallThreshold
	m.lastCurrentTime = state.CurrentTime
	m.lastReadyState = state.ReadyState
	m.lastNetworkState = state.NetworkState
	isBuffering := state.ReadyState < 3 && state.NetworkState == networkStateLoading

	now := time.Now()
	if isBuffering {
		if m.bufferingStartTime.IsZero() {
			m.bufferingStartTime = now
		}
	} else {
		m.bufferingStartTime = time.Time{}
	}
	withinBufferingGrace := !m.bufferingStartTime.IsZero() && now.Sub(m.bufferingStartTime) < m.cfg.BufferingGracePeriod

	if !isProgressing {
		m.stallCount++
	} else {
		m.stallCount = 0
	}
	if state.Paused {
		m.pauseCount++
	} else {
		m.pauseCount = 0
	}

	withinRecoveryGrace := now.Before(m.recoveryGraceUntil)

	needsRecovery := !withinRecoveryGrace && (state.Error != "" || state.Ended ||
		(state.Paused && m.pauseCount > m.cfg.StallCountThreshold && !withinBufferingGrace) ||
		(!isProgressing && m.stallCount > m.cfg.StallCountThreshold && !withinBufferingGrace) ||
		m.segmentProductionStalledLocked())

	category := CategoryBuffering
	switch {
	case state.Error != "" || state.Ended:
		category = CategoryOther
	case isBuffering, state.ReadyState < 3 && !isProgressing:
		category = CategoryBuffering
	case state.Paused:
		category = CategoryPaused
	}
	return needsRecovery, category
}

func (m *Monitor) segmentProductionStalledLocked() bool {
	return m.segmentMonitoringArmed && time.Now().After(m.recoveryGraceUntil) &&
		m.currentSegmenterIndexLocked() <= m.recoveryStartSegmentIndex &&
		time.Since(m.recoveryGraceUntil) > m.cfg.SegmentStallGrace
}

func (m *Monitor) currentSegmenterIndexLocked() int {
	if m.segmenter == nil {
		return 0
	}
	return m.segmenter.SegmentIndex()
}

func (m *Monitor) checkSegmentLiveness() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.segmentMonitoringArmed {
		return
	}
	if time.Now().Before(m.recoveryGraceUntil) {
		return
	}
	if m.currentSegmenterIndexLocked() > m.recoveryStartSegmentIndex {
		m.segmentMonitoringArmed = false
	}
}

func (m *Monitor) checkTinySegments() {
	seg := m.currentSegmenter()
	if seg == nil {
		return
	}
	size := seg.LastSegmentSize()
	if size <= 0 {
		return
	}
	m.mu.Lock()
	if size < m.cfg.TinySegmentBytes {
		m.consecutiveTinySegments++
	} else {
		m.consecutiveTinySegments = 0
	}
	streak := m.consecutiveTinySegments
	m.mu.Unlock()

	if streak >= m.cfg.TinySegmentStreak {
		m.runTabReplacement(context.Background(), "consecutive tiny segments")
	}
}

func (m *Monitor) checkSustainedHealthy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.lastHealthyTime) < m.cfg.SustainedPlaybackRequired {
		return
	}
	m.recoveryLevel = LevelNone
	m.level2Attempted = false
	m.segmentMonitoringArmed = false
	m.cb.Reset()
}

func (m *Monitor) checkProactiveReload(ctx context.Context) {
	maxPlayback := m.coll.Profile.MaxContinuousPlayback
	m.mu.Lock()
	lastNav := m.lastPageNavigationTime
	m.mu.Unlock()
	if maxPlayback <= 0 {
		return
	}
	if lastNav.IsZero() {
		m.mu.Lock()
		m.lastPageNavigationTime = time.Now()
		m.mu.Unlock()
		return
	}
	if time.Since(lastNav) <= maxPlayback-2*time.Minute {
		return
	}
	if !m.canAttemptPageReload() {
		return
	}
	page := m.currentPage()
	if page == nil {
		return
	}
	if err := m.coll.Playback.ReloadSource(ctx, page); err == nil {
		m.mu.Lock()
		m.lastPageNavigationTime = time.Now()
		m.mu.Unlock()
	}
}

func (m *Monitor) canAttemptPageReload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-m.cfg.PageReloadWindow)
	kept := m.pageReloadTimes[:0]
	for _, t := range m.pageReloadTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.pageReloadTimes = kept
	if len(m.pageReloadTimes) >= m.cfg.MaxPageReloads {
		return false
	}
	m.pageReloadTimes = append(m.pageReloadTimes, now)
	return true
}

func (m *Monitor) healthFromState(state browser.VideoState) Health {
	switch {
	case state.Error != "":
		return HealthError
	case state.ReadyState < 3:
		return HealthBuffering
	default:
		m.mu.Lock()
		m.lastHealthyTime = time.Now()
		m.mu.Unlock()
		return HealthHealthy
	}
}

func (m *Monitor) emitHealth(h Health) {
	m.mu.Lock()
	level := m.recoveryLevel
	m.mu.Unlock()
	if m.coll.OnHealthChanged != nil {
		m.coll.OnHealthChanged(h, level)
	}
}

const networkStateLoading = 2

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
