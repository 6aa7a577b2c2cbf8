// Package segmenter turns a parsed fMP4 box stream into HLS-ready init and
// media segments plus playlist text, tracking per-track timestamp offsets
// across tab replacements.
package segmenter

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/tresby/prismcast/internal/mp4box"
)

// Config holds the per-stream parameters a segmenter is constructed with.
type Config struct {
	StreamID       int64
	TargetDuration time.Duration
	MaxSegments    int
}

// HandoffContext carries state from a predecessor segmenter across a tab
// replacement so segment numbering and A/V timing stay continuous.
type HandoffContext struct {
	InitialTrackTimestamps map[uint32]int64
	PreviousInitSegment    []byte
	PendingDiscontinuity   bool
	StartingInitVersion    int
	StartingSegmentIndex   int
	PriorSessionStats      SessionStats
}

// SessionStats accumulates diagnostics over a segmenter's whole lifetime.
type SessionStats struct {
	MalformedMoofCount  int
	TabReplacementCount int
	SyncSpreadMin       float64
	SyncSpreadMean      float64
	SyncSpreadMax       float64
	syncSpreadSamples   int
	syncSpreadAccum     float64
}

// KeyframeStats counts the diagnostic keyframe classification of §4.1's
// optional sync-sample check, across every moof processed.
type KeyframeStats struct {
	SyncSamples          int
	NonSyncSamples       int
	IndeterminateSamples int
}

// Emitter receives a segmenter's outputs. Implementations (typically an
// hlsstore) must not block for long; the segmenter calls these synchronously
// from whichever goroutine feeds it boxes.
type Emitter interface {
	OnInit(data []byte, version int)
	OnSegment(index int, name string, data []byte, duration time.Duration)
	OnPlaylist(text string)
	OnStop()
	OnError(err error)
}

type windowEntry struct {
	index    int
	duration float64
}

// Segmenter is the fMP4 segmenter state machine. A
// single goroutine (the stream's capture-reader loop) must call Feed;
// getters and MarkDiscontinuity may be called from other goroutines.
type Segmenter struct {
	cfg    Config
	emit   Emitter
	logger *slog.Logger

	mu sync.Mutex

	handoff *HandoffContext

	ftypBuf     []byte
	initSegment []byte
	initVersion int
	hasInit     bool

	segmentIndex         int
	discontinuityIndices map[int]struct{}
	pendingDiscontinuity bool
	firstSegmentEmitted  bool

	fragmentBuffer   []byte
	segmentStartTime time.Time
	lastSegmentSize  int

	timescales                     map[uint32]uint32
	offsets                        map[uint32]int64
	offsetInitialized              map[uint32]bool
	trackTimestamps                map[uint32]int64
	segmentTrackDurations          map[uint32]uint64
	normalizedReferencePositionSec *float64

	window        []windowEntry
	sessionStats  SessionStats
	keyframeStats KeyframeStats
}

// New constructs a segmenter. handoff is nil for a fresh stream and non-nil
// across a tab replacement.
func New(cfg Config, handoff *HandoffContext, emit Emitter, logger *slog.Logger) *Segmenter {
	s := &Segmenter{
		cfg:                   cfg,
		emit:                  emit,
		logger:                logger,
		discontinuityIndices:  make(map[int]struct{}),
		offsets:               make(map[uint32]int64),
		offsetInitialized:     make(map[uint32]bool),
		trackTimestamps:       make(map[uint32]int64),
		segmentTrackDurations: make(map[uint32]uint64),
		segmentStartTime:      time.Now(),
	}
	if handoff != nil {
		s.handoff = handoff
		s.segmentIndex = handoff.StartingSegmentIndex
		s.pendingDiscontinuity = handoff.PendingDiscontinuity
		s.sessionStats = handoff.PriorSessionStats
	}
	return s
}

// Feed processes one parsed box. It must be called in box order.
func (s *Segmenter) Feed(box mp4box.Box) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch box.Type {
	case "ftyp":
		s.ftypBuf = box.Raw
	case "moov":
		s.onMoov(box.Raw)
	case "moof":
		if !s.hasInit {
			return
		}
		s.cutIfDue()
		s.processMoof(box.Raw)
	case "mdat":
		if !s.hasInit {
			return
		}
		s.fragmentBuffer = append(s.fragmentBuffer, box.Raw...)
	default:
		if s.hasInit {
			s.fragmentBuffer = append(s.fragmentBuffer, box.Raw...)
		}
	}
}

func (s *Segmenter) onMoov(moovRaw []byte) {
	newInit := make([]byte, 0, len(s.ftypBuf)+len(moovRaw))
	newInit = append(newInit, s.ftypBuf...)
	newInit = append(newInit, moovRaw...)

	switch {
	case s.handoff != nil && s.handoff.PreviousInitSegment != nil && bytes.Equal(newInit, s.handoff.PreviousInitSegment):
		// Decoder parameters are unchanged: no client-side flush required.
		s.initVersion = s.handoff.StartingInitVersion
		s.pendingDiscontinuity = false
	case s.handoff != nil:
		s.initVersion = s.handoff.StartingInitVersion + 1
	default:
		s.initVersion = 1
	}

	s.initSegment = newInit
	s.hasInit = true
	s.timescales = mp4box.ExtractTimescales(moovRaw)

	if s.handoff != nil && len(s.handoff.InitialTrackTimestamps) > 0 && len(s.timescales) > 0 {
		var sum float64
		var n int
		for trackID, timescale := range s.timescales {
			if initTS, ok := s.handoff.InitialTrackTimestamps[trackID]; ok && timescale > 0 {
				sum += float64(initTS) / float64(timescale)
				n++
			}
		}
		if n > 0 {
			ref := sum / float64(n)
			s.normalizedReferencePositionSec = &ref
		}
	}

	s.emit.OnInit(s.initSegment, s.initVersion)
}

// cutIfDue implements step 1 of §4.2's per-moof processing: decide whether
// the buffered fragment should become a segment before this new moof is
// appended to it.
func (s *Segmenter) cutIfDue() {
	if len(s.fragmentBuffer) == 0 {
		return
	}
	if !s.firstSegmentEmitted || time.Since(s.segmentStartTime) >= s.cfg.TargetDuration {
		s.emitSegment()
	}
}

func (s *Segmenter) processMoof(raw []byte) {
	results, err := mp4box.RewriteTfdt(raw, s.offsets)
	if err != nil {
		s.sessionStats.MalformedMoofCount++
		s.fragmentBuffer = append(s.fragmentBuffer, raw...)
		return
	}

	var computedNewOffset bool
	for _, r := range results {
		if s.offsetInitialized[r.TrackID] {
			continue
		}
		var offset int64
		switch {
		case s.normalizedReferencePositionSec != nil:
			if timescale, ok := s.timescales[r.TrackID]; ok {
				offset = int64(math.Round(*s.normalizedReferencePositionSec*float64(timescale))) - int64(r.OriginalTfdt)
			}
		case s.handoff != nil && s.handoff.InitialTrackTimestamps != nil:
			if initTS, ok := s.handoff.InitialTrackTimestamps[r.TrackID]; ok {
				offset = initTS - int64(r.OriginalTfdt)
			}
		}
		s.offsets[r.TrackID] = offset
		s.offsetInitialized[r.TrackID] = true
		if offset != 0 {
			computedNewOffset = true
		}
	}

	// Never double-offset: re-apply the rewrite only once, atomically, now
	// that every track in this moof has a settled offset.
	if computedNewOffset {
		results, err = mp4box.RewriteTfdt(raw, s.offsets)
		if err != nil {
			s.sessionStats.MalformedMoofCount++
		}
	}

	for _, r := range results {
		s.segmentTrackDurations[r.TrackID] += r.Duration
		s.trackTimestamps[r.TrackID] = int64(r.OriginalTfdt) + s.offsets[r.TrackID] + int64(r.Duration)
	}

	if isSync, determined := mp4box.IsFirstSampleSync(raw); determined {
		if isSync {
			s.keyframeStats.SyncSamples++
		} else {
			s.keyframeStats.NonSyncSamples++
		}
	} else {
		s.keyframeStats.IndeterminateSamples++
	}

	s.fragmentBuffer = append(s.fragmentBuffer, raw...)
}

func (s *Segmenter) emitSegment() {
	index := s.segmentIndex

	if s.pendingDiscontinuity {
		s.discontinuityIndices[index] = struct{}{}
		s.pendingDiscontinuity = false
	}

	duration := s.computeMediaDuration()
	s.recordSegmentDuration(index, duration)
	s.updateSyncStats()

	name := fmt.Sprintf("segment%d.m4s", index)
	data := s.fragmentBuffer
	s.lastSegmentSize = len(data)

	s.emit.OnSegment(index, name, data, time.Duration(duration*float64(time.Second)))

	s.segmentIndex++
	s.firstSegmentEmitted = true
	s.fragmentBuffer = nil
	s.segmentTrackDurations = make(map[uint32]uint64)
	s.segmentStartTime = time.Now()

	s.emit.OnPlaylist(s.buildPlaylist())
}

func (s *Segmenter) computeMediaDuration() float64 {
	var maxSec float64
	for trackID, accumulated := range s.segmentTrackDurations {
		timescale, ok := s.timescales[trackID]
		if !ok || timescale == 0 {
			continue
		}
		sec := float64(accumulated) / float64(timescale)
		if sec > maxSec {
			maxSec = sec
		}
	}
	if maxSec == 0 {
		maxSec = time.Since(s.segmentStartTime).Seconds()
	}
	if maxSec < 0.1 {
		maxSec = 0.1
	}
	return maxSec
}

func (s *Segmenter) recordSegmentDuration(index int, duration float64) {
	s.window = append(s.window, windowEntry{index: index, duration: duration})
	if len(s.window) > s.cfg.MaxSegments {
		s.window = s.window[len(s.window)-s.cfg.MaxSegments:]
	}
}

func (s *Segmenter) updateSyncStats() {
	var positions []float64
	for trackID, timescale := range s.timescales {
		if timescale == 0 {
			continue
		}
		if ts, ok := s.trackTimestamps[trackID]; ok {
			positions = append(positions, float64(ts)/float64(timescale))
		}
	}
	if len(positions) < 2 {
		return
	}

	min, max := positions[0], positions[0]
	for _, p := range positions[1:] {
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
	}
	spread := max - min

	s.sessionStats.syncSpreadSamples++
	s.sessionStats.syncSpreadAccum += spread
	s.sessionStats.SyncSpreadMean = s.sessionStats.syncSpreadAccum / float64(s.sessionStats.syncSpreadSamples)
	if s.sessionStats.syncSpreadSamples == 1 || spread < s.sessionStats.SyncSpreadMin {
		s.sessionStats.SyncSpreadMin = spread
	}
	if spread > s.sessionStats.SyncSpreadMax {
		s.sessionStats.SyncSpreadMax = spread
	}
}

// buildPlaylist renders the current sliding window per §6's playlist format.
func (s *Segmenter) buildPlaylist() string {
	if len(s.window) == 0 {
		return ""
	}

	var maxEXTINF float64
	for _, e := range s.window {
		if e.duration > maxEXTINF {
			maxEXTINF = e.duration
		}
	}
	target := math.Ceil(maxEXTINF)
	if configured := math.Ceil(s.cfg.TargetDuration.Seconds()); configured > target {
		target = configured
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(target))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", s.window[0].index)
	fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"init.mp4?v=%d\"\n", s.initVersion)

	for _, e := range s.window {
		if _, discontinuous := s.discontinuityIndices[e.index]; discontinuous {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
			fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"init.mp4?v=%d\"\n", s.initVersion)
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", e.duration)
		fmt.Fprintf(&b, "segment%d.m4s\n", e.index)
	}
	return b.String()
}

// MarkDiscontinuity flushes the current buffer as a short segment (if any
// data is pending) and arranges for the next segment to be marked as a
// playlist discontinuity.
func (s *Segmenter) MarkDiscontinuity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fragmentBuffer) > 0 {
		s.emitSegment()
	}
	s.pendingDiscontinuity = true
}

// Snapshot captures the state a successor segmenter needs to continue
// numbering and timing across a tab replacement.
func (s *Segmenter) Snapshot() HandoffContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	timestamps := make(map[uint32]int64, len(s.trackTimestamps))
	for k, v := range s.trackTimestamps {
		timestamps[k] = v
	}

	stats := s.sessionStats
	stats.TabReplacementCount++

	return HandoffContext{
		InitialTrackTimestamps: timestamps,
		PreviousInitSegment:    s.initSegment,
		PendingDiscontinuity:   true,
		StartingInitVersion:    s.initVersion,
		StartingSegmentIndex:   s.segmentIndex,
		PriorSessionStats:      stats,
	}
}

// SegmentIndex returns the next segment index to be emitted.
func (s *Segmenter) SegmentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segmentIndex
}

// InitVersion returns the current init segment version.
func (s *Segmenter) InitVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initVersion
}

// InitBytes returns the retained ftyp+moov init segment, or nil if no moov
// has been seen yet.
func (s *Segmenter) InitBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initSegment
}

// TrackTimestamps returns a copy of the per-track next-expected tfdt values.
func (s *Segmenter) TrackTimestamps() map[uint32]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]int64, len(s.trackTimestamps))
	for k, v := range s.trackTimestamps {
		out[k] = v
	}
	return out
}

// SessionStats returns a copy of the segmenter's lifetime diagnostics.
func (s *Segmenter) SessionStats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionStats
}

// KeyframeStats returns a copy of the segmenter's keyframe classification counts.
func (s *Segmenter) KeyframeStats() KeyframeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyframeStats
}

// LastSegmentSize returns the byte length of the most recently emitted
// segment, used by the monitor's tiny-segment detection (§4.6 step 9).
func (s *Segmenter) LastSegmentSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSegmentSize
}
