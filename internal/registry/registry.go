// Package registry is the central, authoritative table of live stream
// entries. It allocates stream IDs, indexes active streams
// by channel key, and owns the single termination path that releases every
// resource a stream holds, exactly once, in a fixed order.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tresby/prismcast/internal/hlsstore"
	"github.com/tresby/prismcast/internal/segmenter"
)

// StreamID identifies one live stream session. IDs are assigned
// monotonically starting at 1.
type StreamID int64

// Starting is the sentinel channel-index value meaning "cold start in
// flight": a setup call has claimed the channel key but no stream id exists
// yet.
const Starting StreamID = -1

// ClientType distinguishes the two kinds of downstream consumer a stream can
// have.
type ClientType string

const (
	ClientHLS    ClientType = "hls"
	ClientMPEGTS ClientType = "mpegts"
)

// RawCapture is the minimal lifecycle surface the registry needs from a
// stream's browser-tab capture.
type RawCapture interface {
	Close() error
}

// Transcoder is the minimal lifecycle surface the registry needs from an
// optional WebM→fMP4 transcoder process.
type Transcoder interface {
	Kill() error
}

// Page is the minimal lifecycle surface the registry needs from a browser
// tab handle.
type Page interface {
	Close(ctx context.Context) error
}

// RecoveryMetrics summarizes a stopped monitor's lifetime recovery activity,
// for the termination log line.
type RecoveryMetrics struct {
	Attempts          map[string]int
	Successes         map[string]int
	TotalRecoveryTime time.Duration
}

// TotalAttempts sums attempts across every recovery method.
func (m RecoveryMetrics) TotalAttempts() int {
	var total int
	for _, n := range m.Attempts {
		total += n
	}
	return total
}

// StopMonitorFunc stops a stream's health monitor and returns its
// accumulated recovery metrics.
type StopMonitorFunc func() RecoveryMetrics

// Entry is one live stream session. The registry
// owns an Entry; HLS/MPEG-TS handlers and the monitor hold only read
// references or the handles they need to act.
type Entry struct {
	ID            StreamID
	IDStr         string
	ChannelKey    string
	ChannelName   string
	ProviderName  string
	ClientAddress string
	URL           string
	StartTime     time.Time

	lastAccessUnixNano int64

	Page       Page
	RawCapture RawCapture
	Transcoder Transcoder // nil in native (non-transcoding) capture mode

	Segmenter *segmenter.Segmenter
	Store     *hlsstore.Store

	// Profile is the resolved site profile for this stream's channel/URL.
	// Kept untyped here so this package does not need to depend on the
	// profile resolver's concrete type.
	Profile any

	StopMonitor StopMonitorFunc
	Cancel      context.CancelFunc

	captureMu         sync.Mutex
	mpegTSClientCount int32
	terminating       int32
}

// SwapCapture installs a tab replacement's fresh page, raw capture, optional
// transcoder, and segmenter. Guarded by its own lock since it runs
// concurrently with a possible TerminateStream on another goroutine.
func (e *Entry) SwapCapture(page Page, raw RawCapture, transcoder Transcoder, seg *segmenter.Segmenter) {
	e.captureMu.Lock()
	defer e.captureMu.Unlock()
	e.Page = page
	e.RawCapture = raw
	e.Transcoder = transcoder
	e.Segmenter = seg
}

// captureSnapshot returns the current page/capture/transcoder under lock, for
// TerminateStream to tear down whichever tab is live at termination time.
func (e *Entry) captureSnapshot() (Page, RawCapture, Transcoder) {
	e.captureMu.Lock()
	defer e.captureMu.Unlock()
	return e.Page, e.RawCapture, e.Transcoder
}

// TouchLastAccess records activity now. Called on every HLS request, new
// segment, or MPEG-TS write.
func (e *Entry) TouchLastAccess() {
	atomic.StoreInt64(&e.lastAccessUnixNano, time.Now().UnixNano())
}

// LastAccess returns the last recorded activity time.
func (e *Entry) LastAccess() time.Time {
	return time.Unix(0, atomic.LoadInt64(&e.lastAccessUnixNano))
}

// IncMPEGTSClients increments the MPEG-TS client counter atomically.
func (e *Entry) IncMPEGTSClients() int32 {
	return atomic.AddInt32(&e.mpegTSClientCount, 1)
}

// DecMPEGTSClients decrements the MPEG-TS client counter atomically, never
// going below zero.
func (e *Entry) DecMPEGTSClients() int32 {
	for {
		cur := atomic.LoadInt32(&e.mpegTSClientCount)
		if cur <= 0 {
			return 0
		}
		if atomic.CompareAndSwapInt32(&e.mpegTSClientCount, cur, cur-1) {
			return cur - 1
		}
	}
}

// MPEGTSClientCount returns the current MPEG-TS client count.
func (e *Entry) MPEGTSClientCount() int32 {
	return atomic.LoadInt32(&e.mpegTSClientCount)
}

// Terminating reports whether termination has already been initiated for
// this entry, so late callbacks (a segmenter error arriving after shutdown
// began) can be suppressed.
func (e *Entry) Terminating() bool {
	return atomic.LoadInt32(&e.terminating) == 1
}

// TerminationSummary is a one-line record of a completed termination, kept
// around for status/debugging consumers.
type TerminationSummary struct {
	ID       StreamID
	IDStr    string
	Reason   string
	Duration time.Duration
	Metrics  RecoveryMetrics
	At       time.Time
}

// Events receives registry lifecycle notifications for the status emitter.
// Either method may be a nil-safe no-op depending on the implementation;
// the registry never requires both.
type Events interface {
	StreamAdded(entry *Entry)
	StreamRemoved(id StreamID, reason string)
}

const terminationHistorySize = 50

// Registry is the stream table and its channel-key index.
type Registry struct {
	logger *slog.Logger
	events Events
	clock  func() time.Time

	mu           sync.RWMutex
	streams      map[StreamID]*Entry
	channelIndex map[string]StreamID
	nextID       int64

	clients *ClientRegistry

	histMu  sync.Mutex
	history []TerminationSummary
}

// New constructs an empty registry. events may be nil.
func New(logger *slog.Logger, events Events) *Registry {
	return &Registry{
		logger:       logger,
		events:       events,
		clock:        time.Now,
		streams:      make(map[StreamID]*Entry),
		channelIndex: make(map[string]StreamID),
		clients:      NewClientRegistry(),
	}
}

// Clients returns the shared client registry.
func (r *Registry) Clients() *ClientRegistry {
	return r.clients
}

// BeginStartup claims channelKey for a cold start by placing the Starting
// sentinel in the channel index. It returns false if the channel already has
// an active or in-flight stream.
func (r *Registry) BeginStartup(channelKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channelIndex[channelKey]; exists {
		return false
	}
	r.channelIndex[channelKey] = Starting
	return true
}

// AbortStartup clears the Starting sentinel after a failed setup, but only
// if it is still present (a concurrent successful CompleteStartup wins).
func (r *Registry) AbortStartup(channelKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.channelIndex[channelKey]; ok && cur == Starting {
		delete(r.channelIndex, channelKey)
	}
}

// CompleteStartup allocates a stream id, installs the entry, and publishes
// the channel index mapping.
func (r *Registry) CompleteStartup(channelKey string, entry *Entry) StreamID {
	r.mu.Lock()
	r.nextID++
	id := StreamID(r.nextID)
	entry.ID = id
	entry.ChannelKey = channelKey
	entry.TouchLastAccess()
	r.streams[id] = entry
	r.channelIndex[channelKey] = id
	r.mu.Unlock()

	if r.events != nil {
		r.events.StreamAdded(entry)
	}
	return id
}

// Lookup resolves a channel key to a stream id. starting reports whether the
// channel is mid cold-start (id is meaningless in that case).
func (r *Registry) Lookup(channelKey string) (id StreamID, found bool, starting bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.channelIndex[channelKey]
	if !ok {
		return 0, false, false
	}
	if v == Starting {
		return 0, true, true
	}
	return v, true, false
}

// Get returns the entry for id.
func (r *Registry) Get(id StreamID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.streams[id]
	return e, ok
}

// All returns a snapshot slice of every currently registered entry.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.streams))
	for _, e := range r.streams {
		out = append(out, e)
	}
	return out
}

// LiveClientAddresses returns each live stream's originating client address
// keyed by channel key, for collaborators (the show-info poller) that need
// to correlate a channel with the address that last triggered its capture.
func (r *Registry) LiveClientAddresses() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.streams))
	for _, e := range r.streams {
		if e.ClientAddress != "" {
			out[e.ChannelKey] = e.ClientAddress
		}
	}
	return out
}

// IdleStreams returns entries with zero MPEG-TS clients whose last access is
// older than idleTimeout.
func (r *Registry) IdleStreams(idleTimeout time.Duration) []*Entry {
	now := r.clock()
	var idle []*Entry
	for _, e := range r.All() {
		if e.MPEGTSClientCount() > 0 {
			continue
		}
		if now.Sub(e.LastAccess()) >= idleTimeout {
			idle = append(idle, e)
		}
	}
	return idle
}

// MemoryUsage returns one stream's init + segment byte accounting.
func (r *Registry) MemoryUsage(id StreamID) int64 {
	e, ok := r.Get(id)
	if !ok || e.Store == nil {
		return 0
	}
	var total int64
	total += int64(len(e.Store.Init()))
	for _, name := range e.Store.SegmentNames() {
		if data, ok := e.Store.Segment(name); ok {
			total += int64(len(data))
		}
	}
	return total
}

// TotalMemoryUsage sums MemoryUsage across every active stream.
func (r *Registry) TotalMemoryUsage() int64 {
	var total int64
	for _, e := range r.All() {
		total += r.MemoryUsage(e.ID)
	}
	return total
}

// TerminateStream is the single authoritative terminator. It is
// idempotent: a second call for an already-terminating or already-removed
// stream is a no-op.
func (r *Registry) TerminateStream(id StreamID, channelKey string, reason string) {
	r.mu.Lock()
	entry, ok := r.streams[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	if !atomic.CompareAndSwapInt32(&entry.terminating, 0, 1) {
		return
	}

	start := r.clock()

	if entry.Cancel != nil {
		entry.Cancel()
	}

	page, rawCapture, transcoder := entry.captureSnapshot()

	// Destroy the capture before the transcoder or page: otherwise the
	// browser's capture slot leaks and the next capture is rejected.
	if rawCapture != nil {
		if err := rawCapture.Close(); err != nil {
			r.logger.Warn("closing raw capture", "stream_id", id, "error", err)
		}
	}
	if transcoder != nil {
		if err := transcoder.Kill(); err != nil {
			r.logger.Warn("killing transcoder", "stream_id", id, "error", err)
		}
	}

	var metrics RecoveryMetrics
	if entry.StopMonitor != nil {
		metrics = entry.StopMonitor()
	}

	if entry.Store != nil {
		entry.Store.Terminate()
	}

	r.mu.Lock()
	if cur, ok := r.channelIndex[channelKey]; ok && cur == id {
		delete(r.channelIndex, channelKey)
	}
	delete(r.streams, id)
	r.mu.Unlock()

	if page != nil {
		// Fire-and-forget: shutdown must not wait on a possibly-wedged page.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = page.Close(ctx)
		}()
	}

	r.clients.Clear(id)

	if r.events != nil {
		r.events.StreamRemoved(id, reason)
	}

	teardownLatency := r.clock().Sub(start)
	streamDuration := r.clock().Sub(entry.StartTime)
	r.recordTermination(entry, reason, streamDuration, metrics)

	r.logger.Info("stream terminated",
		"stream_id", id,
		"id_str", entry.IDStr,
		"channel_key", channelKey,
		"reason", reason,
		"duration", streamDuration,
		"recovery_attempts", metrics.TotalAttempts(),
		"teardown_latency", teardownLatency,
	)
}

func (r *Registry) recordTermination(entry *Entry, reason string, duration time.Duration, metrics RecoveryMetrics) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	r.history = append(r.history, TerminationSummary{
		ID:       entry.ID,
		IDStr:    entry.IDStr,
		Reason:   reason,
		Duration: duration,
		Metrics:  metrics,
		At:       r.clock(),
	})
	if len(r.history) > terminationHistorySize {
		r.history = r.history[len(r.history)-terminationHistorySize:]
	}
}

// TerminationHistory returns the most recent termination summaries, oldest
// first.
func (r *Registry) TerminationHistory() []TerminationSummary {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	out := make([]TerminationSummary, len(r.history))
	copy(out, r.history)
	return out
}

// NewIDStr builds the human identifier `<prefix>-<6 alphanumeric>` used
// alongside the numeric stream id.
func NewIDStr(prefix string, random func(n int) string) string {
	return fmt.Sprintf("%s-%s", prefix, random(6))
}
