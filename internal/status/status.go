// Package status maintains a cached view of every active stream and the
// system as a whole, and fans it out to subscribers as snapshot +
// incremental events.
package status

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/tresby/prismcast/internal/hlsstore"
	"github.com/tresby/prismcast/internal/monitor"
	"github.com/tresby/prismcast/internal/registry"
	"github.com/tresby/prismcast/internal/showinfo"
	"github.com/tresby/prismcast/pkg/format"
)

// EventKind identifies the kind of status update carried by an Event.
type EventKind string

const (
	EventSnapshot            EventKind = "snapshot"
	EventStreamAdded         EventKind = "streamAdded"
	EventStreamRemoved       EventKind = "streamRemoved"
	EventStreamHealthChanged EventKind = "streamHealthChanged"
	EventSystemStatusChanged EventKind = "systemStatusChanged"
)

// StreamStatus is the cached, read-only view of one stream exposed to API
// consumers; it merges registry identity fields with monitor-owned health.
type StreamStatus struct {
	ID               registry.StreamID `json:"id"`
	IDStr            string            `json:"id_str"`
	ChannelKey       string            `json:"channel_key"`
	ChannelName      string            `json:"channel_name"`
	ProviderName     string            `json:"provider_name"`
	StartTime        time.Time         `json:"start_time"`
	Duration         time.Duration     `json:"duration"`
	MemoryBytes      int64             `json:"memory_bytes"`
	Health           monitor.Health    `json:"health"`
	Level            monitor.Level     `json:"level"`
	ReadyState       int               `json:"ready_state"`
	NetworkState     int               `json:"network_state"`
	RecoveryAttempts int               `json:"recovery_attempts"`
	LastIssue        monitor.Issue     `json:"last_issue"`
	HLSClients       int               `json:"hls_clients"`
	MPEGTSClients    int               `json:"mpegts_clients"`
	ShowName         string            `json:"show_name,omitempty"`
	LogoURL          string            `json:"logo_url,omitempty"`

	// store backs MemoryBytes recomputation on each health tick; it is not
	// part of the wire representation.
	store *hlsstore.Store `json:"-"`
}

// SystemStatus is the process-wide status object.
type SystemStatus struct {
	BrowserConnected bool          `json:"browser_connected"`
	PageCount        int           `json:"page_count"`
	ActiveStreams    int           `json:"active_streams"`
	StreamsLimit     int           `json:"streams_limit"`
	MemoryHeapUsed   int64         `json:"memory_heap_used"`
	MemoryRSS        int64         `json:"memory_rss"`
	Uptime           time.Duration `json:"uptime"`
}

// Event is a single status update delivered to a subscriber.
type Event struct {
	Kind     EventKind
	Stream   *StreamStatus
	System   *SystemStatus
	StreamID registry.StreamID
	Reason   string
}

// Snapshot is the full state handed to a new subscriber immediately after
// it subscribes.
type Snapshot struct {
	Streams []StreamStatus
	System  SystemStatus
}

const subscriberBuffer = 64

// Emitter owns the cached per-stream and system status and fans out
// changes to subscribers. It implements registry.Events so the registry
// can report stream lifecycle transitions directly.
type Emitter struct {
	mu          sync.Mutex
	streams     map[registry.StreamID]StreamStatus
	system      SystemStatus
	subscribers map[int]chan Event
	nextSub     int

	startTime time.Time
	proc      *process.Process
	logger    *slog.Logger
}

// New constructs an Emitter. logger may be nil, in which case slog's default
// logger is used for the periodic memory-poll debug line.
func New(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Emitter{
		streams:     make(map[registry.StreamID]StreamStatus),
		subscribers: make(map[int]chan Event),
		startTime:   time.Now(),
		proc:        proc,
		logger:      logger,
	}
}

// SetStreamsLimit records the configured concurrent-stream ceiling so it can
// be reported alongside active stream counts.
func (e *Emitter) SetStreamsLimit(limit int) {
	e.mu.Lock()
	e.system.StreamsLimit = limit
	e.mu.Unlock()
}

// Subscribe registers a new subscriber and returns its event channel plus
// an unsubscribe function. The channel receives a synthetic snapshot event
// immediately so the subscriber never observes a gap before the first
// incremental update.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan Event, subscriberBuffer)
	e.subscribers[id] = ch

	snap := e.snapshotLocked()
	ch <- Event{Kind: EventSnapshot, System: &snap.System, Reason: "subscribe"}
	for i := range snap.Streams {
		s := snap.Streams[i]
		select {
		case ch <- Event{Kind: EventStreamAdded, Stream: &s, StreamID: s.ID}:
		default:
		}
	}

	return ch, func() { e.unsubscribe(id) }
}

func (e *Emitter) unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.subscribers[id]; ok {
		delete(e.subscribers, id)
		close(ch)
	}
}

func (e *Emitter) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Emitter) snapshotLocked() Snapshot {
	streams := make([]StreamStatus, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	return Snapshot{Streams: streams, System: e.system}
}

// StreamAdded implements registry.Events: a stream just completed setup
// and has a live entry.
func (e *Emitter) StreamAdded(entry *registry.Entry) {
	s := StreamStatus{
		ID:           entry.ID,
		IDStr:        entry.IDStr,
		ChannelKey:   entry.ChannelKey,
		ChannelName:  entry.ChannelName,
		ProviderName: entry.ProviderName,
		StartTime:    entry.StartTime,
		Health:       monitor.HealthHealthy,
		store:        entry.Store,
	}

	e.mu.Lock()
	e.streams[entry.ID] = s
	e.system.ActiveStreams = len(e.streams)
	sys := e.system
	e.mu.Unlock()

	e.broadcast(Event{Kind: EventStreamAdded, Stream: &s, StreamID: entry.ID})
	e.broadcast(Event{Kind: EventSystemStatusChanged, System: &sys})
}

// StreamRemoved implements registry.Events.
func (e *Emitter) StreamRemoved(id registry.StreamID, reason string) {
	e.mu.Lock()
	_, existed := e.streams[id]
	delete(e.streams, id)
	e.system.ActiveStreams = len(e.streams)
	sys := e.system
	e.mu.Unlock()

	if !existed {
		return
	}
	e.broadcast(Event{Kind: EventStreamRemoved, StreamID: id, Reason: reason})
	e.broadcast(Event{Kind: EventSystemStatusChanged, System: &sys})
}

// StreamHealthChanged merges a monitor snapshot into a stream's cached
// status (health, escalation level, recovery counters, ready/network state)
// and recomputes duration and retained-segment memory, then fans it out
// unconditionally.
func (e *Emitter) StreamHealthChanged(id registry.StreamID, snap monitor.Snapshot) {
	e.mu.Lock()
	s, ok := e.streams[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	s.Health = snap.Health
	s.Level = snap.Level
	s.ReadyState = snap.ReadyState
	s.NetworkState = snap.NetworkState
	s.RecoveryAttempts = snap.RecoveryAttempts
	s.LastIssue = snap.LastIssue
	s.Duration = time.Since(s.StartTime)
	if s.store != nil {
		s.MemoryBytes = s.store.MemoryBytes()
	}
	e.streams[id] = s
	e.mu.Unlock()

	e.broadcast(Event{Kind: EventStreamHealthChanged, Stream: &s, StreamID: id})
}

// SetClientCounts updates the cached client counts for a stream, read by
// the HTTP handlers from registry.ClientRegistry after each connect/
// disconnect.
func (e *Emitter) SetClientCounts(id registry.StreamID, hls, mpegts int) {
	e.mu.Lock()
	s, ok := e.streams[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	s.HLSClients = hls
	s.MPEGTSClients = mpegts
	e.streams[id] = s
	e.mu.Unlock()
}

// SetShowInfo records the current show name/logo for a stream, as reported
// by the show-info poller. It does not broadcast on its own;
// the next health tick carries it to subscribers.
func (e *Emitter) SetShowInfo(channelKey string, info showinfo.Info) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, s := range e.streams {
		if s.ChannelKey != channelKey {
			continue
		}
		s.ShowName = info.ShowName
		s.LogoURL = info.LogoURL
		e.streams[id] = s
		return
	}
}

// SetSystemStatus updates browser connectivity and page count, and only
// broadcasts if either actually changed.
func (e *Emitter) SetSystemStatus(browserConnected bool, pageCount int) {
	e.mu.Lock()
	changed := e.system.BrowserConnected != browserConnected || e.system.PageCount != pageCount
	e.system.BrowserConnected = browserConnected
	e.system.PageCount = pageCount
	sys := e.system
	e.mu.Unlock()

	if changed {
		e.broadcast(Event{Kind: EventSystemStatusChanged, System: &sys})
	}
}

// RunMemoryPoller periodically recomputes process heap/RSS usage and uptime
// until ctx is cancelled. These figures change every tick, so they update
// the cached snapshot silently; they ride along on the next broadcast
// triggered by an actual state change (stream add/remove, connectivity).
func (e *Emitter) RunMemoryPoller(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshMemory()
		}
	}
}

func (e *Emitter) refreshMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var rss int64
	if e.proc != nil {
		if info, err := e.proc.MemoryInfo(); err == nil && info != nil {
			rss = int64(info.RSS)
		}
	}

	e.mu.Lock()
	e.system.MemoryHeapUsed = int64(ms.HeapAlloc)
	e.system.MemoryRSS = rss
	e.system.Uptime = time.Since(e.startTime)
	e.mu.Unlock()

	e.logger.Debug("memory poll", "heap_used", format.Bytes(int64(ms.HeapAlloc)), "rss", format.Bytes(rss))
}

func (e *Emitter) broadcast(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the stream that
			// produced the event.
		}
	}
}
