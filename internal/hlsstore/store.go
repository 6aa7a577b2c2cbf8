// Package hlsstore wraps a segmenter's outputs in a bounded per-stream store
// with one-shot readiness signals and a multi-subscriber event source.
package hlsstore

import (
	"sync"
)

// Event is one fan-out notification. Exactly one of the fields matching
// Kind is populated.
type Event struct {
	Kind EventKind

	InitSegment []byte

	SegmentName string
	SegmentData []byte
}

// EventKind discriminates an Event's payload.
type EventKind int

const (
	// EventInitSegment fires on every init segment write.
	EventInitSegment EventKind = iota
	// EventSegment fires after a media segment becomes visible in the store.
	EventSegment
	// EventTerminated fires exactly once, during stream termination.
	EventTerminated
)

const subscriberQueueDepth = 64

// Store holds one stream's retained init segment, its sliding window of
// media segments, and the current playlist text, and fans segment/init
// events out to any number of subscribers.
type Store struct {
	maxSegments int

	mu           sync.RWMutex
	initSegment  []byte
	segments     map[string][]byte
	segmentOrder []string
	playlist     string
	terminated   bool

	initReady         chan struct{}
	initReadyOnce     sync.Once
	playlistReady     chan struct{}
	playlistReadyOnce sync.Once

	subsMu sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New constructs an empty store bounded to maxSegments retained media
// segments.
func New(maxSegments int) *Store {
	return &Store{
		maxSegments:   maxSegments,
		segments:      make(map[string][]byte),
		initReady:     make(chan struct{}),
		playlistReady: make(chan struct{}),
		subs:          make(map[int]chan Event),
	}
}

// WriteInit publishes the init segment and fires initReady on the first call.
func (s *Store) WriteInit(data []byte) {
	s.mu.Lock()
	s.initSegment = data
	s.mu.Unlock()

	s.initReadyOnce.Do(func() { close(s.initReady) })
	s.broadcast(Event{Kind: EventInitSegment, InitSegment: data})
}

// WriteSegment inserts a media segment, rotating the oldest out once the
// window exceeds maxSegments, and fires the segment event only after the
// segment is visible to readers.
func (s *Store) WriteSegment(name string, data []byte) {
	s.mu.Lock()
	s.segments[name] = data
	s.segmentOrder = append(s.segmentOrder, name)
	for len(s.segmentOrder) > s.maxSegments {
		oldest := s.segmentOrder[0]
		s.segmentOrder = s.segmentOrder[1:]
		delete(s.segments, oldest)
	}
	s.mu.Unlock()

	s.broadcast(Event{Kind: EventSegment, SegmentName: name, SegmentData: data})
}

// WritePlaylist publishes updated playlist text and fires playlistReady on
// the first call.
func (s *Store) WritePlaylist(text string) {
	s.mu.Lock()
	s.playlist = text
	s.mu.Unlock()

	s.playlistReadyOnce.Do(func() { close(s.playlistReady) })
}

// Init returns the retained init segment, or nil if none has been written yet.
func (s *Store) Init() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initSegment
}

// Segment returns a named media segment and whether it is currently retained.
func (s *Store) Segment(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.segments[name]
	return data, ok
}

// Playlist returns the current playlist text.
func (s *Store) Playlist() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playlist
}

// HasPlaylist reports whether a playlist has ever been written.
func (s *Store) HasPlaylist() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playlist != ""
}

// InitReady returns a channel closed exactly once, when the init segment
// first becomes available.
func (s *Store) InitReady() <-chan struct{} {
	return s.initReady
}

// PlaylistReady returns a channel closed exactly once, when the playlist
// first becomes available.
func (s *Store) PlaylistReady() <-chan struct{} {
	return s.playlistReady
}

// MemoryBytes returns the retained init segment size plus the sum of every
// currently retained media segment's size, for status reporting.
func (s *Store) MemoryBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := int64(len(s.initSegment))
	for _, data := range s.segments {
		total += int64(len(data))
	}
	return total
}

// SegmentNames returns the current window of retained segment names, oldest
// first. Used by the MPEG-TS handler to replay existing segments after it
// has subscribed to live events.
func (s *Store) SegmentNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.segmentOrder))
	copy(out, s.segmentOrder)
	return out
}

// Subscribe registers a new event subscriber and returns its channel and an
// unsubscribe function. The channel has a bounded queue; a slow subscriber
// has older events dropped rather than blocking the writer.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan Event, subscriberQueueDepth)
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Terminate fires the terminated event exactly once to every current
// subscriber.
func (s *Store) Terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.mu.Unlock()

	s.broadcast(Event{Kind: EventTerminated})
}

func (s *Store) broadcast(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Drop-oldest: make room for the new event rather than block the
			// single writer goroutine behind a slow subscriber.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
