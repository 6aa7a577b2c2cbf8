// Package httpapi implements the HLS and MPEG-TS HTTP surface plus the
// status SSE feed and stream-deletion endpoint, on top of the registry,
// hlsstore, and remux packages.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tresby/prismcast/internal/browser"
	"github.com/tresby/prismcast/internal/capture"
	"github.com/tresby/prismcast/internal/registry"
	"github.com/tresby/prismcast/internal/status"
)

// ErrChannelNotFound means the requested channel key has no known, enabled
// channel behind it.
var ErrChannelNotFound = errors.New("channel not found")

// ErrLoginModeActive means the provider's login flow currently owns the
// browser, so no new capture can start.
var ErrLoginModeActive = errors.New("login mode active")

// ErrSetupFailed means a cold start was attempted and failed; the Starting
// sentinel was cleared without a stream id appearing.
var ErrSetupFailed = errors.New("stream setup failed")

// ErrNotReady means the navigation timeout elapsed while a cold start (or a
// readiness wait) was still in flight.
var ErrNotReady = errors.New("stream not ready")

// ErrCapacityExceeded means the configured concurrent-stream limit is
// already reached and this request would need a cold start.
var ErrCapacityExceeded = errors.New("concurrent stream limit reached")

// Channel is the subset of channel metadata the HTTP layer needs to start
// a capture. Request carries the exact parameters the capture pipeline
// consumes; for ordinary channels it's built from stored configuration,
// for /play it's built from query parameters against a synthetic key.
type Channel struct {
	Name         string
	ProviderName string
	Enabled      bool
	Request      capture.Request
}

// ChannelResolver looks up channel metadata by key. Concrete implementations back this with
// configured channels and, for /play, an in-memory synthetic registrar.
type ChannelResolver interface {
	Resolve(channelKey string) (Channel, bool)
}

// SyntheticRegistrar lets the /play handler mint an ad hoc channel for a
// caller-supplied URL.
type SyntheticRegistrar interface {
	RegisterSynthetic(channelKey string, channel Channel)
}

// LoginModeChecker reports whether the provider's login flow currently
// owns the browser. A nil checker is treated as "never".
type LoginModeChecker interface {
	IsLoginModeActive() bool
}

// Starter performs the full per-stream setup (capture, segmenter, monitor,
// registry.CompleteStartup) for a cold start. It is expected to
// call Registry.CompleteStartup on success; when it returns an error, the
// caller clears the Starting sentinel with Registry.AbortStartup.
type Starter interface {
	StartStream(ctx context.Context, channelKey string, channel Channel) error
}

// Config carries the HTTP-layer timeouts drawn from the streaming/HLS
// configuration surface.
type Config struct {
	NavigationTimeout    time.Duration
	IdleTimeout          time.Duration
	IdleScanInterval     time.Duration
	PollInterval         time.Duration
	SSEHeartbeat         time.Duration
	MaxConcurrentStreams int
}

// DefaultConfig returns the package's recommended timeout and polling defaults.
func DefaultConfig() Config {
	return Config{
		NavigationTimeout:    30 * time.Second,
		IdleTimeout:          5 * time.Minute,
		IdleScanInterval:     10 * time.Second,
		PollInterval:         200 * time.Millisecond,
		SSEHeartbeat:         30 * time.Second,
		MaxConcurrentStreams: 10,
	}
}

// Handlers bundles every collaborator the HTTP surface needs. All fields
// except Remux and LoginMode are required; a nil Remux ends MPEG-TS
// requests without remuxing, and a nil LoginMode is treated as "login mode
// never active".
type Handlers struct {
	Registry  *registry.Registry
	Status    *status.Emitter
	Channels  ChannelResolver
	Starter   Starter
	LoginMode LoginModeChecker
	Remux     browser.RemuxerSpawner
	Logger    *slog.Logger
	Config    Config
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
