// Package browser declares the collaborator interfaces the capture pipeline
// and playback monitor depend on. Nothing here imports a concrete
// headless-browser driver: the core is wired against these interfaces and
// a driver adapter lives outside this module's test-confident scope.
package browser

import (
	"context"
	"io"
	"time"
)

// Viewport is a capture window size.
type Viewport struct {
	Width  int
	Height int
}

// VideoState is the evaluated state of a page's video element, read on every
// monitor tick.
type VideoState struct {
	CurrentTime  float64
	Paused       bool
	Ended        bool
	Error        string
	ReadyState   int
	NetworkState int
	Muted        bool
	Volume       float64
}

// Frame is one frame (main or iframe) of a page, evaluable independently so
// the monitor can re-search frames after a context-invalidation error.
type Frame interface {
	Evaluate(ctx context.Context, script string, out any) error
}

// Page is a single browser tab.
type Page interface {
	SetBypassCSP(ctx context.Context, bypass bool) error
	Navigate(ctx context.Context, url string) error
	Evaluate(ctx context.Context, script string, out any) error
	Close(ctx context.Context) error
	IsClosed() bool
	Frames() []Frame
	Resize(ctx context.Context, v Viewport) error
}

// Browser creates pages and reports its own connectivity to the status
// emitter.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Connected() bool
}

// CaptureStream is the raw byte stream a tab capture yields. Closing it
// signals the browser side to stop capturing; the browser's own async stop
// path is not otherwise observable.
type CaptureStream interface {
	io.ReadCloser
}

// CaptureOptions configures one capture attempt.
type CaptureOptions struct {
	MIME               string
	Audio              bool
	Video              bool
	VideoBitsPerSecond int
	AudioBitsPerSecond int
	FrameRate          int
	Viewport           Viewport
}

// ErrActiveStreamCaptured is returned by MediaCapture when Chrome refuses a
// capture because the tab already has an active capture stream. This is
// unrecoverable at the process level: the caller should treat the
// module-level capture mutex as permanently leaked.
type ErrActiveStreamCaptured struct{ Detail string }

func (e *ErrActiveStreamCaptured) Error() string {
	if e.Detail == "" {
		return "cannot capture a tab with an active stream"
	}
	return "cannot capture a tab with an active stream: " + e.Detail
}

// MediaCapture starts a tab capture.
type MediaCapture interface {
	StartCapture(ctx context.Context, page Page, opts CaptureOptions) (CaptureStream, error)
}

// RemuxerProcess is a running external remux/transcode subprocess.
type RemuxerProcess interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Wait() error
	Kill() error
}

// RemuxerSpawner spawns the two remux subprocess shapes the system needs:
// one copies both streams to MPEG-TS, the other copies video and transcodes
// audio to AAC inside fMP4/WebM.
type RemuxerSpawner interface {
	SpawnCopyToMPEGTS(ctx context.Context) (RemuxerProcess, error)
	SpawnTranscodeAudioToFMP4(ctx context.Context) (RemuxerProcess, error)
}

// FullscreenCheckStrategy selects how a profile verifies the video element
// still fills the viewport.
type FullscreenCheckStrategy string

const (
	FullscreenCheckDefault    FullscreenCheckStrategy = "default"
	FullscreenCheckAggressive FullscreenCheckStrategy = "important"
)

// Profile is a resolved site profile.
type Profile struct {
	Name                  string
	ChannelSelector       string
	ClickToPlay           bool
	ClickSelector         string
	NoVideo               bool
	MaxContinuousPlayback time.Duration
	FullscreenCheck       FullscreenCheckStrategy
}

// ProfileResolver resolves a site profile by channel, URL, or explicit name.
type ProfileResolver interface {
	ProfileForChannel(channel string) (Profile, bool)
	ProfileForURL(rawURL string) (Profile, bool)
	ResolveProfileByName(name string) (Profile, bool)
}

// PlaybackController issues the profile-directed operations the monitor's
// escalation ladder and the setup pipeline's tune-to-channel step need.
type PlaybackController interface {
	Play(ctx context.Context, page Page) error
	Unmute(ctx context.Context, page Page, volume float64) error
	ReloadSource(ctx context.Context, page Page) error
	TuneToChannel(ctx context.Context, page Page, profile Profile) error
	ReadVideoState(ctx context.Context, page Page) (VideoState, error)
}
