package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/tresby/prismcast/internal/browser"
)

// ErrInvalidURL is returned when a requested stream URL fails validation.
var ErrInvalidURL = errors.New("invalid stream url")

// ErrNavigationFailed is returned once all navigation retries are exhausted.
var ErrNavigationFailed = errors.New("navigation failed")

const (
	nativeMIME       = "video/mp4;codecs=avc1,mp4a.40.2"
	transcodeMIME    = "video/webm;codecs=vp9,opus"
	pageCloseTimeout = 3 * time.Second
	tuneOuterTimeout = 45 * time.Second
)

var minimizedViewport = browser.Viewport{Width: 1, Height: 1}

// Mode selects how the capture byte stream reaches fMP4.
type Mode string

const (
	ModeNative Mode = "native"
	ModeFFmpeg Mode = "ffmpeg"
)

// Request describes one stream's setup parameters.
type Request struct {
	Channel         string
	URL             string
	ProfileOverride string
	NoVideo         bool
	ChannelSelector string
	ClickToPlay     bool
	ClickSelector   string
}

// Config carries the setup pipeline's tunables.
type Config struct {
	CaptureMode          Mode
	VideoBitsPerSecond   int
	AudioBitsPerSecond   int
	FrameRate            int
	Viewport             browser.Viewport
	NavigationTimeout    time.Duration
	MaxNavigationRetries int
	HeadRedirectTimeout  time.Duration
}

// Result is everything a successful setup produced, ready to be wired into
// a stream entry and segmenter.
type Result struct {
	Page          browser.Page
	CaptureStream browser.CaptureStream
	Transcoder    browser.RemuxerProcess
	Profile       browser.Profile
	MIME          string
}

// Pipeline runs the per-stream setup sequence against injected collaborators.
type Pipeline struct {
	Queue    *Queue
	Browser  browser.Browser
	Capture  browser.MediaCapture
	Remux    browser.RemuxerSpawner
	Profiles browser.ProfileResolver
	Playback browser.PlaybackController
	Logger   *slog.Logger
	Config   Config

	// HeadRedirect follows one HEAD redirect hop for generic-profile
	// fallback (step 3). Nil disables the fallback.
	HeadRedirect func(ctx context.Context, rawURL string, timeout time.Duration) (redirected string, ok bool)
}

// ValidateURL enforces the scheme allowlist.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "http", "https", "chrome":
		return nil
	default:
		return fmt.Errorf("%w: scheme %q not permitted", ErrInvalidURL, u.Scheme)
	}
}

// Setup runs steps 3 through 9 of the per-stream setup pipeline (step 1
// validation and step 2 capacity/reclamation are the caller's
// responsibility, since they need the registry).
func (p *Pipeline) Setup(ctx context.Context, req Request) (*Result, error) {
	profile := p.resolveProfile(ctx, req)

	page, err := p.Browser.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	succeeded := false
	defer func() {
		if !succeeded {
			closeCtx, cancel := context.WithTimeout(context.Background(), pageCloseTimeout)
			defer cancel()
			_ = page.Close(closeCtx)
		}
	}()

	if err := page.SetBypassCSP(ctx, true); err != nil {
		return nil, fmt.Errorf("bypass csp: %w", err)
	}

	mime := nativeMIME
	if p.Config.CaptureMode == ModeFFmpeg {
		mime = transcodeMIME
	}

	if err := page.Resize(ctx, p.Config.Viewport); err != nil {
		p.Logger.Warn("viewport resize before capture failed", "error", err)
	}

	release, err := p.Queue.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire capture queue: %w", err)
	}
	stream, err := p.Capture.StartCapture(ctx, page, browser.CaptureOptions{
		MIME:               mime,
		Audio:              true,
		Video:              !profile.NoVideo,
		VideoBitsPerSecond: p.Config.VideoBitsPerSecond,
		AudioBitsPerSecond: p.Config.AudioBitsPerSecond,
		FrameRate:          p.Config.FrameRate,
		Viewport:           p.Config.Viewport,
	})
	release()
	if err != nil {
		return nil, fmt.Errorf("start capture: %w", err)
	}
	streamOK := false
	defer func() {
		if !streamOK {
			_ = stream.Close()
		}
	}()

	var transcoder browser.RemuxerProcess
	if p.Config.CaptureMode == ModeFFmpeg {
		transcoder, err = p.Remux.SpawnTranscodeAudioToFMP4(ctx)
		if err != nil {
			return nil, fmt.Errorf("spawn transcoder: %w", err)
		}
		go pipeCaptureIntoTranscoder(p.Logger, stream, transcoder)
	}

	if err := p.navigateWithRetry(ctx, page, req.URL); err != nil {
		if transcoder != nil {
			_ = transcoder.Kill()
		}
		return nil, err
	}

	if !profile.NoVideo {
		tuneCtx, cancel := context.WithTimeout(ctx, tuneOuterTimeout)
		tuneErr := p.Playback.TuneToChannel(tuneCtx, page, profile)
		cancel()
		if tuneErr != nil {
			if transcoder != nil {
				_ = transcoder.Kill()
			}
			return nil, fmt.Errorf("tune to channel: %w", tuneErr)
		}
	}

	if err := page.Resize(ctx, minimizedViewport); err != nil {
		p.Logger.Warn("window minimize failed", "error", err)
	}

	succeeded = true
	streamOK = true
	return &Result{Page: page, CaptureStream: stream, Transcoder: transcoder, Profile: profile, MIME: mime}, nil
}

func (p *Pipeline) navigateWithRetry(ctx context.Context, page browser.Page, rawURL string) error {
	attempts := p.Config.MaxNavigationRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if page.IsClosed() {
			return fmt.Errorf("%w: page closed during navigation", ErrNavigationFailed)
		}
		navCtx, cancel := context.WithTimeout(ctx, p.Config.NavigationTimeout)
		err := page.Navigate(navCtx, rawURL)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		p.Logger.Warn("navigation attempt failed", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("%w: %v", ErrNavigationFailed, lastErr)
}

func (p *Pipeline) resolveProfile(ctx context.Context, req Request) browser.Profile {
	if req.ProfileOverride != "" {
		if prof, ok := p.Profiles.ResolveProfileByName(req.ProfileOverride); ok {
			return applyOverrides(prof, req)
		}
	}
	if req.Channel != "" {
		if prof, ok := p.Profiles.ProfileForChannel(req.Channel); ok {
			return applyOverrides(prof, req)
		}
	}
	if prof, ok := p.Profiles.ProfileForURL(req.URL); ok {
		return applyOverrides(prof, req)
	}
	if p.HeadRedirect != nil {
		if redirected, ok := p.HeadRedirect(ctx, req.URL, p.Config.HeadRedirectTimeout); ok {
			if prof, ok := p.Profiles.ProfileForURL(redirected); ok {
				return applyOverrides(prof, req)
			}
		}
	}
	return applyOverrides(browser.Profile{Name: "generic"}, req)
}

func applyOverrides(prof browser.Profile, req Request) browser.Profile {
	if req.ChannelSelector != "" {
		prof.ChannelSelector = req.ChannelSelector
	}
	if req.ClickToPlay {
		prof.ClickToPlay = true
	}
	if req.ClickSelector != "" {
		prof.ClickSelector = req.ClickSelector
	}
	if req.NoVideo {
		prof.NoVideo = true
	}
	return prof
}

// pipeCaptureIntoTranscoder copies raw capture bytes into the transcoder's
// stdin, guaranteeing both sides are torn down if either fails.
func pipeCaptureIntoTranscoder(logger *slog.Logger, stream browser.CaptureStream, proc browser.RemuxerProcess) {
	_, err := io.Copy(proc.Stdin(), stream)
	_ = proc.Stdin().Close()
	if err != nil && !errors.Is(err, io.EOF) {
		logger.Warn("capture-to-transcoder pipe ended with error", "error", err)
		_ = proc.Kill()
	}
	_ = stream.Close()
}
