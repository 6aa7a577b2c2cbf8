package capture

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tresby/prismcast/internal/browser"
)

const (
	probeMaxAttempts  = 3
	probeRetryDelay   = 5 * time.Second
	probeStopSettle   = 500 * time.Millisecond
	probeCloseTimeout = 3 * time.Second
)

// ProbeConfig parameterizes the startup probe so tests can shrink delays
// and intercept the fatal exit path.
type ProbeConfig struct {
	MIME      string
	Viewport  browser.Viewport
	FrameRate int

	Sleep     func(time.Duration)
	RetryWait time.Duration
	StopWait  time.Duration

	// Exit is called with a fatal error when the capture mutex is judged
	// permanently leaked. It must not return (os.Exit in production); tests
	// supply a func that panics or records the call instead.
	Exit func(err error)
}

func (c ProbeConfig) withDefaults() ProbeConfig {
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	if c.RetryWait == 0 {
		c.RetryWait = probeRetryDelay
	}
	if c.StopWait == 0 {
		c.StopWait = probeStopSettle
	}
	return c
}

// RunStartupProbe verifies Chrome will grant a tab capture before the
// process starts accepting streams. A probe
// failure that looks like "cannot capture a tab with an active stream" means
// a prior process crashed mid-capture and left Chrome's capture mutex
// wedged; the only recovery is an external supervisor relaunch, so this
// calls cfg.Exit and returns.
func RunStartupProbe(ctx context.Context, br browser.Browser, mc browser.MediaCapture, logger *slog.Logger, cfg ProbeConfig) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= probeMaxAttempts; attempt++ {
		err := runOneProbe(ctx, br, mc, cfg)
		if err == nil {
			logger.Info("startup capture probe passed", "attempt", attempt)
			return nil
		}

		var activeErr *browser.ErrActiveStreamCaptured
		if errors.As(err, &activeErr) {
			logger.Error("capture mutex appears permanently leaked", "attempt", attempt, "error", err)
			if cfg.Exit != nil {
				cfg.Exit(err)
			}
			return err
		}

		logger.Warn("startup capture probe failed, retrying", "attempt", attempt, "error", err)
		lastErr = err
		if attempt < probeMaxAttempts {
			cfg.Sleep(cfg.RetryWait)
		}
	}
	return lastErr
}

func runOneProbe(ctx context.Context, br browser.Browser, mc browser.MediaCapture, cfg ProbeConfig) error {
	page, err := br.NewPage(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), probeCloseTimeout)
		defer cancel()
		_ = page.Close(closeCtx)
	}()

	stream, err := mc.StartCapture(ctx, page, browser.CaptureOptions{
		MIME:      cfg.MIME,
		Audio:     true,
		Video:     true,
		FrameRate: cfg.FrameRate,
		Viewport:  cfg.Viewport,
	})
	if err != nil {
		return err
	}
	if err := stream.Close(); err != nil {
		return err
	}
	cfg.Sleep(cfg.StopWait)
	return nil
}
