package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/tresby/prismcast/internal/browser"
	"github.com/tresby/prismcast/internal/capture"
	"github.com/tresby/prismcast/internal/channels"
	"github.com/tresby/prismcast/internal/config"
	internalhttp "github.com/tresby/prismcast/internal/http"
	"github.com/tresby/prismcast/internal/httpapi"
	"github.com/tresby/prismcast/internal/monitor"
	"github.com/tresby/prismcast/internal/observability"
	"github.com/tresby/prismcast/internal/orchestrator"
	"github.com/tresby/prismcast/internal/profile"
	"github.com/tresby/prismcast/internal/registry"
	"github.com/tresby/prismcast/internal/remux"
	"github.com/tresby/prismcast/internal/showinfo"
	"github.com/tresby/prismcast/internal/startup"
	"github.com/tresby/prismcast/internal/status"
	"github.com/tresby/prismcast/internal/storage"
	"github.com/tresby/prismcast/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the prismcast capture and streaming daemon",
	Long: `serve starts the HTTP server that accepts HLS and MPEG-TS viewer
requests, resolves them to live headless-tab captures, and keeps every
channel playing until its last client leaves or it idles out.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting prismcast", "version", version.Short())

	if n, err := startup.CleanupOrphanedTempDirs(logger, os.TempDir(), 24*time.Hour); err != nil {
		logger.Warn("orphaned temp dir cleanup failed", "error", err)
	} else if n > 0 {
		logger.Info("removed orphaned temp dirs", "count", n)
	}

	statusEmitter := status.New(logger)
	statusEmitter.SetStreamsLimit(cfg.Streaming.MaxConcurrentStreams)
	reg := registry.New(logger, statusEmitter)

	profiles, err := profile.New(cfg.Profiles.Directory, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchStop := make(chan struct{})
	go func() {
		if err := profiles.Watch(watchStop); err != nil {
			logger.Warn("profile watch ended", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		close(watchStop)
	}()

	remuxSpawner := remux.NewSpawner(remux.SpawnerConfig{
		BinaryPath:         cfg.Remux.BinaryPath,
		AudioBitrate:       cfg.Remux.AudioBitrate,
		FMP4FragDuration:   cfg.Remux.FMP4FragDuration,
		FMP4MinFragSeconds: cfg.Remux.FMP4MinFragSeconds,
		StderrLogPath:      cfg.Remux.StderrLogPath,
	})

	captureQueue := capture.NewQueue()
	defer captureQueue.Close()

	captureMode := capture.ModeNative
	if cfg.Capture.Mode == "transcode" {
		captureMode = capture.ModeFFmpeg
	}

	pipeline := &capture.Pipeline{
		Queue:    captureQueue,
		Remux:    remuxSpawner,
		Profiles: profiles,
		Logger:   logger,
		Config: capture.Config{
			CaptureMode:        captureMode,
			VideoBitsPerSecond: cfg.Capture.VideoBitsPerSecond,
			AudioBitsPerSecond: cfg.Capture.AudioBitsPerSecond,
			FrameRate:          cfg.Capture.FrameRate,
			Viewport: browser.Viewport{
				Width:  cfg.Capture.ViewportWidth,
				Height: cfg.Capture.ViewportHeight,
			},
			NavigationTimeout:    cfg.Capture.NavigationTimeout,
			MaxNavigationRetries: cfg.Capture.MaxNavigationRetries,
			HeadRedirectTimeout:  cfg.Capture.HeadRedirectTimeout,
		},
	}
	// Browser, Capture, and Playback stay unset here: this daemon's core
	// never talks to a concrete headless-browser driver directly (see the
	// browser package's collaborator interfaces). A driver build wires its
	// adapters into these three fields before StartStream can run a real
	// capture; until then cold starts fail fast with a clear error.
	if pipeline.Browser == nil {
		logger.Warn("no browser driver configured; stream cold starts will fail until one is wired in")
	}

	orch := &orchestrator.Orchestrator{
		Registry: reg,
		Status:   statusEmitter,
		Pipeline: pipeline,
		Logger:   logger,
		Config: orchestrator.Config{
			SegmentTarget: cfg.Streaming.SegmentDuration,
			MaxSegments:   cfg.Streaming.MaxSegments,
			IDPrefix:      "prismcast",
			Monitor: monitor.Config{
				Interval:                  cfg.Recovery.HealthCheckInterval,
				EvaluateTimeout:           cfg.Recovery.HealthCheckInterval,
				StallThreshold:            1,
				StallCountThreshold:       2,
				BufferingGracePeriod:      cfg.Recovery.BufferingTimeout,
				SustainedPlaybackRequired: 60 * time.Second,
				MaxPageReloads:            cfg.Recovery.MaxRecoveryAttempts,
				PageReloadWindow:          cfg.Recovery.CircuitResetAfter,
				CircuitBreakerWindow:      cfg.Recovery.CircuitResetAfter,
				CircuitBreakerThreshold:   cfg.Recovery.MaxRecoveryAttempts,
				TinySegmentBytes:          500_000,
				TinySegmentStreak:         10,
				UnresponsiveStreak:        3,
				VideoMissingStreak:        3,
				SegmentStallGrace:         cfg.Recovery.StallTimeout,
				GraceL1:                   3 * time.Second,
				GraceL2:                   10 * time.Second,
				GraceL3:                   10 * time.Second,
			},
		},
	}

	channelResolver := channels.New(cfg.Channels)

	apiHandlers := &httpapi.Handlers{
		Registry: reg,
		Status:   statusEmitter,
		Channels: channelResolver,
		Starter:  orch,
		Remux:    remuxSpawner,
		Logger:   logger,
		Config: httpapi.Config{
			NavigationTimeout:    cfg.Capture.NavigationTimeout,
			IdleTimeout:          cfg.Streaming.IdleTimeout,
			IdleScanInterval:     cfg.Streaming.IdleScanInterval,
			PollInterval:         cfg.Streaming.PollInterval,
			SSEHeartbeat:         cfg.Streaming.SSEHeartbeat,
			MaxConcurrentStreams: cfg.Streaming.MaxConcurrentStreams,
		},
	}

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger, version.Short())
	apiHandlers.Mount(server.Router())

	if cfg.ShowInfo.BaseURL != "" {
		var logoCache *storage.LogoCache
		if cfg.ShowInfo.LogoCacheDir != "" {
			cache, err := storage.NewLogoCache(cfg.ShowInfo.LogoCacheDir)
			if err != nil {
				logger.Warn("logo cache disabled", "error", err)
			} else {
				logoCache = cache
			}
		}

		poller := showinfo.New(showinfo.Config{
			BaseURL:      cfg.ShowInfo.BaseURL,
			APIKey:       cfg.ShowInfo.APIKey,
			CronSchedule: cfg.ShowInfo.CronSchedule,
			HTTPTimeout:  cfg.ShowInfo.HTTPTimeout,
		}, reg, statusEmitter, logoCache, logger)
		if err := poller.Start(ctx); err != nil {
			logger.Warn("show-info poller failed to start", "error", err)
		}
		server.Router().Get(showinfo.LogoRoutePrefix+"{name}", func(w http.ResponseWriter, r *http.Request) {
			poller.ServeLogo(w, chi.URLParam(r, "name"))
		})
	}

	go apiHandlers.RunIdleReclamation(ctx)
	go statusEmitter.RunMemoryPoller(ctx, 10*time.Second)

	logger.Info("prismcast ready",
		"address", cfg.Server.Address(),
		"channels", channelResolver.Count(),
		"capture_mode", cfg.Capture.Mode,
	)

	return server.ListenAndServe(ctx)
}
