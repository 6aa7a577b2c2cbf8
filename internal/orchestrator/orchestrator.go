// Package orchestrator wires the capture pipeline, segmenter, hlsstore, and
// playback monitor together into httpapi.Starter's single entry point: one
// cold start takes a channel request all the way through to a live,
// monitored registry entry.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tresby/prismcast/internal/capture"
	"github.com/tresby/prismcast/internal/hlsstore"
	"github.com/tresby/prismcast/internal/httpapi"
	"github.com/tresby/prismcast/internal/monitor"
	"github.com/tresby/prismcast/internal/registry"
	"github.com/tresby/prismcast/internal/segmenter"
	"github.com/tresby/prismcast/internal/status"
	"github.com/tresby/prismcast/internal/util"
)

// Config carries the segmenter/store/monitor tunables applied uniformly to
// every stream a single Orchestrator starts.
type Config struct {
	SegmentTarget time.Duration
	MaxSegments   int
	Monitor       monitor.Config
	// IDPrefix names the human stream identifier's leading component, e.g.
	// "prismcast" for ids like "prismcast-a1b2c3".
	IDPrefix string
}

// Orchestrator implements httpapi.Starter.
type Orchestrator struct {
	Registry *registry.Registry
	Status   *status.Emitter
	Pipeline *capture.Pipeline
	Config   Config
	Logger   *slog.Logger
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// StartStream runs capture setup, builds the segmenter/store/monitor for the
// new stream, and installs the resulting entry in the registry. On any
// failure it returns an error without touching the registry; the caller
// (httpapi's cold-start goroutine) is responsible for AbortStartup.
func (o *Orchestrator) StartStream(ctx context.Context, channelKey string, channel httpapi.Channel) error {
	if err := capture.ValidateURL(channel.Request.URL); err != nil {
		return err
	}
	if o.Pipeline.Browser == nil || o.Pipeline.Capture == nil || o.Pipeline.Playback == nil {
		return errors.New("orchestrator: no browser driver configured")
	}

	result, err := o.Pipeline.Setup(ctx, channel.Request)
	if err != nil {
		return err
	}

	store := hlsstore.New(o.Config.MaxSegments)
	emitter := &hlsstore.Emitter{Store: store, Logger: o.logger()}
	segCfg := segmenter.Config{TargetDuration: o.Config.SegmentTarget, MaxSegments: o.Config.MaxSegments}
	seg := segmenter.New(segCfg, nil, emitter, o.logger())

	streamCtx, cancel := context.WithCancel(context.Background())

	entry := &registry.Entry{
		IDStr:        registry.NewIDStr(o.Config.IDPrefix, util.RandomAlphanumeric),
		ChannelName:  channel.Name,
		ProviderName: channel.ProviderName,
		URL:          channel.Request.URL,
		StartTime:    time.Now(),
		Page:         result.Page,
		RawCapture:   result.CaptureStream,
		Transcoder:   result.Transcoder,
		Segmenter:    seg,
		Store:        store,
		Profile:      result.Profile,
		Cancel:       cancel,
	}

	id := o.Registry.CompleteStartup(channelKey, entry)

	state := &streamState{
		registry:   o.Registry,
		entry:      entry,
		id:         id,
		channelKey: channelKey,
		segCfg:     segCfg,
		emitter:    emitter,
		logger:     o.logger(),
		replacer:   capture.NewTabReplacer(o.Pipeline, channel.Request, seg, result),
	}
	go state.runFeedLoop(captureSource(result), seg, 0)

	var m *monitor.Monitor
	coll := monitor.Collaborators{
		Playback:     o.Pipeline.Playback,
		Page:         result.Page,
		Segmenter:    seg,
		Profile:      result.Profile,
		ReplaceTab:   state.replaceTab,
		CircuitBreak: func(reason string) { o.Registry.TerminateStream(id, channelKey, reason) },
		OnHealthChanged: func(h monitor.Health, l monitor.Level) {
			snap := monitor.Snapshot{Health: h, Level: l}
			if m != nil {
				snap = m.Status()
			}
			o.Status.StreamHealthChanged(id, snap)
		},
		Logger: o.logger(),
	}
	m = monitor.New(o.Config.Monitor, coll)
	entry.StopMonitor = m.Stop
	m.Start(streamCtx)

	return nil
}

// captureSource picks the byte stream a capture result's box feed loop reads
// from: the transcoder's fMP4 stdout when ffmpeg audio transcoding is in
// play, otherwise the native MediaRecorder capture stream directly.
func captureSource(result *capture.Result) stream {
	if result.Transcoder != nil {
		return result.Transcoder.Stdout()
	}
	return result.CaptureStream
}
