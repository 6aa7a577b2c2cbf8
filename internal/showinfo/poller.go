// Package showinfo periodically asks an external DVR-API for the current
// show name and logo URL airing on each live stream's client address, and
// publishes the results to a status sink. It is a peripheral collaborator:
// nothing in the streaming core depends on it, and a poll failure never
// affects stream health.
package showinfo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tresby/prismcast/internal/storage"
	"github.com/tresby/prismcast/pkg/format"
	"github.com/tresby/prismcast/pkg/httpclient"
)

// Info is the show metadata reported for one client address.
type Info struct {
	ShowName string
	LogoURL  string
}

// Sink receives updated show info for a stream. Implemented by
// internal/status so the core never imports this package's concrete type.
type Sink interface {
	SetShowInfo(channelKey string, info Info)
}

// StreamLister reports the live client addresses currently worth polling,
// keyed by channel key.
type StreamLister interface {
	LiveClientAddresses() map[string]string
}

// Config controls the poller's schedule and upstream endpoint.
type Config struct {
	BaseURL      string
	APIKey       string
	CronSchedule string // 6-field robfig/cron expression; empty disables polling
	HTTPTimeout  time.Duration

	// LogoTTL is how long a cached logo may go unseen before it is pruned.
	// Zero disables pruning entirely.
	LogoTTL time.Duration
}

// DefaultConfig polls every two minutes against no upstream (disabled until
// BaseURL is set). Cached logos not re-seen within a week are pruned.
func DefaultConfig() Config {
	return Config{
		CronSchedule: "0 */2 * * * *",
		HTTPTimeout:  10 * time.Second,
		LogoTTL:      7 * 24 * time.Hour,
	}
}

// Poller drives the periodic DVR-API sweep.
type Poller struct {
	cfg    Config
	lister StreamLister
	sink   Sink
	logger *slog.Logger
	client *httpclient.Client

	// logos caches show logo images locally so repeat sweeps don't re-fetch
	// the same artwork from the upstream DVR-API, and so served logo URLs
	// stay stable even if the upstream CDN URL rotates. Nil disables
	// caching: LogoURL is passed through unchanged.
	logos *storage.LogoCache

	cron *cron.Cron

	mu    sync.Mutex
	cache map[string]Info
}

// New constructs a poller. It does nothing until Start is called. logos may
// be nil to pass upstream logo URLs through uncached.
func New(cfg Config, lister StreamLister, sink Sink, logos *storage.LogoCache, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := httpclient.DefaultConfig()
	clientCfg.Timeout = cfg.HTTPTimeout
	clientCfg.UserAgent = "prismcast-showinfo/1.0"
	clientCfg.Logger = logger
	factory := httpclient.NewClientFactory(nil).WithDefaultConfig(clientCfg).WithLogger(logger)
	client := factory.CreateClientForService("logo_fetch")
	httpclient.DefaultRegistry.Register("showinfo", client)
	return &Poller{
		cfg:    cfg,
		lister: lister,
		sink:   sink,
		logos:  logos,
		logger: logger,
		client: client,
		cache:  make(map[string]Info),
	}
}

// CircuitBreakerStatus reports the health of the poller's upstream HTTP
// client, as tracked by the shared circuit breaker registry.
func (p *Poller) CircuitBreakerStatus() httpclient.CircuitBreakerStatus {
	for _, s := range httpclient.DefaultRegistry.GetCircuitBreakerStatuses() {
		if s.Name == "showinfo" {
			return s
		}
	}
	return httpclient.CircuitBreakerStatus{Name: "showinfo"}
}

// Start schedules the periodic sweep. It is a no-op if BaseURL or
// CronSchedule is empty. Returns immediately; the sweep runs in the
// background until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	if p.cfg.BaseURL == "" || p.cfg.CronSchedule == "" {
		p.logger.Info("showinfo poller disabled: no base url or schedule configured")
		return nil
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	_, err := c.AddFunc(p.cfg.CronSchedule, func() { p.sweep(ctx) })
	if err != nil {
		return fmt.Errorf("showinfo: invalid schedule %q: %w", p.cfg.CronSchedule, err)
	}

	p.cron = c
	c.Start()
	p.logger.Info("showinfo poller started", "schedule", format.CronDescription(p.cfg.CronSchedule))

	go func() {
		<-ctx.Done()
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}()

	return nil
}

func (p *Poller) sweep(ctx context.Context) {
	addresses := p.lister.LiveClientAddresses()
	for channelKey, addr := range addresses {
		if addr == "" {
			continue
		}
		info, err := p.fetch(ctx, addr)
		if err != nil {
			p.logger.Warn("showinfo: fetch failed", "channel_key", channelKey, "client_address", addr, "error", err)
			continue
		}
		if p.logos != nil && info.LogoURL != "" {
			if local, err := p.cacheLogo(ctx, info.LogoURL); err != nil {
				p.logger.Warn("showinfo: logo cache failed", "logo_url", info.LogoURL, "error", err)
			} else {
				info.LogoURL = local
			}
		}
		p.mu.Lock()
		p.cache[channelKey] = info
		p.mu.Unlock()
		p.sink.SetShowInfo(channelKey, info)
	}
	p.pruneStaleLogos()
}

// pruneStaleLogos removes cached logo images and metadata that have not been
// seen (i.e. no longer referenced by any current sweep) since the configured
// TTL. GetStaleLogos only scans logos/cached, the one directory the cache
// writes metadata to. A no-op if logo caching or pruning is disabled.
func (p *Poller) pruneStaleLogos() {
	if p.logos == nil || p.cfg.LogoTTL <= 0 {
		return
	}
	stale, err := p.logos.GetStaleLogos(time.Now().Add(-p.cfg.LogoTTL))
	if err != nil {
		p.logger.Warn("showinfo: scanning for stale logos failed", "error", err)
		return
	}
	for _, meta := range stale {
		if err := p.logos.DeleteWithMetadata(meta.GetID(), meta.ContentType); err != nil {
			p.logger.Warn("showinfo: pruning stale logo failed", "logo_id", meta.GetID(), "error", err)
			continue
		}
	}
	if len(stale) > 0 {
		p.logger.Info("showinfo: pruned stale cached logos", "count", len(stale))
		if err := p.logos.CleanupEmptyDirs(); err != nil {
			p.logger.Warn("showinfo: cleaning up empty logo directories failed", "error", err)
		}
	}
}

// LogoRoutePrefix is the HTTP path prefix cached logo images are served
// under; ServeLogo strips this prefix to resolve the on-disk file.
const LogoRoutePrefix = "/logos/"

// cacheLogo downloads a logo URL if not already cached (logos are keyed by
// a deterministic hash of the normalized URL, so repeat sweeps and logos
// shared across channels only fetch once) and returns the local route path
// clients should use instead of the upstream URL. All poller-sourced logos
// are LogoSourceCached, so lookups below never need to consider uploads.
func (p *Poller) cacheLogo(ctx context.Context, logoURL string) (string, error) {
	meta := storage.NewCachedLogoMetadata(logoURL)
	if existing, err := p.logos.LoadMetadata(meta.GetID()); err == nil {
		_ = p.logos.TouchMetadata(existing)
		return LogoRoutePrefix + existing.ImagePath(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("showinfo: logo fetch status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	meta.ContentType = resp.Header.Get("Content-Type")
	if err := p.logos.StoreWithMetadata(meta, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return LogoRoutePrefix + meta.ImagePath(), nil
}

// ServeLogo writes a cached logo's bytes and content type to w, or 404s if
// the name is unknown. name is the route-relative filename, e.g.
// "a1b2c3....png" (LogoRoutePrefix already stripped by the caller's router).
func (p *Poller) ServeLogo(w http.ResponseWriter, name string) {
	if p.logos == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	path := filepath.Join("logos", string(storage.LogoSourceCached), name)
	data, err := p.logos.GetBytes(path)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", storage.ContentTypeFromPath(name))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(data)
}

type apiResponse struct {
	ShowName string `json:"show_name"`
	LogoURL  string `json:"logo_url"`
}

func (p *Poller) fetch(ctx context.Context, clientAddress string) (Info, error) {
	u := fmt.Sprintf("%s/api/nowplaying?address=%s", p.cfg.BaseURL, url.QueryEscape(clientAddress))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Info{}, err
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("showinfo: unexpected status %d", resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Info{}, fmt.Errorf("showinfo: decode response: %w", err)
	}

	return Info{ShowName: body.ShowName, LogoURL: body.LogoURL}, nil
}

// Lookup returns the most recently cached info for a channel key, if any.
func (p *Poller) Lookup(channelKey string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.cache[channelKey]
	return info, ok
}
