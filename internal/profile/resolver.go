// Package profile resolves site profiles from a directory of JSON files,
// reloading automatically when the directory changes.
package profile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tresby/prismcast/internal/browser"
)

// fileProfile mirrors browser.Profile's JSON-on-disk shape.
type fileProfile struct {
	Name                  string `json:"name"`
	ChannelSelector       string `json:"channel_selector"`
	ClickToPlay           bool   `json:"click_to_play"`
	ClickSelector         string `json:"click_selector"`
	NoVideo               bool   `json:"no_video"`
	MaxContinuousPlayback string `json:"max_continuous_playback"`
	FullscreenCheck       string `json:"fullscreen_check"`

	// Channels/URLPatterns map this profile to the channels/URL substrings
	// that should resolve to it.
	Channels    []string `json:"channels"`
	URLPatterns []string `json:"url_patterns"`
}

func (f fileProfile) toProfile() browser.Profile {
	p := browser.Profile{
		Name:            f.Name,
		ChannelSelector: f.ChannelSelector,
		ClickToPlay:     f.ClickToPlay,
		ClickSelector:   f.ClickSelector,
		NoVideo:         f.NoVideo,
		FullscreenCheck: browser.FullscreenCheckStrategy(f.FullscreenCheck),
	}
	if p.FullscreenCheck == "" {
		p.FullscreenCheck = browser.FullscreenCheckDefault
	}
	if d, err := time.ParseDuration(f.MaxContinuousPlayback); err == nil {
		p.MaxContinuousPlayback = d
	}
	return p
}

// Resolver implements browser.ProfileResolver backed by a directory of
// *.json profile files, kept in sync via fsnotify.
type Resolver struct {
	dir    string
	logger *slog.Logger

	mu          sync.RWMutex
	byName      map[string]browser.Profile
	byChannel   map[string]browser.Profile
	urlPatterns []urlRule

	watcher *fsnotify.Watcher
}

type urlRule struct {
	pattern string
	profile browser.Profile
}

// New constructs a resolver and performs an initial load from dir. dir may
// not exist yet; in that case the resolver starts empty and will pick up
// profiles once the directory is created and Watch is called.
func New(dir string, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		dir:       dir,
		logger:    logger,
		byName:    make(map[string]browser.Profile),
		byChannel: make(map[string]browser.Profile),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch starts an fsnotify watch on the profile directory, reloading on any
// write/create/remove/rename event. It blocks until stop is closed; call it
// in a goroutine.
func (r *Resolver) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("profile: create watcher: %w", err)
	}
	r.watcher = watcher

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("profile: ensure directory: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("profile: watch %s: %w", r.dir, err)
	}

	for {
		select {
		case <-stop:
			return watcher.Close()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if err := r.reload(); err != nil {
				r.logger.Error("profile: reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("profile: watcher error", "error", err)
		}
	}
}

func (r *Resolver) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("profile: read %s: %w", r.dir, err)
	}

	byName := make(map[string]browser.Profile)
	byChannel := make(map[string]browser.Profile)
	var urlRules []urlRule

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("profile: skip unreadable file", "path", path, "error", err)
			continue
		}
		var fp fileProfile
		if err := json.Unmarshal(data, &fp); err != nil {
			r.logger.Warn("profile: skip invalid json", "path", path, "error", err)
			continue
		}
		if fp.Name == "" {
			fp.Name = strings.TrimSuffix(entry.Name(), ".json")
		}
		profile := fp.toProfile()
		byName[fp.Name] = profile
		for _, ch := range fp.Channels {
			byChannel[ch] = profile
		}
		for _, pattern := range fp.URLPatterns {
			urlRules = append(urlRules, urlRule{pattern: pattern, profile: profile})
		}
	}

	r.mu.Lock()
	r.byName = byName
	r.byChannel = byChannel
	r.urlPatterns = urlRules
	r.mu.Unlock()

	r.logger.Info("profile: reloaded", "count", len(byName))
	return nil
}

// ProfileForChannel implements browser.ProfileResolver.
func (r *Resolver) ProfileForChannel(channel string) (browser.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byChannel[channel]
	return p, ok
}

// ProfileForURL implements browser.ProfileResolver.
func (r *Resolver) ProfileForURL(rawURL string) (browser.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.urlPatterns {
		if strings.Contains(rawURL, rule.pattern) {
			return rule.profile, true
		}
	}
	return browser.Profile{}, false
}

// ResolveProfileByName implements browser.ProfileResolver.
func (r *Resolver) ResolveProfileByName(name string) (browser.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}
