// Package channels implements the minimal in-memory httpapi.ChannelResolver
// this daemon needs: a static set loaded from configuration at startup, plus
// ad hoc synthetic channels minted by the /play handler. Durable channel
// CRUD is a collaborator's concern; this core only needs something to
// resolve a channel key against.
package channels

import (
	"sync"

	"github.com/tresby/prismcast/internal/capture"
	"github.com/tresby/prismcast/internal/config"
	"github.com/tresby/prismcast/internal/httpapi"
)

// Registry implements httpapi.ChannelResolver and httpapi.SyntheticRegistrar.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]httpapi.Channel
}

// New builds a registry seeded with the statically configured channels.
func New(configured []config.ChannelConfig) *Registry {
	r := &Registry{channels: make(map[string]httpapi.Channel, len(configured))}
	for _, c := range configured {
		r.channels[c.Key] = httpapi.Channel{
			Name:         c.Name,
			ProviderName: c.ProviderName,
			Enabled:      c.Enabled,
			Request: capture.Request{
				Channel:         c.Key,
				URL:             c.URL,
				ProfileOverride: c.ProfileOverride,
				NoVideo:         c.NoVideo,
				ChannelSelector: c.ChannelSelector,
				ClickToPlay:     c.ClickToPlay,
				ClickSelector:   c.ClickSelector,
			},
		}
	}
	return r
}

// Resolve implements httpapi.ChannelResolver.
func (r *Registry) Resolve(channelKey string) (httpapi.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[channelKey]
	return c, ok
}

// RegisterSynthetic implements httpapi.SyntheticRegistrar.
func (r *Registry) RegisterSynthetic(channelKey string, channel httpapi.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channelKey] = channel
}

// Count returns the number of known channels, static and synthetic.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
