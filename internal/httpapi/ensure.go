package httpapi

import (
	"context"
	"time"

	"github.com/tresby/prismcast/internal/registry"
)

// ensureChannelStream resolves channelKey to a live stream id, starting a
// cold start if none exists yet and polling while one is in flight.
func (h *Handlers) ensureChannelStream(ctx context.Context, channelKey string) (registry.StreamID, error) {
	if h.LoginMode != nil && h.LoginMode.IsLoginModeActive() {
		return 0, ErrLoginModeActive
	}

	if id, found, starting := h.Registry.Lookup(channelKey); found && !starting {
		return id, nil
	} else if !found {
		channel, ok := h.Channels.Resolve(channelKey)
		if !ok || !channel.Enabled {
			return 0, ErrChannelNotFound
		}
		if limit := h.Config.MaxConcurrentStreams; limit > 0 && len(h.Registry.All()) >= limit {
			return 0, ErrCapacityExceeded
		}
		if h.Registry.BeginStartup(channelKey) {
			go h.runSetup(channelKey, channel)
		}
	}

	return h.pollForStream(ctx, channelKey)
}

func (h *Handlers) runSetup(channelKey string, channel Channel) {
	ctx := context.Background()
	if err := h.Starter.StartStream(ctx, channelKey, channel); err != nil {
		h.logger().Error("stream setup failed", "channel_key", channelKey, "error", err)
		h.Registry.AbortStartup(channelKey)
	}
}

func (h *Handlers) pollForStream(ctx context.Context, channelKey string) (registry.StreamID, error) {
	deadline := time.Now().Add(h.Config.NavigationTimeout)
	ticker := time.NewTicker(h.Config.PollInterval)
	defer ticker.Stop()

	for {
		id, found, starting := h.Registry.Lookup(channelKey)
		if found && !starting {
			return id, nil
		}
		if !found {
			return 0, ErrSetupFailed
		}
		if time.Now().After(deadline) {
			return 0, ErrNotReady
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
