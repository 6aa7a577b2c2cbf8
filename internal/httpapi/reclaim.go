package httpapi

import (
	"context"
	"strconv"
	"time"

	"github.com/tresby/prismcast/internal/registry"
)

func parseStreamID(s string) (registry.StreamID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return registry.StreamID(n), nil
}

// RunIdleReclamation periodically terminates streams with no MPEG-TS
// clients and a stale last-access time. It blocks until ctx is
// cancelled.
func (h *Handlers) RunIdleReclamation(ctx context.Context) {
	interval := h.Config.IdleScanInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, entry := range h.Registry.IdleStreams(h.Config.IdleTimeout) {
				h.logger().Info("reclaiming idle stream", "channel_key", entry.ChannelKey, "stream_id", entry.ID)
				h.Registry.TerminateStream(entry.ID, entry.ChannelKey, "idle timeout")
			}
		}
	}
}
