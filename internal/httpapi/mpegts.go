package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tresby/prismcast/internal/hlsstore"
	"github.com/tresby/prismcast/internal/registry"
)

// MPEGTS serves GET /stream/{channel}, remuxing the live fMP4 segments into
// an MPEG-TS byte stream for players that can't consume HLS directly. The
// response header is flushed immediately, before any fallible work happens,
// so once bytes start moving every later failure just closes the
// connection silently rather than surfacing as an HTTP error.
func (h *Handlers) MPEGTS(w http.ResponseWriter, r *http.Request) {
	channelKey := chi.URLParam(r, "channel")

	w.Header().Set("Content-Type", "video/mpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")
	w.Header().Set("transferMode.dlna.org", "Streaming")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	ctx := r.Context()

	id, err := h.ensureChannelStream(ctx, channelKey)
	if err != nil {
		h.logger().Warn("mpegts: stream setup failed", "channel_key", channelKey, "error", err)
		return
	}
	entry, ok := h.Registry.Get(id)
	if !ok {
		return
	}

	select {
	case <-entry.Store.InitReady():
	case <-time.After(h.Config.NavigationTimeout):
		return
	case <-ctx.Done():
		return
	}

	if h.Remux == nil {
		return
	}
	proc, err := h.Remux.SpawnCopyToMPEGTS(ctx)
	if err != nil {
		h.logger().Error("mpegts: spawn failed", "channel_key", channelKey, "error", err)
		return
	}

	events, unsubscribe := entry.Store.Subscribe()
	defer unsubscribe()

	seen := make(map[string]bool)
	stdin := proc.Stdin()

	if init := entry.Store.Init(); init != nil {
		if _, err := stdin.Write(init); err != nil {
			_ = proc.Kill()
			return
		}
	}
	for _, name := range entry.Store.SegmentNames() {
		data, ok := entry.Store.Segment(name)
		if !ok {
			continue
		}
		if _, err := stdin.Write(data); err != nil {
			_ = proc.Kill()
			return
		}
		seen[name] = true
	}

	clientKey := registry.ClientKey{Address: clientAddr(r), Type: registry.ClientMPEGTS}
	entry.IncMPEGTSClients()
	h.Registry.Clients().Register(id, clientKey)
	entry.TouchLastAccess()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			_ = stdin.Close()
			_ = proc.Kill()
			if entry.DecMPEGTSClients() == 0 {
				entry.TouchLastAccess()
			}
			h.Registry.Clients().Unregister(id, clientKey)
		})
	}
	defer cleanup()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := proc.Stdout().Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				if canFlush {
					flusher.Flush()
				}
				entry.TouchLastAccess()
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pumpDone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case hlsstore.EventTerminated:
				return
			case hlsstore.EventSegment:
				if seen[ev.SegmentName] {
					continue
				}
				seen[ev.SegmentName] = true
				if _, err := stdin.Write(ev.SegmentData); err != nil {
					return
				}
			}
		}
	}
}
