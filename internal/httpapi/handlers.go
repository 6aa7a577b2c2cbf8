package httpapi

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tresby/prismcast/internal/registry"
)

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (h *Handlers) writeEnsureError(w http.ResponseWriter, err error) {
	switch err {
	case ErrChannelNotFound:
		http.Error(w, "channel not found", http.StatusNotFound)
	case ErrLoginModeActive:
		w.Header().Set("Retry-After", "5")
		http.Error(w, "login mode active", http.StatusServiceUnavailable)
	case ErrNotReady:
		w.Header().Set("Retry-After", "5")
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
	case ErrCapacityExceeded:
		w.Header().Set("Retry-After", "5")
		w.Header().Set("X-HDHomeRun-Error", "All Tuners In Use")
		http.Error(w, "concurrent stream limit reached", http.StatusServiceUnavailable)
	case ErrSetupFailed:
		http.Error(w, "stream setup failed", http.StatusInternalServerError)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// Playlist serves GET /hls/{channel}/stream.m3u8.
func (h *Handlers) Playlist(w http.ResponseWriter, r *http.Request) {
	channelKey := chi.URLParam(r, "channel")

	id, err := h.ensureChannelStream(r.Context(), channelKey)
	if err != nil {
		h.writeEnsureError(w, err)
		return
	}

	entry, ok := h.Registry.Get(id)
	if !ok {
		http.Error(w, "stream not found", http.StatusInternalServerError)
		return
	}

	if !entry.Store.HasPlaylist() {
		select {
		case <-entry.Store.PlaylistReady():
		case <-time.After(h.Config.NavigationTimeout):
			w.Header().Set("Retry-After", "5")
			http.Error(w, "playlist not ready", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		}
	}

	h.Registry.Clients().Register(id, registry.ClientKey{Address: clientAddr(r), Type: registry.ClientHLS})
	entry.TouchLastAccess()

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write([]byte(entry.Store.Playlist()))
}

// Segment serves GET /hls/{channel}/{segment}, covering both init.mp4 and
// media segments.
func (h *Handlers) Segment(w http.ResponseWriter, r *http.Request) {
	channelKey := chi.URLParam(r, "channel")
	name := chi.URLParam(r, "segment")

	id, found, starting := h.Registry.Lookup(channelKey)
	if !found || starting {
		http.NotFound(w, r)
		return
	}
	entry, ok := h.Registry.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if name == "init.mp4" {
		data := entry.Store.Init()
		if data == nil {
			http.NotFound(w, r)
			return
		}
		entry.TouchLastAccess()
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(data)
		return
	}

	data, ok := entry.Store.Segment(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	entry.TouchLastAccess()
	w.Header().Set("Content-Type", "video/iso.segment")
	_, _ = w.Write(data)
}

// DeleteStream serves DELETE /streams/{id}.
func (h *Handlers) DeleteStream(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := parseStreamID(idStr)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	entry, ok := h.Registry.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	h.Registry.TerminateStream(id, entry.ChannelKey, "requested via API")
	w.WriteHeader(http.StatusOK)
}
