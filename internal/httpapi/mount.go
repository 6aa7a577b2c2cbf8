package httpapi

import (
	"github.com/go-chi/chi/v5"
)

// Mount registers every raw chi route this package serves. These
// bypass huma: playlists, segments, and the MPEG-TS/SSE streams are plain
// byte or event streams, not typed request/response bodies.
func (h *Handlers) Mount(router chi.Router) {
	router.Get("/hls/{channel}/stream.m3u8", h.Playlist)
	router.Get("/hls/{channel}/{segment}", h.Segment)
	router.Get("/play", h.Play)
	router.Get("/stream/{channel}", h.MPEGTS)
	router.Get("/streams/status", h.StreamsStatusSSE)
	router.Delete("/streams/{id}", h.DeleteStream)
}
