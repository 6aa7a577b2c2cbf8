package httpapi

import (
	"crypto/sha1"
	"encoding/hex"
	"net/http"

	"github.com/tresby/prismcast/internal/capture"
	"github.com/tresby/prismcast/internal/urlutil"
)

// Play serves GET /play?url=..., minting a synthetic channel for an ad hoc
// URL and redirecting the caller to its playlist.
func (h *Handlers) Play(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawURL := q.Get("url")
	if rawURL == "" {
		http.Error(w, "url query parameter is required", http.StatusBadRequest)
		return
	}
	rawURL = urlutil.NormalizeBaseURL(rawURL)
	if !urlutil.IsRemoteURL(rawURL) {
		http.Error(w, "url must be http:// or https://", http.StatusBadRequest)
		return
	}

	key := syntheticChannelKey(rawURL)

	if h.Channels != nil {
		if _, exists := h.Channels.Resolve(key); !exists {
			registrar, ok := h.Channels.(SyntheticRegistrar)
			if ok {
				registrar.RegisterSynthetic(key, Channel{
					Name:         "play:" + rawURL,
					ProviderName: "play",
					Enabled:      true,
					Request: capture.Request{
						Channel:         key,
						URL:             rawURL,
						ProfileOverride: q.Get("profile"),
						ChannelSelector: q.Get("selector"),
						ClickToPlay:     q.Get("clickToPlay") == "true",
						ClickSelector:   q.Get("clickSelector"),
					},
				})
			}
		}
	}

	http.Redirect(w, r, "/hls/"+key+"/stream.m3u8", http.StatusFound)
}

func syntheticChannelKey(rawURL string) string {
	sum := sha1.Sum([]byte(rawURL))
	return "play-" + hex.EncodeToString(sum[:])[:12]
}
