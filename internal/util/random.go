package util

import (
	"crypto/rand"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomAlphanumeric returns a lowercase alphanumeric string of length n,
// suitable for the human stream identifier registry.NewIDStr builds
// (`<prefix>-<6 alphanumeric>`).
func RandomAlphanumeric(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on a real system does not fail; fall back to a
		// fixed pattern rather than panicking in a hot path.
		for i := range buf {
			buf[i] = alphanumeric[i%len(alphanumeric)]
		}
		return string(buf)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return string(out)
}
