package mp4box

import (
	"encoding/binary"
	"fmt"
)

// ExtractTimescales walks a moov box and returns, for every track, the
// timescale declared in its mdia/mdhd. A track whose tkhd or mdhd cannot be
// parsed is simply omitted rather than failing the whole extraction: callers
// treat a short or empty result as "use wall-clock fallback".
func ExtractTimescales(moov []byte) map[uint32]uint32 {
	out := make(map[uint32]uint32)

	moovBox, ok := findChild(moov, "moov")
	var payload []byte
	if ok {
		payload = moovBox.Payload()
	} else {
		// Caller may have already stripped the moov header and passed the
		// payload directly; ParseAll on it will simply find no "moov" child,
		// so fall back to treating the input itself as the box stream.
		payload = moov
	}

	for _, trak := range findChildren(payload, "trak") {
		trackID, tkErr := trackIDFromTkhd(trak.Payload())
		if tkErr != nil {
			continue
		}
		timescale, mdErr := timescaleFromMdia(trak.Payload())
		if mdErr != nil {
			continue
		}
		out[trackID] = timescale
	}

	return out
}

func trackIDFromTkhd(trakPayload []byte) (uint32, error) {
	tkhd, ok := findChild(trakPayload, "tkhd")
	if !ok {
		return 0, fmt.Errorf("mp4box: trak has no tkhd")
	}
	p := tkhd.Payload()
	if len(p) < 4 {
		return 0, fmt.Errorf("mp4box: tkhd too short")
	}
	version := p[0]
	var off int
	if version == 1 {
		// version(1) + flags(3) + creation_time(8) + modification_time(8)
		off = 4 + 8 + 8
	} else {
		// version(1) + flags(3) + creation_time(4) + modification_time(4)
		off = 4 + 4 + 4
	}
	if len(p) < off+4 {
		return 0, fmt.Errorf("mp4box: tkhd truncated before track_ID")
	}
	return binary.BigEndian.Uint32(p[off : off+4]), nil
}

func timescaleFromMdia(trakPayload []byte) (uint32, error) {
	mdia, ok := findChild(trakPayload, "mdia")
	if !ok {
		return 0, fmt.Errorf("mp4box: trak has no mdia")
	}
	mdhd, ok := findChild(mdia.Payload(), "mdhd")
	if !ok {
		return 0, fmt.Errorf("mp4box: mdia has no mdhd")
	}
	p := mdhd.Payload()
	if len(p) < 4 {
		return 0, fmt.Errorf("mp4box: mdhd too short")
	}
	version := p[0]
	var off int
	if version == 1 {
		// version(1) + flags(3) + creation_time(8) + modification_time(8)
		off = 4 + 8 + 8
	} else {
		// version(1) + flags(3) + creation_time(4) + modification_time(4)
		off = 4 + 4 + 4
	}
	if len(p) < off+4 {
		return 0, fmt.Errorf("mp4box: mdhd truncated before timescale")
	}
	return binary.BigEndian.Uint32(p[off : off+4]), nil
}
