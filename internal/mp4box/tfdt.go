package mp4box

import (
	"encoding/binary"
	"fmt"
)

const (
	tfhdBaseDataOffsetPresent         = 0x000001
	tfhdSampleDescriptionIndexPresent = 0x000002
	tfhdDefaultSampleDurationPresent  = 0x000008
	tfhdDefaultSampleSizePresent      = 0x000010
	tfhdDefaultSampleFlagsPresent     = 0x000020

	trunDataOffsetPresent                  = 0x000001
	trunFirstSampleFlagsPresent            = 0x000004
	trunSampleDurationPresent              = 0x000100
	trunSampleSizePresent                  = 0x000200
	trunSampleFlagsPresent                 = 0x000400
	trunSampleCompositionTimeOffsetPresent = 0x000800
)

// TrafResult reports what was found (and rewritten) in one traf of a moof.
type TrafResult struct {
	TrackID      uint32
	OriginalTfdt uint64
	// Duration is the sum of this traf's trun sample durations, in the
	// track's own timescale; samples without a per-sample duration count the
	// tfhd default_sample_duration. It is 0 if the traf has no trun, or if
	// neither source supplies a duration (the segmenter then falls back to
	// wall-clock EXTINF).
	Duration uint64
}

// RewriteTfdt rewrites every traf.tfdt.baseMediaDecodeTime in moof to
// original + offsets[trackID], mutating moof in place, and returns the
// original (pre-rewrite) values plus each traf's accumulated trun duration.
// A track missing from offsets is treated as offset 0 (left unchanged).
// Malformed individual trafs are skipped (and counted by the caller as
// malformed-moof events); a completely malformed moof returns an error.
func RewriteTfdt(moof []byte, offsets map[uint32]int64) ([]TrafResult, error) {
	moofBox, ok := findChild(moof, "moof")
	var payload []byte
	if ok {
		payload = moofBox.Payload()
	} else {
		payload = moof
	}

	trafs := findChildren(payload, "traf")
	if len(trafs) == 0 {
		return nil, fmt.Errorf("mp4box: moof has no traf boxes")
	}

	var results []TrafResult
	for _, traf := range trafs {
		res, err := rewriteOneTraf(traf.Payload(), offsets)
		if err != nil {
			continue
		}
		results = append(results, res)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("mp4box: no traf in moof could be parsed")
	}
	return results, nil
}

func rewriteOneTraf(trafPayload []byte, offsets map[uint32]int64) (TrafResult, error) {
	tfhd, ok := findChild(trafPayload, "tfhd")
	if !ok {
		return TrafResult{}, fmt.Errorf("mp4box: traf has no tfhd")
	}
	trackID, defaultDuration, err := parseTfhd(tfhd.Payload())
	if err != nil {
		return TrafResult{}, err
	}

	tfdt, ok := findChild(trafPayload, "tfdt")
	if !ok {
		return TrafResult{}, fmt.Errorf("mp4box: traf has no tfdt")
	}
	original, err := readTfdtValue(tfdt.Payload())
	if err != nil {
		return TrafResult{}, err
	}

	offset := offsets[trackID]
	if offset != 0 {
		if err := writeTfdtValue(tfdt.Payload(), uint64(int64(original)+offset)); err != nil {
			return TrafResult{}, err
		}
	}

	var duration uint64
	if trun, ok := findChild(trafPayload, "trun"); ok {
		duration = sumTrunDurations(trun.Payload(), defaultDuration)
	}

	return TrafResult{TrackID: trackID, OriginalTfdt: original, Duration: duration}, nil
}

// parseTfhd returns the track_ID and, if present, the default sample
// duration declared in the tfhd (used when trun entries omit per-sample
// durations).
func parseTfhd(p []byte) (trackID uint32, defaultDuration uint32, err error) {
	if len(p) < 8 {
		return 0, 0, fmt.Errorf("mp4box: tfhd too short")
	}
	flags := uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
	trackID = binary.BigEndian.Uint32(p[4:8])

	off := 8
	if flags&tfhdBaseDataOffsetPresent != 0 {
		off += 8
	}
	if flags&tfhdSampleDescriptionIndexPresent != 0 {
		off += 4
	}
	if flags&tfhdDefaultSampleDurationPresent != 0 {
		if len(p) < off+4 {
			return trackID, 0, fmt.Errorf("mp4box: tfhd truncated at default_sample_duration")
		}
		defaultDuration = binary.BigEndian.Uint32(p[off : off+4])
	}
	return trackID, defaultDuration, nil
}

func readTfdtValue(p []byte) (uint64, error) {
	if len(p) < 4 {
		return 0, fmt.Errorf("mp4box: tfdt too short")
	}
	version := p[0]
	if version == 1 {
		if len(p) < 12 {
			return 0, fmt.Errorf("mp4box: tfdt v1 too short")
		}
		return binary.BigEndian.Uint64(p[4:12]), nil
	}
	if len(p) < 8 {
		return 0, fmt.Errorf("mp4box: tfdt v0 too short")
	}
	return uint64(binary.BigEndian.Uint32(p[4:8])), nil
}

func writeTfdtValue(p []byte, value uint64) error {
	version := p[0]
	if version == 1 {
		binary.BigEndian.PutUint64(p[4:12], value)
		return nil
	}
	if value > 0xFFFFFFFF {
		return fmt.Errorf("mp4box: tfdt v0 overflow, value %d needs 64-bit tfdt", value)
	}
	binary.BigEndian.PutUint32(p[4:8], uint32(value))
	return nil
}

// sumTrunDurations adds up every sample's duration in a trun box, falling
// back to defaultDuration (from tfhd) for entries that omit it.
func sumTrunDurations(p []byte, defaultDuration uint32) uint64 {
	if len(p) < 8 {
		return 0
	}
	flags := uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
	sampleCount := binary.BigEndian.Uint32(p[4:8])

	off := 8
	if flags&trunDataOffsetPresent != 0 {
		off += 4
	}
	if flags&trunFirstSampleFlagsPresent != 0 {
		off += 4
	}

	hasDuration := flags&trunSampleDurationPresent != 0
	hasSize := flags&trunSampleSizePresent != 0
	hasFlags := flags&trunSampleFlagsPresent != 0
	hasCTO := flags&trunSampleCompositionTimeOffsetPresent != 0

	var total uint64
	for i := uint32(0); i < sampleCount; i++ {
		if hasDuration {
			if len(p) < off+4 {
				break
			}
			total += uint64(binary.BigEndian.Uint32(p[off : off+4]))
			off += 4
		} else {
			total += uint64(defaultDuration)
		}
		if hasSize {
			off += 4
		}
		if hasFlags {
			off += 4
		}
		if hasCTO {
			off += 4
		}
	}
	return total
}
