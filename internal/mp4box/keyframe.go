package mp4box

import "encoding/binary"

// IsFirstSampleSync inspects the first trun of a moof and reports whether its
// first sample is a sync sample, for diagnostics only. It returns
// (true, true) when the sample is clearly a sync sample, (false, true) when
// it is clearly not, and (false, false) when sample_flags cannot be
// determined from the box (indeterminate: the caller should not treat that
// as "not a keyframe").
func IsFirstSampleSync(moof []byte) (isSync bool, determined bool) {
	moofBox, ok := findChild(moof, "moof")
	var payload []byte
	if ok {
		payload = moofBox.Payload()
	} else {
		payload = moof
	}

	traf, ok := findChild(payload, "traf")
	if !ok {
		return false, false
	}

	tfhd, ok := findChild(traf.Payload(), "tfhd")
	if !ok {
		return false, false
	}
	_, defaultFlags, hasDefaultFlags := tfhdSampleFlags(tfhd.Payload())

	trun, ok := findChild(traf.Payload(), "trun")
	if !ok {
		return false, false
	}
	flags, firstSampleFlags, hasFirstSampleFlags := trunFirstSampleFlags(trun.Payload())
	if !hasFirstSampleFlags {
		if !hasDefaultFlags {
			return false, false
		}
		firstSampleFlags = defaultFlags
	}

	if flags&trunSampleFlagsPresent != 0 && !hasFirstSampleFlags {
		// Per-sample flags are present and there is no first-sample-flags
		// override: the first sample's own flags entry takes precedence over
		// the tfhd default, and it is not read here, so the result is
		// indeterminate.
		return false, false
	}

	return sampleFlagsIndicateSync(firstSampleFlags), true
}

// tfhdSampleFlags returns the tfhd's default_sample_flags field, if present.
func tfhdSampleFlags(p []byte) (trackID uint32, flagsField uint32, ok bool) {
	if len(p) < 8 {
		return 0, 0, false
	}
	tfhdFlags := uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
	trackID = binary.BigEndian.Uint32(p[4:8])

	off := 8
	if tfhdFlags&tfhdBaseDataOffsetPresent != 0 {
		off += 8
	}
	if tfhdFlags&tfhdSampleDescriptionIndexPresent != 0 {
		off += 4
	}
	if tfhdFlags&tfhdDefaultSampleDurationPresent != 0 {
		off += 4
	}
	if tfhdFlags&tfhdDefaultSampleFlagsPresent == 0 {
		return trackID, 0, false
	}
	if len(p) < off+4 {
		return trackID, 0, false
	}
	return trackID, binary.BigEndian.Uint32(p[off : off+4]), true
}

// trunFirstSampleFlags returns the trun's first_sample_flags field, if present.
func trunFirstSampleFlags(p []byte) (flags uint32, firstSampleFlags uint32, ok bool) {
	if len(p) < 8 {
		return 0, 0, false
	}
	flags = uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])

	off := 8
	if flags&trunDataOffsetPresent != 0 {
		off += 4
	}
	if flags&trunFirstSampleFlagsPresent == 0 {
		return flags, 0, false
	}
	if len(p) < off+4 {
		return flags, 0, false
	}
	return flags, binary.BigEndian.Uint32(p[off : off+4]), true
}

// sampleFlagsIndicateSync decodes the ISO-BMFF sample_flags bit layout:
//
//	reserved(4) | is_leading(2) | sample_depends_on(2) | sample_is_depended_on(2)
//	| sample_has_redundancy(2) | sample_padding_value(3) | sample_is_non_sync_sample(1)
//	| sample_degradation_priority(16)
//
// A sample is a sync sample iff it is not marked non-sync and does not
// depend on another sample (sample_depends_on != 2).
func sampleFlagsIndicateSync(flags uint32) bool {
	isNonSync := (flags>>16)&0x1 == 1
	dependsOn := (flags >> 24) & 0x3
	return !isNonSync && dependsOn != 2
}
