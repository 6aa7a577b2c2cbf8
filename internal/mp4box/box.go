// Package mp4box provides an incremental ISO-BMFF box parser tuned to the
// subset of fragmented MP4 structure the segmenter needs: top-level box
// framing, moov timescale extraction, and in-place moof/tfdt rewriting.
//
// It deliberately works on raw bytes rather than decoding boxes into Go
// structs: the segmenter must pass unknown sibling boxes through byte-for-byte
// and patch only the tfdt value inside a traf, so parsing stays at the layer
// of box headers and the few fields it actually needs.
package mp4box

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Box is one top-level ISO-BMFF box as read from a capture byte stream.
type Box struct {
	// Type is the four-character box type, e.g. "ftyp", "moov", "moof", "mdat".
	Type string
	// Raw is the complete box including its header, unmodified.
	Raw []byte
	// HeaderLen is the number of leading bytes in Raw occupied by the box header.
	HeaderLen int
}

// Payload returns the box body, excluding the size/type header.
func (b Box) Payload() []byte {
	return b.Raw[b.HeaderLen:]
}

const (
	minHeaderLen    = 8  // size(4) + type(4)
	extendedHdrLen  = 16 // size(4) + type(4) + largesize(8)
	maxSaneBoxBytes = 256 * 1024 * 1024
)

// Reader incrementally pulls top-level boxes off a byte stream, such as the
// raw capture from a browser tab's media recorder.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for incremental box reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next blocks until one complete top-level box is available and returns it.
// It returns io.EOF when the underlying stream ends between boxes or partway
// through a box header.
func (d *Reader) Next() (Box, error) {
	return readBox(d.r)
}

// ParseAll splits a fully-buffered byte slice (e.g. a moov box's payload, or
// a standalone ftyp+moov init segment) into its immediate child boxes. Unlike
// the streaming Reader, it slices buf directly rather than copying, so
// mutating a returned Box's Raw (or a nested child's) mutates buf itself.
func ParseAll(buf []byte) ([]Box, error) {
	var boxes []Box
	pos := 0
	for pos < len(buf) {
		remaining := buf[pos:]
		if len(remaining) < minHeaderLen {
			return boxes, fmt.Errorf("mp4box: %d trailing bytes too short for a box header", len(remaining))
		}

		size32 := binary.BigEndian.Uint32(remaining[0:4])
		boxType := string(remaining[4:8])

		var (
			headerLen int
			total     int
		)
		switch size32 {
		case 0:
			return boxes, fmt.Errorf("mp4box: unsized box %q not supported", boxType)
		case 1:
			if len(remaining) < extendedHdrLen {
				return boxes, fmt.Errorf("mp4box: truncated extended header for %q", boxType)
			}
			large := binary.BigEndian.Uint64(remaining[8:16])
			if large < extendedHdrLen {
				return boxes, fmt.Errorf("mp4box: invalid extended size %d for %q", large, boxType)
			}
			headerLen = extendedHdrLen
			total = int(large)
		default:
			if size32 < minHeaderLen {
				return boxes, fmt.Errorf("mp4box: invalid box size %d for %q", size32, boxType)
			}
			headerLen = minHeaderLen
			total = int(size32)
		}

		if total > len(remaining) {
			return boxes, fmt.Errorf("mp4box: box %q declares size %d but only %d bytes remain", boxType, total, len(remaining))
		}

		boxes = append(boxes, Box{Type: boxType, Raw: remaining[:total], HeaderLen: headerLen})
		pos += total
	}
	return boxes, nil
}

func readBox(r *bufio.Reader) (Box, error) {
	header := make([]byte, minHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Box{}, io.EOF
		}
		return Box{}, err
	}

	size32 := binary.BigEndian.Uint32(header[0:4])
	boxType := string(header[4:8])

	var (
		headerLen int
		bodyLen   int64
	)

	switch size32 {
	case 0:
		return Box{}, fmt.Errorf("mp4box: unsized box %q not supported on a live stream", boxType)
	case 1:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(r, ext); err != nil {
			return Box{}, fmt.Errorf("mp4box: reading extended size for %q: %w", boxType, err)
		}
		large := binary.BigEndian.Uint64(ext)
		if large < extendedHdrLen {
			return Box{}, fmt.Errorf("mp4box: invalid extended size %d for %q", large, boxType)
		}
		headerLen = extendedHdrLen
		bodyLen = int64(large) - extendedHdrLen
		header = append(header, ext...)
	default:
		if size32 < minHeaderLen {
			return Box{}, fmt.Errorf("mp4box: invalid box size %d for %q", size32, boxType)
		}
		headerLen = minHeaderLen
		bodyLen = int64(size32) - minHeaderLen
	}

	if bodyLen < 0 || bodyLen > maxSaneBoxBytes {
		return Box{}, fmt.Errorf("mp4box: refusing to read %q body of %d bytes", boxType, bodyLen)
	}

	raw := make([]byte, headerLen+int(bodyLen))
	copy(raw, header)
	if _, err := io.ReadFull(r, raw[headerLen:]); err != nil {
		return Box{}, fmt.Errorf("mp4box: reading %q body: %w", boxType, err)
	}

	return Box{Type: boxType, Raw: raw, HeaderLen: headerLen}, nil
}

// findChild returns the first immediate child box of the given type inside
// payload, by re-parsing payload as a sequence of boxes.
func findChild(payload []byte, boxType string) (Box, bool) {
	boxes, err := ParseAll(payload)
	if err != nil {
		return Box{}, false
	}
	for _, b := range boxes {
		if b.Type == boxType {
			return b, true
		}
	}
	return Box{}, false
}

// findChildren returns all immediate children of payload matching boxType.
func findChildren(payload []byte, boxType string) []Box {
	boxes, err := ParseAll(payload)
	if err != nil {
		return nil
	}
	var out []Box
	for _, b := range boxes {
		if b.Type == boxType {
			out = append(out, b)
		}
	}
	return out
}
