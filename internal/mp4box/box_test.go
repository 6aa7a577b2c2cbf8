package mp4box

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBox returns a minimal well-formed box: size(4) + type(4) + payload.
func buildBox(boxType string, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(8+len(payload)))
	copy(buf[4:8], boxType)
	copy(buf[8:], payload)
	return buf
}

func TestParseAll_SingleBox(t *testing.T) {
	buf := buildBox("ftyp", []byte("isom"))

	boxes, err := ParseAll(buf)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, "ftyp", boxes[0].Type)
	assert.Equal(t, 8, boxes[0].HeaderLen)
	assert.Equal(t, []byte("isom"), boxes[0].Payload())
}

func TestParseAll_MultipleSiblings(t *testing.T) {
	var buf []byte
	buf = append(buf, buildBox("ftyp", []byte("isom"))...)
	buf = append(buf, buildBox("moov", []byte("abc"))...)

	boxes, err := ParseAll(buf)
	require.NoError(t, err)
	require.Len(t, boxes, 2)
	assert.Equal(t, "ftyp", boxes[0].Type)
	assert.Equal(t, "moov", boxes[1].Type)
}

func TestParseAll_AliasesBackingArray(t *testing.T) {
	buf := buildBox("tfdt", []byte{0, 0, 0, 0, 1, 2, 3, 4})

	boxes, err := ParseAll(buf)
	require.NoError(t, err)
	require.Len(t, boxes, 1)

	// Mutating the returned payload must mutate buf itself.
	boxes[0].Payload()[4] = 0xFF
	assert.Equal(t, byte(0xFF), buf[12])
}

func TestParseAll_ExtendedSize(t *testing.T) {
	payload := []byte("hello")
	body := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint32(body[0:4], 1)
	copy(body[4:8], "mdat")
	binary.BigEndian.PutUint64(body[8:16], uint64(16+len(payload)))
	copy(body[16:], payload)

	boxes, err := ParseAll(body)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, "mdat", boxes[0].Type)
	assert.Equal(t, 16, boxes[0].HeaderLen)
	assert.Equal(t, payload, boxes[0].Payload())
}

func TestParseAll_TruncatedHeader(t *testing.T) {
	_, err := ParseAll([]byte{0, 0, 0})
	assert.Error(t, err)
}

func TestParseAll_UnsizedBoxRejected(t *testing.T) {
	buf := make([]byte, 8)
	copy(buf[4:8], "mdat")
	_, err := ParseAll(buf)
	assert.Error(t, err)
}

func TestParseAll_DeclaredSizeExceedsBuffer(t *testing.T) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], 100)
	copy(buf[4:8], "moov")
	_, err := ParseAll(buf)
	assert.Error(t, err)
}

func TestFindChild(t *testing.T) {
	var buf []byte
	buf = append(buf, buildBox("tkhd", []byte("a"))...)
	buf = append(buf, buildBox("mdia", []byte("b"))...)

	box, ok := findChild(buf, "mdia")
	require.True(t, ok)
	assert.Equal(t, []byte("b"), box.Payload())

	_, ok = findChild(buf, "missing")
	assert.False(t, ok)
}

func TestFindChildren(t *testing.T) {
	var buf []byte
	buf = append(buf, buildBox("trak", []byte("1"))...)
	buf = append(buf, buildBox("trak", []byte("2"))...)
	buf = append(buf, buildBox("free", nil)...)

	traks := findChildren(buf, "trak")
	require.Len(t, traks, 2)
	assert.Equal(t, []byte("1"), traks[0].Payload())
	assert.Equal(t, []byte("2"), traks[1].Payload())
}

func TestReader_Next(t *testing.T) {
	var buf []byte
	buf = append(buf, buildBox("ftyp", []byte("isom"))...)
	buf = append(buf, buildBox("moov", []byte("xyz"))...)

	r := NewReader(bytes.NewReader(buf))

	b1, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "ftyp", b1.Type)

	b2, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "moov", b2.Type)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_TruncatedStreamMidBox(t *testing.T) {
	full := buildBox("moof", []byte("0123456789"))
	r := NewReader(bytes.NewReader(full[:10]))
	_, err := r.Next()
	assert.Error(t, err)
}
