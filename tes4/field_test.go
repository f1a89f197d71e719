package tes4

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descawed/tesconvert-sub000/errs"
	"github.com/descawed/tesconvert-sub000/format"
)

// encodeField builds a normal wire-format field for fixtures. Callers
// needing the extended-length escape build it by hand.
func encodeField(tag string, payload []byte) []byte {
	buf := []byte(tag)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))

	return append(buf, payload...)
}

func encodeLongField(tag string, payload []byte) []byte {
	buf := []byte("XXXX")
	buf = binary.LittleEndian.AppendUint16(buf, 4)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, tag...)
	buf = binary.LittleEndian.AppendUint16(buf, 0)

	return append(buf, payload...)
}

func TestFieldRoundTrip(t *testing.T) {
	f, err := NewField(TagEDID, []byte("SE01DoorKey\x00"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	assert.Equal(t, f.Size(), buf.Len())
	assert.Equal(t, encodeField("EDID", []byte("SE01DoorKey\x00")), buf.Bytes())

	back, err := ReadField(&buf)
	require.NoError(t, err)
	assert.Equal(t, f.Tag(), back.Tag())

	s, err := back.ZString()
	require.NoError(t, err)
	assert.Equal(t, "SE01DoorKey", s)
}

func TestLongFieldEscape(t *testing.T) {
	// 70,000 bytes does not fit the 16-bit length prefix.
	payload := bytes.Repeat([]byte{0xAB}, 70_000)
	f, err := NewField(format.MakeTag("PGRD"), payload)
	require.NoError(t, err)

	assert.Equal(t, fieldHeaderSize+longFieldOverhead+len(payload), f.Size())

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	assert.Equal(t, encodeLongField("PGRD", payload), buf.Bytes())

	back, err := ReadField(&buf)
	require.NoError(t, err)
	assert.Equal(t, format.MakeTag("PGRD"), back.Tag())
	assert.Equal(t, payload, back.Bytes(), "escape must be invisible to callers")
}

func TestLongFieldBoundary(t *testing.T) {
	// Exactly 65,535 bytes still fits the native prefix.
	f, err := NewField(TagDATA, make([]byte, maxShortFieldLen))
	require.NoError(t, err)
	assert.Equal(t, fieldHeaderSize+maxShortFieldLen, f.Size())

	// One more byte forces the escape.
	g, err := NewField(TagDATA, make([]byte, maxShortFieldLen+1))
	require.NoError(t, err)
	assert.Equal(t, fieldHeaderSize+longFieldOverhead+maxShortFieldLen+1, g.Size())
}

func TestReadFieldBadEscape(t *testing.T) {
	// An XXXX field whose own payload is not exactly 4 bytes is corrupt.
	wire := encodeField("XXXX", []byte{1, 2})

	_, err := ReadField(bytes.NewReader(wire))
	assert.ErrorIs(t, err, errs.ErrFieldOverrun)
}

func TestReadFieldFromRegionLong(t *testing.T) {
	payload := bytes.Repeat([]byte{7}, 70_000)
	region := append(encodeLongField("DATA", payload), encodeField("EDID", []byte("x\x00"))...)

	f, n, err := readFieldFromRegion(region)
	require.NoError(t, err)
	assert.Equal(t, TagDATA, f.Tag())
	assert.Equal(t, fieldHeaderSize+longFieldOverhead+len(payload), n)

	f, _, err = readFieldFromRegion(region[n:])
	require.NoError(t, err)
	assert.Equal(t, TagEDID, f.Tag())
}

func TestReadFieldFromRegionOverrun(t *testing.T) {
	region := []byte("DATA")
	region = binary.LittleEndian.AppendUint16(region, 50)
	region = append(region, 1, 2, 3)

	_, _, err := readFieldFromRegion(region)
	assert.ErrorIs(t, err, errs.ErrFieldOverrun)
}
