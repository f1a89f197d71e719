package fieldval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descawed/tesconvert-sub000/errs"
	"github.com/descawed/tesconvert-sub000/format"
)

func newValue(t *testing.T, tag string, data []byte) Value {
	t.Helper()

	v, err := New(format.MakeTag(tag), data)
	require.NoError(t, err)

	return v
}

func TestExactWidthGetters(t *testing.T) {
	v := newValue(t, "DATA", []byte{0x01, 0x02, 0x03, 0x04})

	u32, err := v.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), u32, "payload is little-endian")

	i32, err := v.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(0x04030201), i32)

	// Every other width must fail on a 4-byte payload.
	_, err = v.Uint8()
	assert.ErrorIs(t, err, errs.ErrFieldWidth)
	_, err = v.Uint16()
	assert.ErrorIs(t, err, errs.ErrFieldWidth)
	_, err = v.Uint64()
	assert.ErrorIs(t, err, errs.ErrFieldWidth)
	_, err = v.Float64()
	assert.ErrorIs(t, err, errs.ErrFieldWidth)

	// Width errors classify as decode errors.
	_, err = v.Uint8()
	assert.ErrorIs(t, err, errs.ErrDecode)
}

func TestFloatRoundTrip(t *testing.T) {
	var v Value

	v.SetFloat32(1.3)
	f32, err := v.Float32()
	require.NoError(t, err)
	assert.Equal(t, float32(1.3), f32, "float bits must survive exactly")

	v.SetFloat64(-0.25)
	f64, err := v.Float64()
	require.NoError(t, err)
	assert.Equal(t, -0.25, f64)
}

func TestIntegerSettersRoundTrip(t *testing.T) {
	var v Value

	v.SetUint8(0xfe)
	u8, err := v.Uint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xfe), u8)

	v.SetInt16(-2)
	i16, err := v.Int16()
	require.NoError(t, err)
	assert.Equal(t, int16(-2), i16)

	v.SetUint32(0x01000123)
	u32, err := v.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01000123), u32)

	v.SetInt64(-5000000000)
	i64, err := v.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(-5000000000), i64)
}

func TestZString(t *testing.T) {
	v := newValue(t, "NAME", []byte("GameHour\x00"))

	s, err := v.ZString()
	require.NoError(t, err)
	assert.Equal(t, "GameHour", s)

	// The non-terminated accessor accepts any UTF-8 span.
	s, err = v.String()
	require.NoError(t, err)
	assert.Equal(t, "GameHour\x00", s)
}

func TestZStringRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"missing terminator", []byte("GameHour")},
		{"empty payload", []byte{}},
		{"interior nul", []byte("Game\x00Hour\x00")},
		{"invalid utf-8", []byte{0xff, 0xfe, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newValue(t, "NAME", tt.data)
			_, err := v.ZString()
			assert.ErrorIs(t, err, errs.ErrDecode)
		})
	}
}

func TestSetZString(t *testing.T) {
	var v Value

	require.NoError(t, v.SetZString("Balmora"))
	assert.Equal(t, []byte("Balmora\x00"), v.Bytes())

	err := v.SetZString("Bal\x00mora")
	assert.ErrorIs(t, err, errs.ErrStringTerminator)
}

func TestModifiedTracking(t *testing.T) {
	v := newValue(t, "FLTV", []byte{0, 0, 0, 0})
	assert.False(t, v.Modified())

	v.SetFloat32(12.0)
	assert.True(t, v.Modified())

	v2 := newValue(t, "FLTV", []byte{0, 0, 0, 0})
	require.NoError(t, v2.SetBytes([]byte{1}))
	assert.True(t, v2.Modified())

	v3 := newValue(t, "FLTV", nil)
	v3.SetTag(format.MakeTag("INTV"))
	assert.True(t, v3.Modified())
}
