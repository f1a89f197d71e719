// Package fieldval implements the format-independent part of a plugin
// field: the tag, the payload bytes, and the typed accessor views shared
// by the TES3 and TES4 field codecs. The per-format packages wrap Value
// with their own wire encoding.
package fieldval

import (
	"math"
	"unicode/utf8"

	"github.com/descawed/tesconvert-sub000/endian"
	"github.com/descawed/tesconvert-sub000/errs"
	"github.com/descawed/tesconvert-sub000/format"
)

var engine = endian.GetLittleEndianEngine()

// MaxPayloadSize is the largest payload either format can represent:
// TES3 uses a 32-bit length prefix, TES4 reaches the same ceiling through
// its extended-length escape.
const MaxPayloadSize = math.MaxUint32

// Value holds a field's tag and payload and tracks whether either has
// been replaced since the value was read. Records consult the modified
// flag to decide whether their verbatim raw bytes are still valid.
//
// A Value is not safe for concurrent mutation; the owning record's lock
// covers it.
type Value struct {
	tag      format.Tag
	data     []byte
	modified bool
}

// New constructs a Value. The payload is kept by reference, not copied.
func New(tag format.Tag, data []byte) (Value, error) {
	if uint64(len(data)) > MaxPayloadSize {
		return Value{}, errs.ErrFieldTooLarge
	}

	return Value{tag: tag, data: data}, nil
}

// Tag returns the field's four-byte tag.
func (v *Value) Tag() format.Tag {
	return v.tag
}

// SetTag replaces the field's tag.
func (v *Value) SetTag(tag format.Tag) {
	v.tag = tag
	v.modified = true
}

// Bytes returns the raw payload. The slice is the field's backing store;
// treat it as read-only and use the setters to mutate.
func (v *Value) Bytes() []byte {
	return v.data
}

// SetBytes replaces the whole payload.
func (v *Value) SetBytes(data []byte) error {
	if uint64(len(data)) > MaxPayloadSize {
		return errs.ErrFieldTooLarge
	}
	v.data = data
	v.modified = true

	return nil
}

// Len returns the payload length in bytes.
func (v *Value) Len() int {
	return len(v.data)
}

// Modified reports whether the tag or payload has been replaced since the
// value was constructed or read.
func (v *Value) Modified() bool {
	return v.modified
}

// Typed getters. Each requires the payload to be exactly the width of the
// requested type; there is no truncation or zero padding.

func (v *Value) Uint8() (uint8, error) {
	if len(v.data) != 1 {
		return 0, errs.ErrFieldWidth
	}

	return v.data[0], nil
}

func (v *Value) Int8() (int8, error) {
	u, err := v.Uint8()
	return int8(u), err
}

func (v *Value) Uint16() (uint16, error) {
	if len(v.data) != 2 {
		return 0, errs.ErrFieldWidth
	}

	return engine.Uint16(v.data), nil
}

func (v *Value) Int16() (int16, error) {
	u, err := v.Uint16()
	return int16(u), err
}

func (v *Value) Uint32() (uint32, error) {
	if len(v.data) != 4 {
		return 0, errs.ErrFieldWidth
	}

	return engine.Uint32(v.data), nil
}

func (v *Value) Int32() (int32, error) {
	u, err := v.Uint32()
	return int32(u), err
}

func (v *Value) Uint64() (uint64, error) {
	if len(v.data) != 8 {
		return 0, errs.ErrFieldWidth
	}

	return engine.Uint64(v.data), nil
}

func (v *Value) Int64() (int64, error) {
	u, err := v.Uint64()
	return int64(u), err
}

func (v *Value) Float32() (float32, error) {
	u, err := v.Uint32()
	if err != nil {
		return 0, err
	}

	return math.Float32frombits(u), nil
}

func (v *Value) Float64() (float64, error) {
	u, err := v.Uint64()
	if err != nil {
		return 0, err
	}

	return math.Float64frombits(u), nil
}

// String interprets the whole payload as UTF-8 text with no terminator
// requirement.
func (v *Value) String() (string, error) {
	if !utf8.Valid(v.data) {
		return "", errs.ErrInvalidString
	}

	return string(v.data), nil
}

// ZString interprets the payload as UTF-8 text followed by exactly one
// trailing NUL. An interior NUL, a missing terminator, or invalid UTF-8
// is a decode error.
func (v *Value) ZString() (string, error) {
	n := len(v.data)
	if n == 0 || v.data[n-1] != 0 {
		return "", errs.ErrStringTerminator
	}
	text := v.data[:n-1]
	for _, b := range text {
		if b == 0 {
			return "", errs.ErrStringTerminator
		}
	}
	if !utf8.Valid(text) {
		return "", errs.ErrInvalidString
	}

	return string(text), nil
}

// Typed setters, mirroring the getters.

func (v *Value) SetUint8(x uint8) {
	v.data = []byte{x}
	v.modified = true
}

func (v *Value) SetInt8(x int8) {
	v.SetUint8(uint8(x))
}

func (v *Value) SetUint16(x uint16) {
	v.data = engine.AppendUint16(nil, x)
	v.modified = true
}

func (v *Value) SetInt16(x int16) {
	v.SetUint16(uint16(x))
}

func (v *Value) SetUint32(x uint32) {
	v.data = engine.AppendUint32(nil, x)
	v.modified = true
}

func (v *Value) SetInt32(x int32) {
	v.SetUint32(uint32(x))
}

func (v *Value) SetUint64(x uint64) {
	v.data = engine.AppendUint64(nil, x)
	v.modified = true
}

func (v *Value) SetInt64(x int64) {
	v.SetUint64(uint64(x))
}

func (v *Value) SetFloat32(x float32) {
	v.SetUint32(math.Float32bits(x))
}

func (v *Value) SetFloat64(x float64) {
	v.SetUint64(math.Float64bits(x))
}

// SetString stores s without a terminator.
func (v *Value) SetString(s string) error {
	if uint64(len(s)) > MaxPayloadSize {
		return errs.ErrFieldTooLarge
	}
	v.data = []byte(s)
	v.modified = true

	return nil
}

// SetZString stores s followed by a single NUL. An interior NUL in s is
// rejected since it could not be read back.
func (v *Value) SetZString(s string) error {
	if uint64(len(s))+1 > MaxPayloadSize {
		return errs.ErrFieldTooLarge
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return errs.ErrStringTerminator
		}
	}
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	v.data = buf
	v.modified = true

	return nil
}
