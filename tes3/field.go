// Package tes3 implements the flat record/field plugin format used by the
// earlier of the two game engines.
//
// A TES3 plugin is an ordered stream of records; each record is an ordered
// stream of tagged fields. There is no grouping, no form IDs, and no
// compression: the hierarchy of the later format is absent, and records
// are identified by human-readable string IDs carried in their NAME field.
package tes3

import (
	"io"

	"github.com/descawed/tesconvert-sub000/endian"
	"github.com/descawed/tesconvert-sub000/errs"
	"github.com/descawed/tesconvert-sub000/format"
	"github.com/descawed/tesconvert-sub000/internal/fieldval"
)

var engine = endian.GetLittleEndianEngine()

// Tags with fixed meaning at the field level.
var (
	TagHEDR = format.MakeTag("HEDR")
	TagMAST = format.MakeTag("MAST")
	TagDATA = format.MakeTag("DATA")
	TagNAME = format.MakeTag("NAME")
	TagINDX = format.MakeTag("INDX")

	// TagDELE is the deletion sentinel: its presence in a record is
	// folded into the record's deleted flag and it never appears in a
	// decoded field list.
	TagDELE = format.MakeTag("DELE")
)

// fieldHeaderSize is the wire overhead of a field: 4-byte tag plus a
// 32-bit payload length.
const fieldHeaderSize = 8

// Field is a tagged byte payload with typed accessor views. The accessors
// (Uint32, Float32, ZString, ...) come from the shared field value
// implementation; this type adds the TES3 wire encoding.
type Field struct {
	fieldval.Value
}

// NewField constructs a field from a tag and payload. The payload is kept
// by reference.
func NewField(tag format.Tag, data []byte) (*Field, error) {
	v, err := fieldval.New(tag, data)
	if err != nil {
		return nil, err
	}

	return &Field{Value: v}, nil
}

// ReadField decodes one field from r.
//
// Wire layout: tag[4] | len:u32 | payload[len].
func ReadField(r io.Reader) (*Field, error) {
	var hdr [fieldHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errs.IO(err)
	}

	tag := format.TagFromBytes(hdr[:4])
	size := engine.Uint32(hdr[4:])

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errs.IO(err)
	}

	return NewField(tag, data)
}

// readFieldFromRegion decodes one field from the undecoded field region of
// a record, returning the bytes consumed. A field whose declared payload
// runs past the region is the classic corruption mode of these files and
// gets its own error.
func readFieldFromRegion(region []byte) (*Field, int, error) {
	if len(region) < fieldHeaderSize {
		return nil, 0, errs.ErrFieldOverrun
	}

	tag := format.TagFromBytes(region[:4])
	size := int(engine.Uint32(region[4:8]))
	if size > len(region)-fieldHeaderSize {
		return nil, 0, errs.ErrFieldOverrun
	}

	data := make([]byte, size)
	copy(data, region[fieldHeaderSize:fieldHeaderSize+size])

	f, err := NewField(tag, data)
	if err != nil {
		return nil, 0, err
	}

	return f, fieldHeaderSize + size, nil
}

// Write encodes the field to w.
func (f *Field) Write(w io.Writer) error {
	hdr := make([]byte, 0, fieldHeaderSize)
	hdr = append(hdr, f.Tag().Bytes()...)
	hdr = engine.AppendUint32(hdr, uint32(f.Len()))

	if _, err := w.Write(hdr); err != nil {
		return errs.IO(err)
	}
	if _, err := w.Write(f.Bytes()); err != nil {
		return errs.IO(err)
	}

	return nil
}

// Size returns the field's serialized size in bytes.
func (f *Field) Size() int {
	return fieldHeaderSize + f.Len()
}
