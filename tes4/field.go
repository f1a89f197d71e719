package tes4

import (
	"io"
	"math"

	"github.com/descawed/tesconvert-sub000/endian"
	"github.com/descawed/tesconvert-sub000/errs"
	"github.com/descawed/tesconvert-sub000/format"
	"github.com/descawed/tesconvert-sub000/internal/fieldval"
)

var engine = endian.GetLittleEndianEngine()

// Field-level tags with fixed meaning.
var (
	TagHEDR = format.MakeTag("HEDR")
	TagCNAM = format.MakeTag("CNAM")
	TagSNAM = format.MakeTag("SNAM")
	TagMAST = format.MakeTag("MAST")
	TagDATA = format.MakeTag("DATA")
	TagEDID = format.MakeTag("EDID")
	TagDELE = format.MakeTag("DELE")

	// TagXXXX is the extended-length escape. A field whose payload
	// exceeds the 16-bit length prefix is preceded by an XXXX field
	// carrying the true 32-bit length.
	TagXXXX = format.MakeTag("XXXX")
)

const (
	// fieldHeaderSize is the normal wire overhead: tag plus 16-bit length.
	fieldHeaderSize = 6

	// longFieldOverhead is the extra cost of the XXXX escape: its own
	// 6-byte header plus the 4-byte true length.
	longFieldOverhead = 10

	// maxShortFieldLen is the largest payload the native length prefix
	// can express.
	maxShortFieldLen = math.MaxUint16
)

// Field is a tagged byte payload with typed accessor views. Payloads over
// 65,535 bytes are transparent to callers; the wire codec applies the
// extended-length escape on write and undoes it on read.
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
// Wire layout, normal: tag[4] | len:u16 | payload[len].
// Extended: "XXXX" | 4:u16 | len:u32 | tag[4] | 0:u16 | payload[len].
func ReadField(r io.Reader) (*Field, error) {
	var hdr [fieldHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errs.IO(err)
	}

	tag := format.TagFromBytes(hdr[:4])
	size := uint32(engine.Uint16(hdr[4:6]))

	if tag == TagXXXX {
		// The escape field's payload is the true 32-bit length; the real
		// field follows with a nominal length of zero that is ignored.
		if size != 4 {
			return nil, errs.ErrFieldOverrun
		}
		var ext [4 + fieldHeaderSize]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, errs.IO(err)
		}
		size = engine.Uint32(ext[:4])
		tag = format.TagFromBytes(ext[4:8])
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errs.IO(err)
	}

	return NewField(tag, data)
}

// readFieldFromRegion decodes one field from a record's field region,
// returning the bytes consumed.
func readFieldFromRegion(region []byte) (*Field, int, error) {
	if len(region) < fieldHeaderSize {
		return nil, 0, errs.ErrFieldOverrun
	}

	tag := format.TagFromBytes(region[:4])
	size := int(engine.Uint16(region[4:6]))
	consumed := fieldHeaderSize

	if tag == TagXXXX {
		if size != 4 || len(region) < fieldHeaderSize+4+fieldHeaderSize {
			return nil, 0, errs.ErrFieldOverrun
		}
		size = int(engine.Uint32(region[6:10]))
		tag = format.TagFromBytes(region[10:14])
		consumed += 4 + fieldHeaderSize
	}

	if size > len(region)-consumed {
		return nil, 0, errs.ErrFieldOverrun
	}
	data := make([]byte, size)
	copy(data, region[consumed:consumed+size])
	consumed += size

	f, err := NewField(tag, data)
	if err != nil {
		return nil, 0, err
	}

	return f, consumed, nil
}

// Write encodes the field to w, applying the extended-length escape when
// the payload exceeds the 16-bit prefix.
func (f *Field) Write(w io.Writer) error {
	size := f.Len()
	hdr := make([]byte, 0, fieldHeaderSize+longFieldOverhead)

	if size > maxShortFieldLen {
		hdr = append(hdr, TagXXXX.Bytes()...)
		hdr = engine.AppendUint16(hdr, 4)
		hdr = engine.AppendUint32(hdr, uint32(size))
		hdr = append(hdr, f.Tag().Bytes()...)
		hdr = engine.AppendUint16(hdr, 0)
	} else {
		hdr = append(hdr, f.Tag().Bytes()...)
		hdr = engine.AppendUint16(hdr, uint16(size))
	}

	if _, err := w.Write(hdr); err != nil {
		return errs.IO(err)
	}
	if _, err := w.Write(f.Bytes()); err != nil {
		return errs.IO(err)
	}

	return nil
}

// Size returns the field's serialized size, including the escape overhead
// for long payloads.
func (f *Field) Size() int {
	size := fieldHeaderSize + f.Len()
	if f.Len() > maxShortFieldLen {
		size += longFieldOverhead
	}

	return size
}
