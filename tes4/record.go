package tes4

import (
	"fmt"
	"io"
	"sync"

	"github.com/descawed/tesconvert-sub000/compress"
	"github.com/descawed/tesconvert-sub000/errs"
	"github.com/descawed/tesconvert-sub000/format"
	"github.com/descawed/tesconvert-sub000/internal/pool"
)

// Record-level tags referenced by the codec itself.
var (
	TagTES4 = format.MakeTag("TES4")
	TagGRUP = format.MakeTag("GRUP")
	TagGMST = format.MakeTag("GMST")
	TagMGEF = format.MakeTag("MGEF")
	TagCELL = format.MakeTag("CELL")
	TagWRLD = format.MakeTag("WRLD")
	TagDIAL = format.MakeTag("DIAL")
)

// Record flags. As in the older format, bit 0x400 is overloaded:
// "persistent reference" on placed objects, "quest item" on items.
const (
	FlagMaster            uint32 = 0x00000001
	FlagDeleted           uint32 = 0x00000020
	FlagPersistent        uint32 = 0x00000400
	FlagQuestItem         uint32 = 0x00000400
	FlagInitiallyDisabled uint32 = 0x00000800
	FlagIgnored           uint32 = 0x00001000
	FlagVisibleDistant    uint32 = 0x00008000
	FlagCompressed        uint32 = 0x00040000
)

// recordHeaderSize is the wire overhead of a record: tag, 32-bit data
// size, flags, form ID, and the version-control stamp.
const recordHeaderSize = 20

type decodeState uint8

const (
	stateRaw decodeState = iota
	stateDecoded
	stateFailed
)

// Record is a tagged, flagged, form-ID-addressed collection of fields,
// decoded lazily exactly like its TES3 counterpart. It additionally
// carries a version-control stamp, optional child groups (a cell's
// contents travel in a group owned by the CELL record, not by the
// enclosing block), and optional zlib compression of the field region.
type Record struct {
	mu sync.RWMutex

	tag    format.Tag
	flags  uint32
	formID FormID
	stamp  uint32

	state     decodeState
	decodeErr error
	modified  bool

	// raw is the field region exactly as stored: the zlib stream for a
	// compressed record, plain field bytes otherwise. Retained for
	// verbatim write until the record is mutated.
	raw        []byte
	uncompSize uint32
	fields     []*Field

	childGroups []*Group
}

// NewRecord constructs an empty, fully-decoded record.
func NewRecord(tag format.Tag, formID FormID) *Record {
	return &Record{tag: tag, formID: formID, state: stateDecoded}
}

// ReadRecord reads one record from r, capturing its field region without
// decoding (or decompressing) it.
//
// Wire layout, uncompressed:
//
//	tag[4] | size:u32 | flags:u32 | form_id:u32 | stamp:u32 | payload[size]
//
// Compressed records replace the payload with the engine's embedded
// uncompressed-size dword followed by a zlib stream of size bytes.
func ReadRecord(r io.Reader) (*Record, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errs.IO(err)
	}

	rec := &Record{
		tag:    format.TagFromBytes(hdr[:4]),
		flags:  engine.Uint32(hdr[8:12]),
		formID: FormID(engine.Uint32(hdr[12:16])),
		stamp:  engine.Uint32(hdr[16:20]),
		state:  stateRaw,
	}
	if rec.tag == TagGRUP {
		return nil, fmt.Errorf("%w: GRUP where a record was expected", errs.ErrDecode)
	}

	size := engine.Uint32(hdr[4:8])
	if rec.flags&FlagCompressed != 0 {
		var uncomp [4]byte
		if _, err := io.ReadFull(r, uncomp[:]); err != nil {
			return nil, errs.IO(err)
		}
		rec.uncompSize = engine.Uint32(uncomp[:])
	}
	rec.raw = make([]byte, size)
	if _, err := io.ReadFull(r, rec.raw); err != nil {
		return nil, errs.IO(err)
	}

	return rec, nil
}

// Tag returns the record's type tag.
func (r *Record) Tag() format.Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tag
}

// FormID returns the record's form ID.
func (r *Record) FormID() FormID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.formID
}

// SetFormID replaces the record's form ID.
func (r *Record) SetFormID(id FormID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.formID = id
}

// Stamp returns the opaque version-control stamp.
func (r *Record) Stamp() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.stamp
}

// SetStamp replaces the version-control stamp.
func (r *Record) SetStamp(stamp uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stamp = stamp
}

// Flags returns the raw flag bits.
func (r *Record) Flags() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.flags
}

// SetFlags replaces the raw flag bits. Toggling FlagCompressed this way
// re-encodes the field region on the next write.
func (r *Record) SetFlags(flags uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if flags&FlagCompressed != r.flags&FlagCompressed {
		// The on-disk region no longer matches the flag; force a
		// rebuild from decoded fields.
		if err := r.ensureDecodedLocked(); err != nil {
			return err
		}
		r.markModifiedLocked()
	}
	r.flags = flags

	return nil
}

// Deleted reports the deletion flag.
func (r *Record) Deleted() bool {
	return r.Flags()&FlagDeleted != 0
}

// SetDeleted sets or clears the deletion flag.
func (r *Record) SetDeleted(deleted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if deleted {
		r.flags |= FlagDeleted
	} else {
		r.flags &^= FlagDeleted
	}
}

// Compressed reports whether the field region is stored compressed.
func (r *Record) Compressed() bool {
	return r.Flags()&FlagCompressed != 0
}

// SetCompressed toggles compression of the field region on disk.
func (r *Record) SetCompressed(compressed bool) error {
	flags := r.Flags()
	if compressed {
		flags |= FlagCompressed
	} else {
		flags &^= FlagCompressed
	}

	return r.SetFlags(flags)
}

// Persistent reports flag bit 0x400 read as "persistent reference".
func (r *Record) Persistent() bool {
	return r.Flags()&FlagPersistent != 0
}

// QuestItem reports flag bit 0x400 read as "quest item".
func (r *Record) QuestItem() bool {
	return r.Flags()&FlagQuestItem != 0
}

// ChildGroups returns the groups logically owned by this record: a CELL's
// cell-children group, a WRLD's world-children group, a DIAL's topic
// children. On the wire they follow the record as siblings.
func (r *Record) ChildGroups() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.childGroups
}

// AddChildGroup attaches a group to this record.
func (r *Record) AddChildGroup(g *Group) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.childGroups = append(r.childGroups, g)
}

// Fields forces the decode if necessary and returns the record's ordered
// field list.
func (r *Record) Fields() ([]*Field, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureDecodedLocked(); err != nil {
		return nil, err
	}

	return r.fields, nil
}

// Field returns the first field carrying tag, or nil.
func (r *Record) Field(tag format.Tag) (*Field, error) {
	fields, err := r.Fields()
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		if f.Tag() == tag {
			return f, nil
		}
	}

	return nil, nil
}

// EditorID returns the record's EDID string, or "" if it has none.
func (r *Record) EditorID() (string, error) {
	f, err := r.Field(TagEDID)
	if err != nil || f == nil {
		return "", err
	}

	return f.ZString()
}

// AddField appends a field, forcing the decode first. A DELE field is
// folded into the deletion flag rather than stored.
func (r *Record) AddField(f *Field) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureDecodedLocked(); err != nil {
		return err
	}
	r.markModifiedLocked()
	if f.Tag() == TagDELE {
		r.flags |= FlagDeleted
		return nil
	}
	r.fields = append(r.fields, f)

	return nil
}

// ClearFields removes every field.
func (r *Record) ClearFields() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureDecodedLocked(); err != nil {
		return err
	}
	r.fields = nil
	r.markModifiedLocked()

	return nil
}

func (r *Record) markModifiedLocked() {
	r.modified = true
	r.raw = nil
}

func (r *Record) modifiedLocked() bool {
	if r.modified {
		return true
	}
	for _, f := range r.fields {
		if f.Modified() {
			return true
		}
	}

	return false
}

// ensureDecodedLocked transitions Raw to Decoded, decompressing the field
// region first when the record is compressed. Failure is terminal.
func (r *Record) ensureDecodedLocked() error {
	switch r.state {
	case stateDecoded:
		return nil
	case stateFailed:
		return fmt.Errorf("%w: %s record %s: %v", errs.ErrRecordFailed, r.tag, r.formID, r.decodeErr)
	}

	fail := func(err error) error {
		r.state = stateFailed
		r.decodeErr = err
		return fmt.Errorf("decode %s record %s: %w", r.tag, r.formID, err)
	}

	codec, err := compress.GetCodec(r.codecTypeLocked())
	if err != nil {
		return fail(err)
	}
	region, err := codec.Decompress(r.raw)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", errs.ErrCompression, err))
	}
	if r.flags&FlagCompressed != 0 && uint32(len(region)) != r.uncompSize {
		return fail(fmt.Errorf("%w: got %d bytes, header says %d",
			errs.ErrCompressedSize, len(region), r.uncompSize))
	}

	for len(region) > 0 {
		f, n, err := readFieldFromRegion(region)
		if err != nil {
			return fail(err)
		}
		region = region[n:]

		if f.Tag() == TagDELE {
			r.flags |= FlagDeleted
			continue
		}
		r.fields = append(r.fields, f)
	}
	r.state = stateDecoded

	return nil
}

// Size returns the record's serialized size in bytes, excluding child
// groups, which are siblings on the wire. For a mutated compressed record
// this requires a trial compression, since the stream length is not
// knowable otherwise.
func (r *Record) Size() (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.raw != nil && !r.modifiedLocked() {
		size := recordHeaderSize + len(r.raw)
		if r.flags&FlagCompressed != 0 {
			size += 4
		}

		return size, nil
	}

	plain := 0
	for _, f := range r.fields {
		plain += f.Size()
	}
	if r.flags&FlagCompressed == 0 {
		return recordHeaderSize + plain, nil
	}

	region, err := r.buildRegionLocked()
	if err != nil {
		return 0, err
	}

	return recordHeaderSize + 4 + len(region), nil
}

// codecTypeLocked maps the compression flag onto the codec registry.
func (r *Record) codecTypeLocked() format.CompressionType {
	if r.flags&FlagCompressed != 0 {
		return format.CompressionZlib
	}

	return format.CompressionNone
}

// buildRegionLocked serializes the live field list and runs it through
// the record's codec.
func (r *Record) buildRegionLocked() ([]byte, error) {
	bb := pool.GetRecordBuffer()
	defer pool.PutRecordBuffer(bb)

	for _, f := range r.fields {
		if err := f.Write(bb); err != nil {
			return nil, err
		}
	}

	codec, err := compress.GetCodec(r.codecTypeLocked())
	if err != nil {
		return nil, err
	}
	region, err := codec.Compress(bb.Bytes())
	if err != nil {
		return nil, err
	}

	// The pass-through codec aliases its input, which is about to go
	// back to the pool.
	if r.flags&FlagCompressed == 0 {
		out := make([]byte, len(region))
		copy(out, region)
		region = out
	}

	return region, nil
}

// plainSizeLocked is the uncompressed size of the live field list.
func (r *Record) plainSizeLocked() int {
	size := 0
	for _, f := range r.fields {
		size += f.Size()
	}

	return size
}

// Write encodes the record to w. Untouched records are emitted verbatim
// from their captured bytes; for compressed records this is the only path
// that reproduces the original stream exactly, since recompression is not
// byte-stable across zlib implementations.
func (r *Record) Write(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state == stateFailed {
		return fmt.Errorf("%w: %s record %s: %v", errs.ErrRecordFailed, r.tag, r.formID, r.decodeErr)
	}

	if r.raw != nil && !r.modifiedLocked() {
		return r.writeWireLocked(w, r.raw, r.uncompSize)
	}

	region, err := r.buildRegionLocked()
	if err != nil {
		return err
	}

	return r.writeWireLocked(w, region, uint32(r.plainSizeLocked()))
}

func (r *Record) writeWireLocked(w io.Writer, region []byte, uncompSize uint32) error {
	hdr := make([]byte, 0, recordHeaderSize+4)
	hdr = append(hdr, r.tag[:]...)
	hdr = engine.AppendUint32(hdr, uint32(len(region)))
	hdr = engine.AppendUint32(hdr, r.flags)
	hdr = engine.AppendUint32(hdr, uint32(r.formID))
	hdr = engine.AppendUint32(hdr, r.stamp)
	if r.flags&FlagCompressed != 0 {
		hdr = engine.AppendUint32(hdr, uncompSize)
	}

	if _, err := w.Write(hdr); err != nil {
		return errs.IO(err)
	}
	if _, err := w.Write(region); err != nil {
		return errs.IO(err)
	}

	return nil
}
