package tes3

import (
	"fmt"
	"io"
	"sync"

	"github.com/descawed/tesconvert-sub000/errs"
	"github.com/descawed/tesconvert-sub000/format"
	"github.com/descawed/tesconvert-sub000/internal/pool"
)

// Record-level tags referenced by the codec itself.
var (
	TagTES3 = format.MakeTag("TES3")
	TagGMST = format.MakeTag("GMST")
	TagGLOB = format.MakeTag("GLOB")
	TagCELL = format.MakeTag("CELL")
	TagDIAL = format.MakeTag("DIAL")
	TagINFO = format.MakeTag("INFO")
	TagLAND = format.MakeTag("LAND")
	TagMGEF = format.MakeTag("MGEF")
	TagPGRD = format.MakeTag("PGRD")
	TagSCPT = format.MakeTag("SCPT")
	TagSKIL = format.MakeTag("SKIL")
	TagSNDG = format.MakeTag("SNDG")
)

// noIDTags are record types whose NAME field, if any, is not a string
// identifier. Everything else is ID-bearing.
var noIDTags = map[format.Tag]bool{
	TagTES3: true,
	TagCELL: true,
	TagDIAL: true,
	TagINFO: true,
	TagLAND: true,
	TagMGEF: true,
	TagPGRD: true,
	TagSCPT: true,
	TagSKIL: true,
	TagSNDG: true,
}

// plainIDTags are ID-bearing record types whose NAME payload carries the
// identifier without a NUL terminator.
var plainIDTags = map[format.Tag]bool{
	TagGMST: true,
	TagGLOB: true,
}

// Record flags. Bit 0x400 is overloaded by the engine: it means
// "persistent reference" on placeable records and "quest item" on
// inventory records; both accessors read the same bit.
const (
	FlagPersistent uint32 = 0x0400
	FlagQuestItem  uint32 = 0x0400
	FlagBlocked    uint32 = 0x2000
)

// recordHeaderSize is the wire overhead of a record: tag, 32-bit payload
// size, a preserved-but-opaque dword, and flags.
const recordHeaderSize = 16

// deletedFieldSize is the serialized size of the re-synthesized DELE
// sentinel: 8-byte field header plus a 4-byte payload.
const deletedFieldSize = 12

type decodeState uint8

const (
	stateRaw decodeState = iota
	stateDecoded
	stateFailed
)

// Record is a tagged, flagged, ordered collection of fields.
//
// Records are decoded lazily: after a streamed read a record holds only
// its header values and the undecoded field-region bytes. The first
// operation that needs field contents forces the decode. A decode failure
// is terminal; every later field access returns ErrRecordFailed.
//
// A Record is shared by the plugin's ordered stream and its lookup
// indices; the internal lock makes concurrent readers safe, including the
// first-access decode, which is a mutation behind a read-shaped API.
type Record struct {
	mu sync.RWMutex

	tag     format.Tag
	unknown [4]byte // dword between size and flags, preserved verbatim
	flags   uint32
	deleted bool

	state     decodeState
	decodeErr error
	modified  bool
	raw       []byte // undecoded field region; retained for verbatim write
	fields    []*Field
}

// NewRecord constructs an empty, fully-decoded record ready for
// AddField.
func NewRecord(tag format.Tag) *Record {
	return &Record{tag: tag, state: stateDecoded}
}

// ReadRecord reads one record from r, capturing its field region without
// decoding it.
//
// Wire layout: tag[4] | size:u32 | dword[4] | flags:u32 | payload[size].
func ReadRecord(r io.Reader) (*Record, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errs.IO(err)
	}

	rec := &Record{
		tag:   format.TagFromBytes(hdr[:4]),
		flags: engine.Uint32(hdr[12:16]),
		state: stateRaw,
	}
	copy(rec.unknown[:], hdr[8:12])

	size := engine.Uint32(hdr[4:8])
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

// Flags returns the raw flag bits.
func (r *Record) Flags() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.flags
}

// SetFlags replaces the raw flag bits.
func (r *Record) SetFlags(flags uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flags = flags
}

// Persistent reports flag bit 0x400 read as "persistent reference".
func (r *Record) Persistent() bool {
	return r.Flags()&FlagPersistent != 0
}

// QuestItem reports flag bit 0x400 read as "quest item". Which meaning
// applies depends on the record type; the codec exposes both views.
func (r *Record) QuestItem() bool {
	return r.Flags()&FlagQuestItem != 0
}

// Blocked reports flag bit 0x2000.
func (r *Record) Blocked() bool {
	return r.Flags()&FlagBlocked != 0
}

// Deleted reports whether the record carries the deletion sentinel. The
// sentinel lives in the field region, so the answer requires a decode; a
// record whose decode has failed reports false, and callers that need to
// see the failure itself use Fields or ID.
func (r *Record) Deleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureDecodedLocked(); err != nil {
		return false
	}

	return r.deleted
}

// SetDeleted sets or clears the deletion sentinel.
func (r *Record) SetDeleted(deleted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureDecodedLocked(); err != nil {
		return err
	}
	if r.deleted != deleted {
		r.deleted = deleted
		r.markModifiedLocked()
	}

	return nil
}

// Fields forces the decode if necessary and returns the record's ordered
// field list. The slice is the record's live list: the plugin stream and
// every index observe the same fields.
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

// AddField appends a field, forcing the decode first so the live list is
// complete. Adding the deletion sentinel is equivalent to SetDeleted(true)
// and does not store the field.
func (r *Record) AddField(f *Field) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureDecodedLocked(); err != nil {
		return err
	}
	r.markModifiedLocked()
	if f.Tag() == TagDELE {
		r.deleted = true
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

// ID returns the record's string identifier, or "" for record types that
// carry none. GMST and GLOB store the identifier without a terminator;
// every other ID-bearing type terminates it.
func (r *Record) ID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if noIDTags[r.tag] {
		return "", nil
	}
	if err := r.ensureDecodedLocked(); err != nil {
		return "", err
	}
	for _, f := range r.fields {
		if f.Tag() != TagNAME {
			continue
		}
		if plainIDTags[r.tag] {
			return f.String()
		}

		return f.ZString()
	}

	return "", nil
}

// markModifiedLocked invalidates the verbatim raw bytes.
func (r *Record) markModifiedLocked() {
	r.modified = true
	r.raw = nil
}

// modifiedLocked reports whether the record or any of its fields has been
// mutated since it was read.
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

// ensureDecodedLocked transitions Raw to Decoded on first need. The
// caller must hold the write lock. Failure is terminal.
func (r *Record) ensureDecodedLocked() error {
	switch r.state {
	case stateDecoded:
		return nil
	case stateFailed:
		return fmt.Errorf("%w: %s record: %v", errs.ErrRecordFailed, r.tag, r.decodeErr)
	}

	region := r.raw
	for len(region) > 0 {
		f, n, err := readFieldFromRegion(region)
		if err != nil {
			r.state = stateFailed
			r.decodeErr = err
			return fmt.Errorf("decode %s record: %w", r.tag, err)
		}
		region = region[n:]

		if f.Tag() == TagDELE {
			r.deleted = true
			continue
		}
		r.fields = append(r.fields, f)
	}
	r.state = stateDecoded

	return nil
}

// Size returns the record's total serialized size in bytes.
func (r *Record) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return recordHeaderSize + r.payloadSizeLocked()
}

func (r *Record) payloadSizeLocked() int {
	if r.raw != nil && !r.modifiedLocked() {
		return len(r.raw)
	}

	size := 0
	for _, f := range r.fields {
		size += f.Size()
	}
	if r.deleted {
		size += deletedFieldSize
	}

	return size
}

// Write encodes the record to w. A record that was read but never decoded
// or mutated is emitted verbatim from its original bytes, preserving data
// the codec does not understand byte for byte.
func (r *Record) Write(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state == stateFailed {
		return fmt.Errorf("%w: %s record: %v", errs.ErrRecordFailed, r.tag, r.decodeErr)
	}

	if r.raw != nil && !r.modifiedLocked() {
		if err := r.writeHeaderLocked(w, len(r.raw)); err != nil {
			return err
		}
		if _, err := w.Write(r.raw); err != nil {
			return errs.IO(err)
		}

		return nil
	}

	bb := pool.GetRecordBuffer()
	defer pool.PutRecordBuffer(bb)

	for _, f := range r.fields {
		if err := f.Write(bb); err != nil {
			return err
		}
	}
	if r.deleted {
		if err := writeDeletionSentinel(bb); err != nil {
			return err
		}
	}

	if err := r.writeHeaderLocked(w, bb.Len()); err != nil {
		return err
	}
	if _, err := bb.WriteTo(w); err != nil {
		return errs.IO(err)
	}

	return nil
}

func (r *Record) writeHeaderLocked(w io.Writer, payloadSize int) error {
	hdr := make([]byte, 0, recordHeaderSize)
	hdr = append(hdr, r.tag[:]...)
	hdr = engine.AppendUint32(hdr, uint32(payloadSize))
	hdr = append(hdr, r.unknown[:]...)
	hdr = engine.AppendUint32(hdr, r.flags)

	if _, err := w.Write(hdr); err != nil {
		return errs.IO(err)
	}

	return nil
}

func writeDeletionSentinel(w io.Writer) error {
	f, err := NewField(TagDELE, []byte{0, 0, 0, 0})
	if err != nil {
		return err
	}

	return f.Write(w)
}
