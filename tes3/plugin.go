package tes3

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/descawed/tesconvert-sub000/errs"
	"github.com/descawed/tesconvert-sub000/format"
	"github.com/descawed/tesconvert-sub000/internal/hash"
	"github.com/descawed/tesconvert-sub000/internal/options"
)

// Header field caps. The HEDR field is exactly 300 bytes: version,
// flags, fixed-size author and description arrays, and a record count.
const (
	MaxAuthorLen      = 32
	MaxDescriptionLen = 256
	headerFieldSize   = 300
)

// flagMaster is bit 0 of the header flags dword.
const flagMaster uint32 = 0x1

// DuplicatePolicy decides what happens when a second record arrives with
// an identifier the index already holds. Real master files contain
// legitimate same-ID duplicates across distinct record types, so the
// policy is configurable per record tag rather than global.
type DuplicatePolicy uint8

const (
	// DuplicateKeep indexes both records. A lookup that then matches
	// more than one physically distinct record fails with ErrAmbiguousID.
	DuplicateKeep DuplicatePolicy = iota

	// DuplicateOverwrite keeps the newest record in the index. The older
	// record stays in the plugin's ordered stream.
	DuplicateOverwrite

	// DuplicateReject fails ingestion with ErrDuplicateID.
	DuplicateReject
)

// Master is one entry of the ordered master-dependency list: the file
// name and the size-in-bytes hint the format stores beside it.
type Master struct {
	Name string
	Size uint64
}

// idEntry pairs an index key's verified identifier with the shared record
// pointer. The identifier is stored because distinct strings can share a
// hash key.
type idEntry struct {
	id  string
	rec *Record
}

// Plugin is the file-level aggregate: header metadata, the ordered master
// list, the ordered record stream, and the lookup indices built during
// ingestion. Indices reference the same Record values as the stream.
type Plugin struct {
	version       float32
	flags         uint32
	author        string
	description   string
	declaredCount uint32

	masters  []Master
	records  []*Record
	byID     map[uint64][]idEntry
	byTag    map[format.Tag][]*Record
	byEffect map[uint32]*Record

	policy func(format.Tag) DuplicatePolicy

	// headerRec is the header record as read, kept so an untouched
	// plugin round-trips byte for byte even when its declared record
	// count is wrong, as it is in several shipped master files.
	headerRec *Record
	dirty     bool
}

// Option configures a Plugin at construction or read time.
type Option = options.Option[*Plugin]

// WithAuthor sets the author string, capped at 32 bytes.
func WithAuthor(author string) Option {
	return options.New(func(p *Plugin) error {
		return p.SetAuthor(author)
	})
}

// WithDescription sets the description string, capped at 256 bytes.
func WithDescription(description string) Option {
	return options.New(func(p *Plugin) error {
		return p.SetDescription(description)
	})
}

// WithDuplicatePolicy installs a per-tag duplicate-identifier policy.
func WithDuplicatePolicy(policy func(format.Tag) DuplicatePolicy) Option {
	return options.NoError(func(p *Plugin) {
		p.policy = policy
	})
}

// New constructs an empty plugin with the given format version.
func New(version float32, isMaster bool, opts ...Option) (*Plugin, error) {
	p := newPlugin()
	p.version = version
	if isMaster {
		p.flags |= flagMaster
	}
	if err := options.Apply(p, opts...); err != nil {
		return nil, err
	}

	return p, nil
}

func newPlugin() *Plugin {
	return &Plugin{
		byID:     make(map[uint64][]idEntry),
		byTag:    make(map[format.Tag][]*Record),
		byEffect: make(map[uint32]*Record),
		policy:   func(format.Tag) DuplicatePolicy { return DuplicateKeep },
	}
}

// Read parses a complete plugin from src.
//
// The declared record count in the header is not trusted: the read loop
// runs until src is exhausted, because shipped files are known to carry
// wrong counts. Header errors and record boundary errors are fatal; there
// is no safe way to resynchronize the stream past a bad record.
func Read(src io.Reader, opts ...Option) (*Plugin, error) {
	p := newPlugin()
	if err := options.Apply(p, opts...); err != nil {
		return nil, err
	}

	hdr, err := ReadRecord(src)
	if err != nil {
		return nil, fmt.Errorf("read plugin header: %w", err)
	}
	if hdr.Tag() != TagTES3 {
		return nil, fmt.Errorf("%w: leading record is %s, want TES3", errs.ErrNotPluginFile, hdr.Tag())
	}
	if err := p.parseHeader(hdr); err != nil {
		return nil, err
	}

	for {
		rec, err := ReadRecord(src)
		if err != nil {
			if errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}

			return nil, fmt.Errorf("read record %d: %w", len(p.records)+1, err)
		}
		if err := p.ingest(rec); err != nil {
			return nil, err
		}
	}

	p.dirty = false

	return p, nil
}

// parseHeader extracts version, flags, author, description and the master
// list from the TES3 header record. The original record is retained for
// verbatim re-emission.
func (p *Plugin) parseHeader(hdr *Record) error {
	fields, err := hdr.Fields()
	if err != nil {
		return fmt.Errorf("decode plugin header: %w", err)
	}
	if len(fields) == 0 || fields[0].Tag() != TagHEDR {
		return fmt.Errorf("%w: header record does not start with HEDR", errs.ErrInvalidHeader)
	}

	data := fields[0].Bytes()
	if len(data) != headerFieldSize {
		return fmt.Errorf("%w: HEDR is %d bytes, want %d", errs.ErrInvalidHeader, len(data), headerFieldSize)
	}
	p.version = math.Float32frombits(engine.Uint32(data[0:4]))
	p.flags = engine.Uint32(data[4:8])
	p.author = cString(data[8 : 8+MaxAuthorLen])
	p.description = cString(data[40 : 40+MaxDescriptionLen])
	p.declaredCount = engine.Uint32(data[296:300])

	// Masters are MAST/DATA field pairs inside the header record. A name
	// without a size, or a size without a name, is corruption.
	var pendingName string
	var havePending bool
	for _, f := range fields[1:] {
		switch f.Tag() {
		case TagMAST:
			if havePending {
				return fmt.Errorf("%w: %q", errs.ErrMasterWithoutSize, pendingName)
			}
			name, err := f.ZString()
			if err != nil {
				return fmt.Errorf("decode master name: %w", err)
			}
			pendingName, havePending = name, true
		case TagDATA:
			if !havePending {
				return errs.ErrSizeWithoutMaster
			}
			size, err := f.Uint64()
			if err != nil {
				return fmt.Errorf("decode master size: %w", err)
			}
			if err := p.addMaster(pendingName, size); err != nil {
				return err
			}
			havePending = false
		default:
			// Unknown header fields are preserved through the retained
			// header record; nothing to extract.
		}
	}
	if havePending {
		return fmt.Errorf("%w: %q", errs.ErrMasterWithoutSize, pendingName)
	}

	p.headerRec = hdr

	return nil
}

// cString cuts a fixed-size NUL-padded array down to its string value.
func cString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}

	return string(data)
}

// ingest appends rec to the stream and registers it in the indices.
// ID-bearing records must decode immediately, since the index key is
// inside the field region; anything else stays raw.
func (p *Plugin) ingest(rec *Record) error {
	tag := rec.Tag()
	p.records = append(p.records, rec)
	p.byTag[tag] = append(p.byTag[tag], rec)

	if tag == TagMGEF {
		// Magic effects carry no string ID; later lookups want them by
		// their numeric effect index, so that key is computed eagerly.
		indx, err := rec.Field(TagINDX)
		if err != nil {
			return fmt.Errorf("index MGEF record: %w", err)
		}
		if indx != nil {
			effect, err := indx.Uint32()
			if err != nil {
				return fmt.Errorf("index MGEF record: %w", err)
			}
			p.byEffect[effect] = rec
		}
	}

	if noIDTags[tag] {
		return nil
	}
	id, err := rec.ID()
	if err != nil {
		return fmt.Errorf("index %s record: %w", tag, err)
	}
	if id == "" {
		return nil
	}

	return p.indexID(id, rec)
}

func (p *Plugin) indexID(id string, rec *Record) error {
	key := hash.Key(id)
	entries := p.byID[key]
	for i, e := range entries {
		if !hash.Equal(e.id, id) {
			continue // hash collision between distinct identifiers
		}
		if e.rec == rec {
			return nil
		}
		switch p.policy(rec.Tag()) {
		case DuplicateReject:
			return fmt.Errorf("%w: %q", errs.ErrDuplicateID, id)
		case DuplicateOverwrite:
			entries[i].rec = rec
			return nil
		case DuplicateKeep:
			// Fall through to append; lookups report the ambiguity.
		}
	}
	p.byID[key] = append(entries, idEntry{id: id, rec: rec})

	return nil
}

// AddRecord appends a record to the plugin and indexes it.
func (p *Plugin) AddRecord(rec *Record) error {
	if err := p.ingest(rec); err != nil {
		return err
	}
	p.dirty = true

	return nil
}

// addMaster appends to the master list without marking the plugin dirty;
// used by both the reader and AddMaster.
func (p *Plugin) addMaster(name string, size uint64) error {
	for _, m := range p.masters {
		if hash.Equal(m.Name, name) {
			return fmt.Errorf("%w: %q", errs.ErrDuplicateMaster, name)
		}
	}
	p.masters = append(p.masters, Master{Name: name, Size: size})

	return nil
}

// AddMaster appends a master-file dependency. The size is the master's
// byte size hint the format stores beside the name.
func (p *Plugin) AddMaster(name string, size uint64) error {
	if err := p.addMaster(name, size); err != nil {
		return err
	}
	p.dirty = true

	return nil
}

// Masters returns the ordered master list.
func (p *Plugin) Masters() []Master {
	return p.masters
}

// Records returns the plugin's ordered record stream, excluding the
// header record.
func (p *Plugin) Records() []*Record {
	return p.records
}

// RecordsByTag returns every record carrying tag, in stream order.
func (p *Plugin) RecordsByTag(tag format.Tag) []*Record {
	return p.byTag[tag]
}

// Record looks up a record by its string identifier, case-insensitively.
// A missing identifier returns (nil, nil). An identifier matching more
// than one physically distinct record fails rather than silently picking
// one.
func (p *Plugin) Record(id string) (*Record, error) {
	var found *Record
	for _, e := range p.byID[hash.Key(id)] {
		if !hash.Equal(e.id, id) {
			continue
		}
		if found != nil && found != e.rec {
			return nil, fmt.Errorf("%w: %q", errs.ErrAmbiguousID, id)
		}
		found = e.rec
	}

	return found, nil
}

// MagicEffect looks up an MGEF record by its numeric effect index.
func (p *Plugin) MagicEffect(index uint32) *Record {
	return p.byEffect[index]
}

// Version returns the format version from the header.
func (p *Plugin) Version() float32 {
	return p.version
}

// IsMaster reports whether the file is flagged as a master.
func (p *Plugin) IsMaster() bool {
	return p.flags&flagMaster != 0
}

// SetIsMaster sets or clears the master flag.
func (p *Plugin) SetIsMaster(isMaster bool) {
	if isMaster {
		p.flags |= flagMaster
	} else {
		p.flags &^= flagMaster
	}
	p.dirty = true
}

// Author returns the header author string.
func (p *Plugin) Author() string {
	return p.author
}

// SetAuthor sets the header author string, capped at 32 bytes.
func (p *Plugin) SetAuthor(author string) error {
	if len(author) > MaxAuthorLen {
		return fmt.Errorf("%w: author is %d bytes, cap %d", errs.ErrStringTooLong, len(author), MaxAuthorLen)
	}
	p.author = author
	p.dirty = true

	return nil
}

// Description returns the header description string.
func (p *Plugin) Description() string {
	return p.description
}

// SetDescription sets the header description string, capped at 256 bytes.
func (p *Plugin) SetDescription(description string) error {
	if len(description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description is %d bytes, cap %d", errs.ErrStringTooLong, len(description), MaxDescriptionLen)
	}
	p.description = description
	p.dirty = true

	return nil
}

// Write serializes the plugin: header record first, then the record
// stream in insertion order. An unmodified plugin re-emits its original
// header verbatim; otherwise the header is rebuilt with a recomputed
// record count, saturating rather than failing at the 32-bit ceiling
// since the engine ignores the value anyway.
func (p *Plugin) Write(w io.Writer) error {
	hdr := p.headerRec
	if hdr == nil || p.dirty {
		var err error
		hdr, err = p.buildHeaderRecord()
		if err != nil {
			return err
		}
	}
	if err := hdr.Write(w); err != nil {
		return fmt.Errorf("write plugin header: %w", err)
	}

	for i, rec := range p.records {
		if err := rec.Write(w); err != nil {
			return fmt.Errorf("write record %d (%s): %w", i+1, rec.Tag(), err)
		}
	}

	return nil
}

func (p *Plugin) buildHeaderRecord() (*Record, error) {
	count := uint64(len(p.records))
	if count > math.MaxUint32 {
		count = math.MaxUint32
	}

	data := make([]byte, headerFieldSize)
	engine.PutUint32(data[0:4], math.Float32bits(p.version))
	engine.PutUint32(data[4:8], p.flags)
	copy(data[8:8+MaxAuthorLen], p.author)
	copy(data[40:40+MaxDescriptionLen], p.description)
	engine.PutUint32(data[296:300], uint32(count))

	rec := NewRecord(TagTES3)
	hedr, err := NewField(TagHEDR, data)
	if err != nil {
		return nil, err
	}
	if err := rec.AddField(hedr); err != nil {
		return nil, err
	}

	for _, m := range p.masters {
		mast, err := NewField(TagMAST, nil)
		if err != nil {
			return nil, err
		}
		if err := mast.SetZString(m.Name); err != nil {
			return nil, fmt.Errorf("encode master name %q: %w", m.Name, err)
		}
		size, err := NewField(TagDATA, nil)
		if err != nil {
			return nil, err
		}
		size.SetUint64(m.Size)
		if err := rec.AddField(mast); err != nil {
			return nil, err
		}
		if err := rec.AddField(size); err != nil {
			return nil, err
		}
	}

	return rec, nil
}
