package tes4

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/descawed/tesconvert-sub000/errs"
	"github.com/descawed/tesconvert-sub000/format"
	"github.com/descawed/tesconvert-sub000/internal/hash"
	"github.com/descawed/tesconvert-sub000/internal/options"
)

const (
	// headerFieldSize is the fixed size of the TES4 HEDR payload:
	// version, record count, and next object ID.
	headerFieldSize = 12

	// MaxAuthorLen and MaxDescriptionLen cap the CNAM and SNAM header
	// strings, terminator excluded.
	MaxAuthorLen      = 511
	MaxDescriptionLen = 511

	flagHeaderMaster = 0x00000001
)

// topGroupOrder is the order the engine expects top groups in. Groups
// with tags outside this list are written after it, in insertion order.
var topGroupOrder = [...]format.Tag{
	format.MakeTag("GMST"), format.MakeTag("GLOB"), format.MakeTag("CLAS"),
	format.MakeTag("FACT"), format.MakeTag("HAIR"), format.MakeTag("EYES"),
	format.MakeTag("RACE"), format.MakeTag("SOUN"), format.MakeTag("SKIL"),
	format.MakeTag("MGEF"), format.MakeTag("SCPT"), format.MakeTag("LTEX"),
	format.MakeTag("ENCH"), format.MakeTag("SPEL"), format.MakeTag("BSGN"),
	format.MakeTag("ACTI"), format.MakeTag("APPA"), format.MakeTag("ARMO"),
	format.MakeTag("BOOK"), format.MakeTag("CLOT"), format.MakeTag("CONT"),
	format.MakeTag("DOOR"), format.MakeTag("INGR"), format.MakeTag("LIGH"),
	format.MakeTag("MISC"), format.MakeTag("STAT"), format.MakeTag("GRAS"),
	format.MakeTag("TREE"), format.MakeTag("FLOR"), format.MakeTag("FURN"),
	format.MakeTag("WEAP"), format.MakeTag("AMMO"), format.MakeTag("NPC_"),
	format.MakeTag("CREA"), format.MakeTag("LVLC"), format.MakeTag("SLGM"),
	format.MakeTag("KEYM"), format.MakeTag("ALCH"), format.MakeTag("SBSP"),
	format.MakeTag("SGST"), format.MakeTag("LVLI"), format.MakeTag("WTHR"),
	format.MakeTag("CLMT"), format.MakeTag("REGN"), format.MakeTag("CELL"),
	format.MakeTag("WRLD"), format.MakeTag("DIAL"), format.MakeTag("QUST"),
	format.MakeTag("IDLE"), format.MakeTag("PACK"), format.MakeTag("CSTY"),
	format.MakeTag("LSCR"), format.MakeTag("LVSP"), format.MakeTag("ANIO"),
	format.MakeTag("WATR"), format.MakeTag("EFSH"),
}

// editorIDTags lists the record types whose editor IDs are indexed
// eagerly on load. Other records keep their EDID lazy.
var editorIDTags = map[format.Tag]struct{}{
	TagGMST: {},
	TagMGEF: {},
}

type idEntry struct {
	id  string
	rec *Record
}

// Plugin is a complete hierarchical plugin file: a TES4 header record
// followed by top groups, one per record type. Records are addressed by
// form ID; a handful of record types are additionally addressed by
// editor ID.
type Plugin struct {
	version      float32
	flags        uint32
	author       string
	description  string
	nextObjectID uint32

	masters []string

	groups      []*Group
	groupsByTag map[format.Tag]*Group

	byFormID   map[FormID]*Record
	byEditorID map[uint64][]idEntry

	headerRec *Record
	dirty     bool
}

// Option configures a Plugin at construction.
type Option = options.Option[*Plugin]

// WithAuthor sets the plugin author string.
func WithAuthor(author string) Option {
	return options.New(func(p *Plugin) error {
		return p.setAuthor(author)
	})
}

// WithDescription sets the plugin description string.
func WithDescription(description string) Option {
	return options.New(func(p *Plugin) error {
		return p.setDescription(description)
	})
}

// New constructs an empty plugin with the given format version.
func New(version float32, isMaster bool, opts ...Option) (*Plugin, error) {
	p := &Plugin{
		version:      version,
		nextObjectID: 0x800,
		dirty:        true,
		groupsByTag:  make(map[format.Tag]*Group),
		byFormID:     make(map[FormID]*Record),
		byEditorID:   make(map[uint64][]idEntry),
	}
	if isMaster {
		p.flags |= flagHeaderMaster
	}
	if err := options.Apply(p, opts...); err != nil {
		return nil, err
	}

	return p, nil
}

// Read parses a complete plugin from r. The stream must open with a TES4
// header record; everything after it is top groups, read until EOF.
func Read(r io.Reader, opts ...Option) (*Plugin, error) {
	p, err := New(0, false, opts...)
	if err != nil {
		return nil, err
	}
	p.dirty = false

	br := bufio.NewReaderSize(r, 1<<16)

	header, err := ReadRecord(br)
	if err != nil {
		return nil, fmt.Errorf("read plugin header: %w", err)
	}
	if header.Tag() != TagTES4 {
		return nil, fmt.Errorf("%w: file opens with %s, not TES4",
			errs.ErrNotPluginFile, header.Tag())
	}
	if err := p.parseHeader(header); err != nil {
		return nil, err
	}

	for {
		peek, err := br.Peek(4)
		if err != nil {
			if errors.Is(err, io.EOF) && len(peek) == 0 {
				break
			}
			return nil, errs.IO(err)
		}
		if !bytes.Equal(peek, TagGRUP[:]) {
			return nil, fmt.Errorf("%w: %q at top level outside any group",
				errs.ErrDecode, format.TagFromBytes(peek))
		}

		g, err := ReadGroup(br)
		if err != nil {
			return nil, err
		}
		if err := p.addGroupLocked(g, false); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// parseHeader extracts metadata from the TES4 record and retains the
// record itself for verbatim re-emission.
func (p *Plugin) parseHeader(header *Record) error {
	fields, err := header.Fields()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidHeader, err)
	}

	sawHEDR := false

	// Masters are MAST/DATA field pairs. A name without a size, or a
	// size without a name, is corruption.
	var pendingName string
	var havePending bool
	for _, f := range fields {
		switch f.Tag() {
		case TagHEDR:
			if f.Len() != headerFieldSize {
				return fmt.Errorf("%w: HEDR is %d bytes, want %d",
					errs.ErrInvalidHeader, f.Len(), headerFieldSize)
			}
			data := f.Bytes()
			p.version = math.Float32frombits(engine.Uint32(data[:4]))
			p.nextObjectID = engine.Uint32(data[8:12])
			sawHEDR = true
		case TagCNAM:
			s, err := f.ZString()
			if err != nil {
				return fmt.Errorf("%w: author: %v", errs.ErrInvalidHeader, err)
			}
			p.author = s
		case TagSNAM:
			s, err := f.ZString()
			if err != nil {
				return fmt.Errorf("%w: description: %v", errs.ErrInvalidHeader, err)
			}
			p.description = s
		case TagMAST:
			if havePending {
				return fmt.Errorf("%w: %q", errs.ErrMasterWithoutSize, pendingName)
			}
			name, err := f.ZString()
			if err != nil {
				return fmt.Errorf("%w: master name: %v", errs.ErrInvalidHeader, err)
			}
			pendingName, havePending = name, true
		case TagDATA:
			// The size hint itself is unused by the engine; only the
			// pairing is validated.
			if !havePending {
				return errs.ErrSizeWithoutMaster
			}
			if err := p.addMaster(pendingName); err != nil {
				return err
			}
			havePending = false
		}
	}
	if havePending {
		return fmt.Errorf("%w: %q", errs.ErrMasterWithoutSize, pendingName)
	}
	if !sawHEDR {
		return fmt.Errorf("%w: no HEDR field", errs.ErrInvalidHeader)
	}

	p.flags = header.Flags()
	p.headerRec = header

	return nil
}

// Version returns the plugin's format version.
func (p *Plugin) Version() float32 { return p.version }

// IsMaster reports whether the plugin is flagged as a master file.
func (p *Plugin) IsMaster() bool { return p.flags&flagHeaderMaster != 0 }

// SetIsMaster sets or clears the master-file flag.
func (p *Plugin) SetIsMaster(isMaster bool) {
	if isMaster {
		p.flags |= flagHeaderMaster
	} else {
		p.flags &^= flagHeaderMaster
	}
	p.dirty = true
}

// Author returns the plugin author string.
func (p *Plugin) Author() string { return p.author }

// SetAuthor replaces the plugin author string.
func (p *Plugin) SetAuthor(author string) error {
	if err := p.setAuthor(author); err != nil {
		return err
	}
	p.dirty = true

	return nil
}

func (p *Plugin) setAuthor(author string) error {
	if len(author) > MaxAuthorLen {
		return fmt.Errorf("%w: author is %d bytes, cap %d",
			errs.ErrStringTooLong, len(author), MaxAuthorLen)
	}
	p.author = author

	return nil
}

// Description returns the plugin description string.
func (p *Plugin) Description() string { return p.description }

// SetDescription replaces the plugin description string.
func (p *Plugin) SetDescription(description string) error {
	if err := p.setDescription(description); err != nil {
		return err
	}
	p.dirty = true

	return nil
}

func (p *Plugin) setDescription(description string) error {
	if len(description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description is %d bytes, cap %d",
			errs.ErrStringTooLong, len(description), MaxDescriptionLen)
	}
	p.description = description

	return nil
}

// Masters returns the plugin's master file names in load order.
func (p *Plugin) Masters() []string { return p.masters }

// AddMaster appends a master file dependency. Names are compared
// case-insensitively; the list is capped at MaxMasters so that every
// master keeps a distinct form ID index.
func (p *Plugin) AddMaster(name string) error {
	if err := p.addMaster(name); err != nil {
		return err
	}
	p.dirty = true

	return nil
}

func (p *Plugin) addMaster(name string) error {
	if len(p.masters) >= MaxMasters {
		return fmt.Errorf("%w: cannot add %q past %d masters",
			errs.ErrTooManyMasters, name, MaxMasters)
	}
	for _, m := range p.masters {
		if strings.EqualFold(m, name) {
			return fmt.Errorf("%w: %q", errs.ErrDuplicateMaster, name)
		}
	}
	p.masters = append(p.masters, name)

	return nil
}

// ResolveFormID converts a master-relative object index into a form ID
// valid within this plugin. An empty master names the plugin itself,
// whose index is one past the last master.
func (p *Plugin) ResolveFormID(master string, object uint32) (FormID, error) {
	if master == "" {
		return makeFormID(uint8(len(p.masters)), object)
	}
	for i, m := range p.masters {
		if strings.EqualFold(m, master) {
			return makeFormID(uint8(i), object)
		}
	}

	return 0, fmt.Errorf("%w: %q is not a master of this plugin",
		errs.ErrUnknownMaster, master)
}

// NextFormID mints a fresh form ID owned by this plugin, advancing the
// header's next-object-ID counter.
func (p *Plugin) NextFormID() (FormID, error) {
	for {
		id, err := makeFormID(uint8(len(p.masters)), p.nextObjectID)
		if err != nil {
			return 0, err
		}
		p.nextObjectID++
		p.dirty = true
		if _, taken := p.byFormID[id]; !taken {
			return id, nil
		}
	}
}

// Groups returns the plugin's top groups in stored order.
func (p *Plugin) Groups() []*Group { return p.groups }

// GroupByTag returns the top group for a record type, or nil.
func (p *Plugin) GroupByTag(tag format.Tag) *Group {
	return p.groupsByTag[tag]
}

// AddGroup appends a top group and indexes every record reachable from
// it. Only top groups may appear at plugin level.
func (p *Plugin) AddGroup(g *Group) error {
	return p.addGroupLocked(g, true)
}

func (p *Plugin) addGroupLocked(g *Group, markDirty bool) error {
	if g.Kind() != GroupTop {
		return fmt.Errorf("%w: %s group at plugin top level", errs.ErrDecode, g.Kind())
	}
	tag := g.LabelTag()
	if _, exists := p.groupsByTag[tag]; exists {
		return fmt.Errorf("%w: second top group for %s", errs.ErrDuplicateID, tag)
	}

	if err := g.Walk(p.indexRecord); err != nil {
		return err
	}

	p.groups = append(p.groups, g)
	p.groupsByTag[tag] = g
	if markDirty {
		p.dirty = true
	}

	return nil
}

// AddRecord inserts a record into the top group for its tag, creating
// the group if needed.
func (p *Plugin) AddRecord(rec *Record) error {
	if err := p.indexRecord(rec); err != nil {
		return err
	}

	tag := rec.Tag()
	g := p.groupsByTag[tag]
	if g == nil {
		g = NewTopGroup(tag)
		p.groups = append(p.groups, g)
		p.groupsByTag[tag] = g
	}
	g.AddRecord(rec)
	p.dirty = true

	return nil
}

// indexRecord registers a record in the form ID index and, for eagerly
// indexed record types, the editor ID index. Form IDs must be unique
// within a plugin.
func (p *Plugin) indexRecord(rec *Record) error {
	id := rec.FormID()
	if prev, exists := p.byFormID[id]; exists {
		return fmt.Errorf("%w: form ID %s used by both %s and %s",
			errs.ErrDuplicateID, id, prev.Tag(), rec.Tag())
	}
	p.byFormID[id] = rec

	if _, eager := editorIDTags[rec.Tag()]; eager {
		edid, err := rec.EditorID()
		if err != nil {
			return err
		}
		if edid != "" {
			key := hash.Key(edid)
			p.byEditorID[key] = append(p.byEditorID[key], idEntry{id: edid, rec: rec})
		}
	}

	return nil
}

// RecordByFormID returns the record with the given form ID, or nil if
// the plugin has none.
func (p *Plugin) RecordByFormID(id FormID) *Record {
	return p.byFormID[id]
}

// RecordByEditorID returns the eagerly-indexed record with the given
// editor ID, compared case-insensitively. It returns (nil, nil) when no
// record matches and ErrAmbiguousID when more than one does.
func (p *Plugin) RecordByEditorID(edid string) (*Record, error) {
	var found *Record
	for _, e := range p.byEditorID[hash.Key(edid)] {
		if !hash.Equal(e.id, edid) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: editor ID %q matches multiple records",
				errs.ErrAmbiguousID, edid)
		}
		found = e.rec
	}

	return found, nil
}

// recordCount returns the number of records in the plugin, header
// excluded, groups included per the on-disk convention.
func (p *Plugin) recordCount() uint32 {
	count := 0
	for _, g := range p.groups {
		_ = g.Walk(func(*Record) error {
			count++
			return nil
		})
		count += countGroups(g)
	}
	if count > math.MaxUint32 {
		return math.MaxUint32
	}

	return uint32(count)
}

func countGroups(g *Group) int {
	n := 1
	for _, rec := range g.Records() {
		for _, child := range rec.ChildGroups() {
			n += countGroups(child)
		}
	}
	for _, child := range g.Groups() {
		n += countGroups(child)
	}

	return n
}

// Write serializes the plugin to w: the TES4 header followed by top
// groups in canonical order. An unmodified plugin re-emits its original
// header verbatim, preserving whatever counts it declared.
func (p *Plugin) Write(w io.Writer) error {
	header := p.headerRec
	if p.dirty || header == nil {
		var err error
		header, err = p.buildHeaderRecord()
		if err != nil {
			return err
		}
	}
	if err := header.Write(w); err != nil {
		return err
	}

	written := make(map[format.Tag]bool, len(p.groups))
	for _, tag := range topGroupOrder {
		g := p.groupsByTag[tag]
		if g == nil {
			continue
		}
		if err := g.Write(w); err != nil {
			return err
		}
		written[tag] = true
	}
	for _, g := range p.groups {
		if written[g.LabelTag()] {
			continue
		}
		if err := g.Write(w); err != nil {
			return err
		}
	}

	return nil
}

// buildHeaderRecord assembles a fresh TES4 record from the plugin's
// live metadata.
func (p *Plugin) buildHeaderRecord() (*Record, error) {
	header := NewRecord(TagTES4, 0)
	if err := header.SetFlags(p.flags); err != nil {
		return nil, err
	}

	hedr := make([]byte, 0, headerFieldSize)
	hedr = engine.AppendUint32(hedr, math.Float32bits(p.version))
	hedr = engine.AppendUint32(hedr, p.recordCount())
	hedr = engine.AppendUint32(hedr, p.nextObjectID)
	f, err := NewField(TagHEDR, hedr)
	if err != nil {
		return nil, err
	}
	if err := header.AddField(f); err != nil {
		return nil, err
	}

	if p.author != "" {
		f, err := NewField(TagCNAM, nil)
		if err != nil {
			return nil, err
		}
		if err := f.SetZString(p.author); err != nil {
			return nil, err
		}
		if err := header.AddField(f); err != nil {
			return nil, err
		}
	}
	if p.description != "" {
		f, err := NewField(TagSNAM, nil)
		if err != nil {
			return nil, err
		}
		if err := f.SetZString(p.description); err != nil {
			return nil, err
		}
		if err := header.AddField(f); err != nil {
			return nil, err
		}
	}

	for _, m := range p.masters {
		f, err := NewField(TagMAST, nil)
		if err != nil {
			return nil, err
		}
		if err := f.SetZString(m); err != nil {
			return nil, err
		}
		if err := header.AddField(f); err != nil {
			return nil, err
		}
		// The engine ignores the declared size; zero is conventional
		// for sizes not known at write time.
		data, err := NewField(TagDATA, make([]byte, 8))
		if err != nil {
			return nil, err
		}
		if err := header.AddField(data); err != nil {
			return nil, err
		}
	}

	return header, nil
}
