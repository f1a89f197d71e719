package tes4

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/descawed/tesconvert-sub000/errs"
	"github.com/descawed/tesconvert-sub000/format"
	"github.com/descawed/tesconvert-sub000/internal/pool"
)

// GroupKind discriminates the eleven group varieties. The kind decides
// how the four-byte label is interpreted.
type GroupKind uint32

const (
	// GroupTop holds all records of one type; label is the record tag.
	GroupTop GroupKind = iota
	// GroupWorldChildren holds a worldspace's contents; label is the
	// WRLD form ID.
	GroupWorldChildren
	// GroupInteriorCellBlock and GroupInteriorCellSubBlock partition
	// interior cells by form ID; label is a block number.
	GroupInteriorCellBlock
	GroupInteriorCellSubBlock
	// GroupExteriorCellBlock and GroupExteriorCellSubBlock partition
	// exterior cells spatially; label is a Y,X grid coordinate pair.
	GroupExteriorCellBlock
	GroupExteriorCellSubBlock
	// GroupCellChildren holds one cell's contents; label is the CELL
	// form ID.
	GroupCellChildren
	// GroupTopicChildren holds one dialogue topic's responses; label is
	// the DIAL form ID.
	GroupTopicChildren
	// GroupCellPersistentChildren, GroupCellTemporaryChildren and
	// GroupCellVisibleDistantChildren split a cell's references by
	// persistence; label is the CELL form ID.
	GroupCellPersistentChildren
	GroupCellTemporaryChildren
	GroupCellVisibleDistantChildren
)

func (k GroupKind) String() string {
	switch k {
	case GroupTop:
		return "top"
	case GroupWorldChildren:
		return "world children"
	case GroupInteriorCellBlock:
		return "interior cell block"
	case GroupInteriorCellSubBlock:
		return "interior cell sub-block"
	case GroupExteriorCellBlock:
		return "exterior cell block"
	case GroupExteriorCellSubBlock:
		return "exterior cell sub-block"
	case GroupCellChildren:
		return "cell children"
	case GroupTopicChildren:
		return "topic children"
	case GroupCellPersistentChildren:
		return "cell persistent children"
	case GroupCellTemporaryChildren:
		return "cell temporary children"
	case GroupCellVisibleDistantChildren:
		return "cell visible distant children"
	default:
		return fmt.Sprintf("group kind %d", uint32(k))
	}
}

// groupHeaderSize is the wire overhead of a group: "GRUP", total length
// including the header itself, label, kind, and stamp.
const groupHeaderSize = 20

// Group is a container of records and nested groups. The stored order of
// children is preserved exactly; a group that directly follows a record
// on the wire is attached to that record as a child group rather than
// appearing in the enclosing group's own child list.
type Group struct {
	label [4]byte
	kind  GroupKind
	stamp uint32

	records []*Record
	groups  []*Group
}

// NewTopGroup constructs an empty top-level group for one record type.
func NewTopGroup(tag format.Tag) *Group {
	g := &Group{kind: GroupTop}
	copy(g.label[:], tag[:])

	return g
}

// NewWorldChildrenGroup constructs a group holding a worldspace's
// contents.
func NewWorldChildrenGroup(world FormID) *Group {
	return newFormIDGroup(GroupWorldChildren, world)
}

// NewInteriorCellBlock constructs an interior cell block group.
func NewInteriorCellBlock(block int32) *Group {
	return newBlockGroup(GroupInteriorCellBlock, block)
}

// NewInteriorCellSubBlock constructs an interior cell sub-block group.
func NewInteriorCellSubBlock(block int32) *Group {
	return newBlockGroup(GroupInteriorCellSubBlock, block)
}

// NewExteriorCellBlock constructs an exterior cell block group for the
// given grid coordinates.
func NewExteriorCellBlock(x, y int16) *Group {
	return newGridGroup(GroupExteriorCellBlock, x, y)
}

// NewExteriorCellSubBlock constructs an exterior cell sub-block group for
// the given grid coordinates.
func NewExteriorCellSubBlock(x, y int16) *Group {
	return newGridGroup(GroupExteriorCellSubBlock, x, y)
}

// NewCellChildrenGroup constructs a group holding one cell's contents.
func NewCellChildrenGroup(cell FormID) *Group {
	return newFormIDGroup(GroupCellChildren, cell)
}

// NewTopicChildrenGroup constructs a group holding one dialogue topic's
// responses.
func NewTopicChildrenGroup(topic FormID) *Group {
	return newFormIDGroup(GroupTopicChildren, topic)
}

// NewCellPersistentChildren constructs a group holding a cell's
// persistent references.
func NewCellPersistentChildren(cell FormID) *Group {
	return newFormIDGroup(GroupCellPersistentChildren, cell)
}

// NewCellTemporaryChildren constructs a group holding a cell's temporary
// references.
func NewCellTemporaryChildren(cell FormID) *Group {
	return newFormIDGroup(GroupCellTemporaryChildren, cell)
}

// NewCellVisibleDistantChildren constructs a group holding a cell's
// visible-when-distant references.
func NewCellVisibleDistantChildren(cell FormID) *Group {
	return newFormIDGroup(GroupCellVisibleDistantChildren, cell)
}

func newFormIDGroup(kind GroupKind, id FormID) *Group {
	g := &Group{kind: kind}
	engine.PutUint32(g.label[:], uint32(id))

	return g
}

func newBlockGroup(kind GroupKind, block int32) *Group {
	g := &Group{kind: kind}
	engine.PutUint32(g.label[:], uint32(block))

	return g
}

func newGridGroup(kind GroupKind, x, y int16) *Group {
	g := &Group{kind: kind}
	engine.PutUint16(g.label[:2], uint16(y))
	engine.PutUint16(g.label[2:], uint16(x))

	return g
}

// Kind returns the group's kind.
func (g *Group) Kind() GroupKind { return g.kind }

// Stamp returns the opaque version-control stamp.
func (g *Group) Stamp() uint32 { return g.stamp }

// SetStamp replaces the version-control stamp.
func (g *Group) SetStamp(stamp uint32) { g.stamp = stamp }

// Label returns the raw four-byte label.
func (g *Group) Label() [4]byte { return g.label }

// LabelTag interprets the label as a record tag. Meaningful only for top
// groups.
func (g *Group) LabelTag() format.Tag {
	return format.TagFromBytes(g.label[:])
}

// LabelFormID interprets the label as a form ID. Meaningful for the
// world, cell and topic children kinds.
func (g *Group) LabelFormID() FormID {
	return FormID(engine.Uint32(g.label[:]))
}

// LabelBlockNumber interprets the label as an interior block number.
func (g *Group) LabelBlockNumber() int32 {
	return int32(engine.Uint32(g.label[:]))
}

// LabelGridCoords interprets the label as exterior grid coordinates.
func (g *Group) LabelGridCoords() (x, y int16) {
	y = int16(engine.Uint16(g.label[:2]))
	x = int16(engine.Uint16(g.label[2:]))

	return x, y
}

// Records returns the group's directly-contained records in stored
// order.
func (g *Group) Records() []*Record { return g.records }

// Groups returns the group's directly-nested groups, excluding groups
// attached to records as children.
func (g *Group) Groups() []*Group { return g.groups }

// AddRecord appends a record to the group.
func (g *Group) AddRecord(rec *Record) {
	g.records = append(g.records, rec)
}

// AddGroup appends a nested group.
func (g *Group) AddGroup(child *Group) {
	g.groups = append(g.groups, child)
}

// Walk calls fn for every record reachable from this group, including
// records inside nested groups and record-owned child groups. Traversal
// stops at the first error.
func (g *Group) Walk(fn func(*Record) error) error {
	for _, rec := range g.records {
		if err := fn(rec); err != nil {
			return err
		}
		for _, child := range rec.ChildGroups() {
			if err := child.Walk(fn); err != nil {
				return err
			}
		}
	}
	for _, child := range g.groups {
		if err := child.Walk(fn); err != nil {
			return err
		}
	}

	return nil
}

// ReadGroup reads one complete group, recursively, from r. The reader
// must be positioned at a GRUP header. A nested group that directly
// follows a record is attached to that record; any other nested group
// becomes a direct child of the enclosing group.
func ReadGroup(r *bufio.Reader) (*Group, error) {
	var hdr [groupHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errs.IO(err)
	}
	if !bytes.Equal(hdr[:4], TagGRUP[:]) {
		return nil, fmt.Errorf("%w: %q where GRUP was expected",
			errs.ErrDecode, format.TagFromBytes(hdr[:4]))
	}

	g := &Group{
		kind:  GroupKind(engine.Uint32(hdr[12:16])),
		stamp: engine.Uint32(hdr[16:20]),
	}
	copy(g.label[:], hdr[8:12])

	total := engine.Uint32(hdr[4:8])
	if total < groupHeaderSize {
		return nil, fmt.Errorf("%w: group length %d shorter than its header",
			errs.ErrGroupOverrun, total)
	}
	budget := int(total) - groupHeaderSize

	var lastRecord *Record
	for budget > 0 {
		peek, err := r.Peek(4)
		if err != nil {
			return nil, errs.IO(err)
		}

		if bytes.Equal(peek, TagGRUP[:]) {
			child, err := ReadGroup(r)
			if err != nil {
				return nil, err
			}
			size, err := child.Size()
			if err != nil {
				return nil, err
			}
			if size > budget {
				return nil, groupOverrun(g, size, budget)
			}
			budget -= size

			if lastRecord != nil {
				lastRecord.AddChildGroup(child)
			} else {
				g.groups = append(g.groups, child)
			}
			continue
		}

		rec, err := ReadRecord(r)
		if err != nil {
			return nil, err
		}
		size, err := rec.Size()
		if err != nil {
			return nil, err
		}
		if size > budget {
			return nil, groupOverrun(g, size, budget)
		}
		budget -= size

		g.records = append(g.records, rec)
		lastRecord = rec
	}

	return g, nil
}

func groupOverrun(g *Group, size, budget int) error {
	return fmt.Errorf("%w: %s group %s: child of %d bytes exceeds remaining %d",
		errs.ErrGroupOverrun, g.kind, g.labelString(), size, budget)
}

func (g *Group) labelString() string {
	switch g.kind {
	case GroupTop:
		return g.LabelTag().String()
	case GroupExteriorCellBlock, GroupExteriorCellSubBlock:
		x, y := g.LabelGridCoords()
		return fmt.Sprintf("(%d,%d)", x, y)
	case GroupInteriorCellBlock, GroupInteriorCellSubBlock:
		return fmt.Sprintf("%d", g.LabelBlockNumber())
	default:
		return g.LabelFormID().String()
	}
}

// Size returns the group's total serialized size, header included.
func (g *Group) Size() (int, error) {
	size := groupHeaderSize
	for _, rec := range g.records {
		n, err := rec.Size()
		if err != nil {
			return 0, err
		}
		size += n
		for _, child := range rec.ChildGroups() {
			n, err := child.Size()
			if err != nil {
				return 0, err
			}
			size += n
		}
	}
	for _, child := range g.groups {
		n, err := child.Size()
		if err != nil {
			return 0, err
		}
		size += n
	}

	return size, nil
}

// Write encodes the group to w. The body is buffered first so that the
// declared total length can be emitted up front without seeking.
func (g *Group) Write(w io.Writer) error {
	bb := pool.GetGroupBuffer()
	defer pool.PutGroupBuffer(bb)

	if err := g.writeBody(bb); err != nil {
		return err
	}

	var hdr [groupHeaderSize]byte
	copy(hdr[:4], TagGRUP[:])
	engine.PutUint32(hdr[4:8], uint32(groupHeaderSize+bb.Len()))
	copy(hdr[8:12], g.label[:])
	engine.PutUint32(hdr[12:16], uint32(g.kind))
	engine.PutUint32(hdr[16:20], g.stamp)

	if _, err := w.Write(hdr[:]); err != nil {
		return errs.IO(err)
	}
	if _, err := bb.WriteTo(w); err != nil {
		return errs.IO(err)
	}

	return nil
}

func (g *Group) writeBody(w io.Writer) error {
	for _, rec := range g.records {
		if err := rec.Write(w); err != nil {
			return err
		}
		for _, child := range rec.ChildGroups() {
			if err := child.Write(w); err != nil {
				return err
			}
		}
	}
	for _, child := range g.groups {
		if err := child.Write(w); err != nil {
			return err
		}
	}

	return nil
}
