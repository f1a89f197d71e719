// Package tes4 implements the hierarchical, form-ID-addressed plugin
// format used by the later of the two game engines.
//
// A TES4 plugin is a header record followed by a stream of groups; groups
// recursively contain records and further groups. Records are addressed
// by 32-bit form IDs whose top byte names the file, in load order, that
// minted the low 24 bits. Individual records may be zlib-compressed.
package tes4

import (
	"fmt"

	"github.com/descawed/tesconvert-sub000/errs"
)

// SaveIndex is the load-order index reserved for forms created
// dynamically inside save files. It never appears in a plugin file and is
// never a valid resolution target here.
const SaveIndex uint8 = 0xFF

// MaxMasters is the cap on a plugin's master list: 256 load-order slots
// minus the file's own index and the save-reserved index.
const MaxMasters = 253

// maxObjectIndex is the largest local identifier a file can mint.
const maxObjectIndex uint32 = 0x00FFFFFF

// FormID is a 32-bit record identifier. The high byte is the load-order
// index of the minting file; the low 24 bits are an identifier unique
// within that file.
type FormID uint32

// Index returns the load-order index byte.
func (f FormID) Index() uint8 {
	return uint8(f >> 24)
}

// WithIndex returns a copy of the form ID re-homed to the given
// load-order index.
func (f FormID) WithIndex(index uint8) FormID {
	return FormID(uint32(f)&maxObjectIndex | uint32(index)<<24)
}

// ObjectIndex returns the low 24 bits: the identifier minted by the
// owning file.
func (f FormID) ObjectIndex() uint32 {
	return uint32(f) & maxObjectIndex
}

// String renders the form ID in the conventional 8-digit hex form.
func (f FormID) String() string {
	return fmt.Sprintf("%08X", uint32(f))
}

// makeFormID combines a load-order index and a 24-bit local identifier.
func makeFormID(index uint8, object uint32) (FormID, error) {
	if object > maxObjectIndex {
		return 0, fmt.Errorf("%w: %#x", errs.ErrObjectIndexRange, object)
	}
	if index == SaveIndex {
		return 0, errs.ErrSaveIndex
	}

	return FormID(uint32(index)<<24 | object), nil
}
