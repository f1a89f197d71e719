// Package format holds the small shared vocabulary of the plugin codec:
// the four-byte tag type used by records, fields and groups, and the
// compression type enum used by TES4 record bodies.
package format

// Tag is a four-byte identifier naming a record, field or group type.
// Tags are almost always printable ASCII ("NAME", "GRUP", "TES3") but the
// file format does not require it, so Tag is bytes, not a string.
type Tag [4]byte

// MakeTag builds a Tag from a four-character literal.
// It panics if s is not exactly four bytes long; tags are compile-time
// constants in practice, so a bad length is a programming error.
func MakeTag(s string) Tag {
	if len(s) != 4 {
		panic("format: tag literal must be exactly 4 bytes: " + s)
	}

	return Tag{s[0], s[1], s[2], s[3]}
}

// TagFromBytes builds a Tag from the first four bytes of b.
// It panics if b holds fewer than four bytes.
func TagFromBytes(b []byte) Tag {
	return Tag{b[0], b[1], b[2], b[3]}
}

// String renders the tag for diagnostics. Non-printable bytes are shown
// as a hex escape so corrupted tags remain readable in error messages.
func (t Tag) String() string {
	for _, c := range t {
		if c < 0x20 || c > 0x7e {
			const hexdigits = "0123456789abcdef"
			out := make([]byte, 0, 16)
			for _, b := range t {
				out = append(out, '\\', 'x', hexdigits[b>>4], hexdigits[b&0xf])
			}

			return string(out)
		}
	}

	return string(t[:])
}

// Bytes returns the tag as a freshly addressable slice.
func (t Tag) Bytes() []byte {
	return []byte{t[0], t[1], t[2], t[3]}
}

// CompressionType identifies the compression applied to a TES4 record body.
type CompressionType uint8

const (
	CompressionNone CompressionType = 0x1 // CompressionNone represents no compression.
	CompressionZlib CompressionType = 0x2 // CompressionZlib represents a zlib deflate stream.
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "None"
	case CompressionZlib:
		return "Zlib"
	default:
		return "Unknown"
	}
}
