// Package errs defines the sentinel error vocabulary of the plugin codec.
//
// Every failure mode has its own sentinel so call sites and tests can match
// precisely with errors.Is. Each sentinel additionally wraps one of five
// category sentinels (ErrIO, ErrDecode, ErrLimit, ErrDuplicate,
// ErrInvalidReference), letting callers classify an error coarsely as
// "retryable I/O" versus "this file is structurally broken" without
// enumerating every condition.
package errs

import (
	"errors"
	"fmt"
)

// Category sentinels. Specific errors below wrap exactly one of these.
var (
	// ErrIO marks failures of the underlying byte source or sink,
	// including short reads and writes.
	ErrIO = errors.New("plugin i/o error")

	// ErrDecode marks structural failures: malformed tags, lengths,
	// size overruns, bad strings, bad compressed streams.
	ErrDecode = errors.New("plugin decode error")

	// ErrLimit marks values that exceed a hard cap of the format,
	// such as string lengths or the master-list size.
	ErrLimit = errors.New("plugin limit exceeded")

	// ErrDuplicate marks identifier collisions (masters, record IDs).
	ErrDuplicate = errors.New("duplicate identifier")

	// ErrInvalidReference marks form ID references that cannot be
	// resolved against the declaring file's master list.
	ErrInvalidReference = errors.New("invalid form reference")
)

// Decode errors.
var (
	// ErrNotPluginFile reports input that does not begin with the
	// mandatory header record of the expected format.
	ErrNotPluginFile = fmt.Errorf("%w: not a plugin file", ErrDecode)

	// ErrInvalidHeader reports a header record whose HEDR field is
	// missing, misplaced, or of the wrong size.
	ErrInvalidHeader = fmt.Errorf("%w: invalid header record", ErrDecode)

	// ErrMasterWithoutSize reports a MAST field with no DATA field
	// following it.
	ErrMasterWithoutSize = fmt.Errorf("%w: master name without a size entry", ErrDecode)

	// ErrSizeWithoutMaster reports a DATA field with no preceding
	// MAST field.
	ErrSizeWithoutMaster = fmt.Errorf("%w: master size entry without a name", ErrDecode)

	// ErrFieldWidth reports a typed field accessor whose payload is not
	// exactly the width of the requested type.
	ErrFieldWidth = fmt.Errorf("%w: field payload width mismatch", ErrDecode)

	// ErrFieldOverrun reports a field whose encoded size exceeds the
	// remaining declared size of its record.
	ErrFieldOverrun = fmt.Errorf("%w: field exceeds record size", ErrDecode)

	// ErrGroupOverrun reports a group whose children do not add up to
	// the total length declared in its header.
	ErrGroupOverrun = fmt.Errorf("%w: group size mismatch", ErrDecode)

	// ErrInvalidString reports a field payload that is not valid UTF-8.
	ErrInvalidString = fmt.Errorf("%w: field is not valid utf-8", ErrDecode)

	// ErrStringTerminator reports a string field without exactly one
	// trailing NUL, or with an interior NUL.
	ErrStringTerminator = fmt.Errorf("%w: malformed string terminator", ErrDecode)

	// ErrRecordFailed reports field access on a record whose decode
	// previously failed; the failure is permanent.
	ErrRecordFailed = fmt.Errorf("%w: record is in failed state", ErrDecode)

	// ErrCompression reports an unreadable compressed record body.
	ErrCompression = fmt.Errorf("%w: invalid compressed record data", ErrDecode)

	// ErrCompressedSize reports a compressed record whose inflated size
	// does not match the size stamped next to the stream.
	ErrCompressedSize = fmt.Errorf("%w: decompressed size mismatch", ErrDecode)
)

// Limit errors.
var (
	// ErrFieldTooLarge reports a field payload larger than the format
	// can represent.
	ErrFieldTooLarge = fmt.Errorf("%w: field payload too large", ErrLimit)

	// ErrStringTooLong reports an author or description string longer
	// than the header field can hold.
	ErrStringTooLong = fmt.Errorf("%w: string exceeds header capacity", ErrLimit)

	// ErrTooManyMasters reports a master list past the format cap.
	ErrTooManyMasters = fmt.Errorf("%w: too many masters", ErrLimit)

	// ErrObjectIndexRange reports a local form ID that does not fit in
	// 24 bits.
	ErrObjectIndexRange = fmt.Errorf("%w: object index exceeds 24 bits", ErrLimit)

	// ErrAmbiguousID reports a lookup that matched more than one
	// physically distinct record for the same identifier.
	ErrAmbiguousID = fmt.Errorf("%w: identifier matches multiple records", ErrLimit)
)

// Duplicate errors.
var (
	// ErrDuplicateMaster reports a master declared twice.
	ErrDuplicateMaster = fmt.Errorf("%w: master already declared", ErrDuplicate)

	// ErrDuplicateID reports a second record carrying an identifier the
	// index already holds, under a rejecting duplicate policy.
	ErrDuplicateID = fmt.Errorf("%w: record id already indexed", ErrDuplicate)
)

// Reference errors.
var (
	// ErrUnknownMaster reports a form ID reference naming a file absent
	// from the resolving plugin's master list.
	ErrUnknownMaster = fmt.Errorf("%w: master not in load order", ErrInvalidReference)

	// ErrSaveIndex reports an attempt to resolve into the load-order
	// index reserved for save-local dynamic forms.
	ErrSaveIndex = fmt.Errorf("%w: save-reserved load index", ErrInvalidReference)
)

// IO wraps an underlying stream error into the ErrIO category while
// keeping the original error in the chain.
func IO(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrIO, err)
}
