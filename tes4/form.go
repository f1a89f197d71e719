package tes4

// Form is the seam between the generic codec and semantic record
// decoders. A Form knows the field layout of one record type; the codec
// knows nothing about it.
//
// Read populates the form from a record's fields; Write maps the form
// back onto the record, replacing the affected fields.
type Form interface {
	Read(rec *Record) error
	Write(rec *Record) error
}
