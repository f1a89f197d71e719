// Package compress provides the compression codecs used by TES4 record bodies.
//
// TES4 plugins mark individual records with a compression flag; the body of
// such a record is a zlib deflate stream. The wire format fixes zlib as the
// only algorithm, so this package carries exactly two codecs: Zlib and a
// pass-through NoOp used for uncompressed bodies.
//
// # Architecture
//
// Codecs sit behind the Compressor/Decompressor/Codec interfaces so record
// serialization never names an algorithm directly; it asks the factory for
// the codec matching a format.CompressionType. Zlib writers are pooled:
// master files contain tens of thousands of compressed records, and
// recreating a flate writer per record dominates the write path otherwise.
//
// # Round-trip caveat
//
// Compressor output is not a format invariant. Recompressing a record is
// not guaranteed to reproduce the original compressed bytes produced by
// another zlib implementation; only the decompressed content is preserved.
package compress
