// Package hash computes lookup keys for record and master identifiers.
//
// The game engines treat identifiers case-insensitively, so the key is the
// xxHash64 of the ASCII-lowercased identifier. Keys are only index keys:
// callers must verify the actual identifier on lookup, since distinct
// strings can (rarely) share a hash.
package hash

import "github.com/cespare/xxhash/v2"

// Key computes the case-folded xxHash64 lookup key for an identifier.
func Key(id string) uint64 {
	var d xxhash.Digest
	d.Reset()

	// Fold ASCII in fixed-size chunks to avoid allocating a lowered copy.
	var buf [64]byte
	for i := 0; i < len(id); i += len(buf) {
		n := copy(buf[:], id[i:])
		for j := 0; j < n; j++ {
			if buf[j] >= 'A' && buf[j] <= 'Z' {
				buf[j] += 'a' - 'A'
			}
		}
		_, _ = d.Write(buf[:n])
	}

	return d.Sum64()
}

// Equal reports whether two identifiers are the same under the engines'
// ASCII case folding.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}

	return true
}
