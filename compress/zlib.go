package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// zlibWriterPool pools zlib writers for reuse. Master files hold tens of
// thousands of compressed records, and flate writer construction is far
// more expensive than a Reset.
var zlibWriterPool = sync.Pool{
	New: func() any {
		w, err := zlib.NewWriterLevel(io.Discard, zlib.DefaultCompression)
		if err != nil {
			// DefaultCompression is always a valid level.
			panic(fmt.Sprintf("failed to create zlib writer for pool: %v", err))
		}
		return w
	},
}

// ZlibCodec implements Codec using zlib deflate streams, the record body
// compression mandated by the TES4 plugin format.
type ZlibCodec struct{}

var _ Codec = (*ZlibCodec)(nil)

// NewZlibCodec creates a new zlib codec.
//
// The codec is stateless and safe for concurrent use; per-call writer
// state comes from an internal pool.
func NewZlibCodec() ZlibCodec {
	return ZlibCodec{}
}

// Compress compresses data into a complete zlib stream.
//
// The output of any conforming zlib implementation is acceptable to the
// game engines; byte-identity with a stream produced elsewhere is not
// guaranteed and not required.
func (c ZlibCodec) Compress(data []byte) ([]byte, error) {
	w, _ := zlibWriterPool.Get().(*zlib.Writer)
	defer zlibWriterPool.Put(w)

	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 64)
	w.Reset(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress inflates a complete zlib stream.
func (c ZlibCodec) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}

	return out, nil
}
