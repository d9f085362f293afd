// Package transport implements the C8<->C7 wire compression spec.md §4.6
// requires for request/response bodies, grounded directly on the teacher's
// own compressLZ4/decompressLZ4 helpers (utils.go, ownworld.go, start_world.go
// all carry near-identical copies) — a sync.Pool-buffered LZ4 round trip.
package transport

import (
	"bytes"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

var bufferPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// Compress returns the LZ4 frame encoding of src.
func Compress(src []byte) []byte {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	zw := lz4.NewWriter(buf)
	if _, err := zw.Write(src); err != nil {
		zw.Close()
		return nil
	}
	if err := zw.Close(); err != nil {
		return nil
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// Decompress reverses Compress. A malformed frame yields whatever partial
// bytes the reader produced before erroring, matching the teacher's
// best-effort decompress helpers (callers validate the JSON that follows).
func Decompress(src []byte) []byte {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	zr := lz4.NewReader(bytes.NewReader(src))
	io.Copy(buf, zr)

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}
