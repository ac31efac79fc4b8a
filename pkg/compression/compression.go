// Package compression deflates file contents and metadata before they are
// encrypted and shipped to a peer.
package compression

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/wire"
)

// Level is the zlib compression level used for everything we store.
var Level = zlib.BestCompression

// MaxInflated caps the output of Inflate. Nothing we decompress can be larger
// than a packet.
var MaxInflated int64 = wire.MaxPayload

// Deflate compresses `data`. Empty input stays empty.
func Deflate(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, Level)
	if err != nil {
		return nil, errors.WithContext(err, "create writer")
	}

	if _, err := w.Write(data); err != nil {
		return nil, errors.WithContext(err, "write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.WithContext(err, "flush")
	}
	return buf.Bytes(), nil
}

// Inflate reverses Deflate.
func Inflate(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewProtocolError("corrupt compressed data: %s", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxInflated+1))
	if err != nil {
		return nil, errors.NewProtocolError("corrupt compressed data: %s", err)
	}
	if int64(len(out)) > MaxInflated {
		return nil, errors.NewProtocolError(
			"compressed data inflates past %d bytes", MaxInflated)
	}
	return out, nil
}
