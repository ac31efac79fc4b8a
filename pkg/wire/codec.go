package wire

import (
	"encoding/binary"

	"github.com/sidkik/tbak/pkg/errors"
)

// Writer serializes the primitives used in payloads and on-disk records.
// Fixed width integers are little-endian.
type Writer struct {
	buf []byte
}

// NewWriter creates a Writer with room for `capacity` bytes.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the serialized data.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) Uint8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) Uint16(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) Uint32(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) Uint64(v uint64) *Writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

func (w *Writer) Vuint(v uint64) *Writer {
	w.buf = AppendVuint(w.buf, v)
	return w
}

// Raw appends `b` without a length prefix.
func (w *Writer) Raw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Blob appends `b` prefixed by its length.
func (w *Writer) Blob(b []byte) *Writer {
	return w.Vuint(uint64(len(b))).Raw(b)
}

// String appends `s` prefixed by its length.
func (w *Writer) String(s string) *Writer {
	w.Vuint(uint64(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// BlobList appends the number of blobs, followed by each length-prefixed
// blob.
func (w *Writer) BlobList(blobs [][]byte) *Writer {
	w.Vuint(uint64(len(blobs)))
	for _, b := range blobs {
		w.Blob(b)
	}
	return w
}

// EncodeBlobList is a shortcut for serializing a standalone blob list.
func EncodeBlobList(blobs [][]byte) []byte {
	return NewWriter(0).BlobList(blobs).Bytes()
}

// Reader parses data written by Writer. Every method fails with
// ErrShortBuffer rather than panicking when the input runs out.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a Reader over `b`.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Rest returns the unread bytes and consumes them.
func (r *Reader) Rest() []byte {
	rest := r.buf[r.off:]
	r.off = len(r.buf)
	return rest
}

// Raw reads exactly `n` bytes.
func (r *Reader) Raw(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Uint8() (uint8, error) {
	b, err := r.Raw(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.Raw(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.Raw(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.Raw(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) Vuint() (uint64, error) {
	v, n, err := DecodeVuint(r.buf[r.off:])
	if err != nil {
		return 0, err
	}
	r.off += n
	return v, nil
}

// Blob reads a length-prefixed byte slice.
func (r *Reader) Blob() ([]byte, error) {
	n, err := r.Vuint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, ErrShortBuffer
	}
	return r.Raw(int(n))
}

// String reads a length-prefixed string.
func (r *Reader) String() (string, error) {
	b, err := r.Blob()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// BlobList reads a list written by Writer.BlobList.
func (r *Reader) BlobList() ([][]byte, error) {
	count, err := r.Vuint()
	if err != nil {
		return nil, err
	}

	// Every blob takes at least one byte, which bounds the allocation for
	// corrupt counts.
	if count > uint64(r.Len()) {
		return nil, ErrShortBuffer
	}

	blobs := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		b, err := r.Blob()
		if err != nil {
			return nil, errors.WithContext(err, "read blob")
		}
		blobs = append(blobs, b)
	}
	return blobs, nil
}

// DecodeBlobList parses a standalone blob list.
func DecodeBlobList(b []byte) ([][]byte, error) {
	return NewReader(b).BlobList()
}
