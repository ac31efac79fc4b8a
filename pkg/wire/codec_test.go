package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	w := NewWriter(0).
		Uint8(7).
		Uint16(0x0102).
		Uint32(0x01020304).
		Uint64(0x0102030405060708).
		String("/home/user").
		Blob([]byte{9, 9}).
		BlobList([][]byte{{1}, {}, {2, 3}})

	// Fixed width integers are little-endian.
	assert.Equal(t, []byte{7, 0x02, 0x01, 0x04, 0x03, 0x02, 0x01}, w.Bytes()[:7])

	r := NewReader(w.Bytes())
	u8, err := r.Uint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), u8)

	u16, err := r.Uint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), u16)

	u32, err := r.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), u32)

	u64, err := r.Uint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), u64)

	s, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, "/home/user", s)

	blob, err := r.Blob()
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, blob)

	list, err := r.BlobList()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1}, {}, {2, 3}}, list)
	assert.Equal(t, 0, r.Len())
}

func TestReaderShortInput(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		read func(r *Reader) error
	}{
		{
			name: "Uint64",
			data: []byte{1, 2, 3},
			read: func(r *Reader) error { _, err := r.Uint64(); return err },
		},
		{
			name: "StringLength",
			data: []byte{5, 'a', 'b'},
			read: func(r *Reader) error { _, err := r.String(); return err },
		},
		{
			name: "BlobListCount",
			data: []byte{200, 1, 0},
			read: func(r *Reader) error { _, err := r.BlobList(); return err },
		},
		{
			name: "BlobListItem",
			data: []byte{2, 1, 'a', 3, 'b'},
			read: func(r *Reader) error { _, err := r.BlobList(); return err },
		},
		{
			name: "Raw",
			data: nil,
			read: func(r *Reader) error { _, err := r.Raw(1); return err },
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Error(t, test.read(NewReader(test.data)))
		})
	}
}

func TestBlobList(t *testing.T) {
	blobs, err := DecodeBlobList(EncodeBlobList(nil))
	require.NoError(t, err)
	assert.Empty(t, blobs)

	in := [][]byte{[]byte("uri"), make([]byte, 300)}
	blobs, err = DecodeBlobList(EncodeBlobList(in))
	require.NoError(t, err)
	assert.Equal(t, in, blobs)
}
