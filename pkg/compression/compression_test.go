package compression

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/tbak/pkg/errors"
)

func TestRoundTrip(t *testing.T) {
	random := make([]byte, 64*1024)
	rand.New(rand.NewSource(1)).Read(random)

	tests := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"OneByte", []byte{0}},
		{"Repetitive", bytes.Repeat([]byte("tbak "), 10000)},
		{"Random", random},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			compressed, err := Deflate(test.data)
			require.NoError(t, err)

			out, err := Inflate(compressed)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(test.data, out))
		})
	}
}

func TestCompresses(t *testing.T) {
	data := bytes.Repeat([]byte("tbak "), 10000)
	compressed, err := Deflate(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data)/10)
}

func TestInflateCorrupt(t *testing.T) {
	_, err := Inflate([]byte("not zlib"))
	assert.Error(t, err)
}

func TestInflateLimit(t *testing.T) {
	defer func(orig int64) { MaxInflated = orig }(MaxInflated)
	MaxInflated = 1024

	atLimit, err := Deflate(make([]byte, 1024))
	require.NoError(t, err)
	out, err := Inflate(atLimit)
	require.NoError(t, err)
	assert.Len(t, out, 1024)

	bomb, err := Deflate(make([]byte, 1024*1024))
	require.NoError(t, err)
	assert.Less(t, len(bomb), 4096)

	_, err = Inflate(bomb)
	assert.True(t, errors.IsProtocol(err), "%v", err)
}
