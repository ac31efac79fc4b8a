package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/lock"
	"github.com/sidkik/tbak/pkg/pathhash"
	"github.com/sidkik/tbak/pkg/secure"
	"github.com/sidkik/tbak/pkg/sync"
	"github.com/sidkik/tbak/pkg/wire"
)

func openArchive(t *testing.T, dataDir string) *Archive {
	a, err := OpenArchive(dataDir, pathhash.Of("/home/user/docs"), 0)
	require.NoError(t, err)
	return a
}

func TestArchiveAddressing(t *testing.T) {
	a := openArchive(t, t.TempDir())

	paths := map[string]pathhash.Hash{}
	for i := 0; i < 1000; i++ {
		h := pathhash.Of(fmt.Sprintf("file-%d", i))
		path := a.ObjectPath(h)
		if prev, ok := paths[path]; ok {
			t.Fatalf("%s and %s both map to %s", prev, h, path)
		}
		paths[path] = h

		dir, file := h.Split()
		assert.Equal(t, filepath.Join(a.Dir(), dir, file), path)
	}
}

func TestArchiveWriteRead(t *testing.T) {
	a := openArchive(t, t.TempDir())
	hashA, hashB := pathhash.Of("a"), pathhash.Of("b")

	require.NoError(t, a.WriteFile(hashA, 10, []byte("contents of a")))
	require.NoError(t, a.WriteFile(hashB, 20, []byte("b")))

	record, object, err := a.ReadFile(hashA)
	require.NoError(t, err)
	assert.Equal(t, []byte("contents of a"), object)
	assert.Equal(t, ArchiveFile{Hash: hashA, Mtime: 10, ActualSize: 13}, record)
	assert.Equal(t, uint64(14), a.ActualSize())

	// Overwriting replaces the record rather than adding a second one.
	require.NoError(t, a.WriteFile(hashA, 30, []byte("new")))
	_, object, err = a.ReadFile(hashA)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), object)
	assert.Len(t, a.Files(), 2)
	assert.Equal(t, uint64(4), a.ActualSize())

	fts := a.FileTimes()
	assert.True(t, sync.IsSorted(fts))
	assert.Len(t, fts, 2)
}

func TestArchiveRemove(t *testing.T) {
	a := openArchive(t, t.TempDir())
	h := pathhash.Of("a")

	err := a.RemoveFile(h)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	require.NoError(t, a.WriteFile(h, 10, []byte("contents")))
	require.NoError(t, a.RemoveFile(h))
	assert.Empty(t, a.Files())
	assert.Equal(t, uint64(0), a.ActualSize())

	_, err = os.Stat(a.ObjectPath(h))
	assert.True(t, os.IsNotExist(err))

	_, _, err = a.ReadFile(h)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestArchiveLocked(t *testing.T) {
	a := openArchive(t, t.TempDir())
	h := pathhash.Of("a")
	require.NoError(t, a.WriteFile(h, 10, []byte("contents")))

	held, err := lock.Open(a.ObjectPath(h))
	require.NoError(t, err)
	defer held.Close()

	_, _, err = a.ReadFile(h)
	assert.True(t, errors.Is(err, errors.ErrLocked))
	err = a.WriteFile(h, 11, []byte("new"))
	assert.True(t, errors.Is(err, errors.ErrLocked))
}

func TestArchivePersistence(t *testing.T) {
	dataDir := t.TempDir()
	a := openArchive(t, dataDir)
	for i := 0; i < 10; i++ {
		require.NoError(t, a.WriteFile(pathhash.Of(fmt.Sprint(i)), uint64(i), []byte{byte(i)}))
	}
	require.NoError(t, a.Close())

	reopened, err := OpenArchive(dataDir, a.Hash, a.ActualSize())
	require.NoError(t, err)
	assert.Equal(t, a.Files(), reopened.Files())
	assert.Equal(t, uint64(10), reopened.ActualSize())

	require.NoError(t, reopened.RemoveData())
	_, err = os.Stat(reopened.Dir())
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, reopened.Files())
}

func TestArchiveFileRecord(t *testing.T) {
	f := ArchiveFile{Hash: pathhash.Of("a"), Mtime: 1 << 33, ActualSize: 99}
	record := f.Marshal()
	assert.Len(t, record, ArchiveFileRecordSize)

	parsed, err := UnmarshalArchiveFile(record)
	require.NoError(t, err)
	assert.Equal(t, f, parsed)

	_, err = UnmarshalArchiveFile(record[1:])
	assert.Error(t, err)
}

func TestObjectMetadata(t *testing.T) {
	owner, err := secure.GenerateKeyPair()
	require.NoError(t, err)
	session := secure.Self(owner)

	meta := Metadata{Path: "docs/report.txt", UID: 1000, GID: 1000, Mode: 0644}.Marshal()
	content := []byte("quarterly numbers")
	object, err := EncodeObject(session, meta, content)
	require.NoError(t, err)

	a := openArchive(t, t.TempDir())
	h := pathhash.Of("docs/report.txt")
	require.NoError(t, a.WriteFile(h, 10, object))

	record, encMeta, err := a.ReadMetadata(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(object)), record.ActualSize)

	decrypted, err := OpenMetadata(session, encMeta)
	require.NoError(t, err)
	assert.Equal(t, meta, decrypted)

	_, stored, err := a.ReadFile(h)
	require.NoError(t, err)
	gotMeta, gotContent, err := DecodeObject(session, stored)
	require.NoError(t, err)
	assert.Equal(t, meta, gotMeta)
	assert.Equal(t, content, gotContent)
}

func TestReadMetadataMalformed(t *testing.T) {
	tests := []struct {
		name   string
		object []byte
	}{
		{"Empty", nil},
		{"HugeLength", append(wire.AppendVuint(nil, 1<<36), 'x')},
		{"OutOfRangeLength", append(wire.AppendVuint(nil, 1<<62), 'x')},
		{"MaxLength", append(wire.AppendVuint(nil, ^uint64(0)), 'x')},
		{"OneByteShort", append(wire.AppendVuint(nil, 3), 'x', 'y')},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			a := openArchive(t, t.TempDir())
			h := pathhash.Of("bad")
			require.NoError(t, a.WriteFile(h, 10, test.object))

			_, _, err := a.ReadMetadata(h)
			assert.Error(t, err)
		})
	}
}
