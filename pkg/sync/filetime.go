package sync

import (
	"sort"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/pathhash"
	"github.com/sidkik/tbak/pkg/wire"
)

// FileTimeSize is the serialized size of a FileTime.
const FileTimeSize = pathhash.Size + 8

// FileTime is the part of a file that matters for diffing. FileTimes are
// identified by their Hash: the Mtime is what gets compared, not what gets
// matched.
type FileTime struct {
	Hash pathhash.Hash

	// Mtime is the modification time in seconds since the epoch.
	Mtime uint64
}

// SortFileTimes sorts the FileTimes by hash, which is the order Diff
// requires.
func SortFileTimes(fts []FileTime) {
	sort.Slice(fts, func(i, j int) bool {
		return fts[i].Hash.Less(fts[j].Hash)
	})
}

// IsSorted returns whether the FileTimes are sorted by hash.
func IsSorted(fts []FileTime) bool {
	return sort.SliceIsSorted(fts, func(i, j int) bool {
		return fts[i].Hash.Less(fts[j].Hash)
	})
}

// EncodeFileTimes serializes the FileTimes as hash and mtime pairs.
func EncodeFileTimes(fts []FileTime) []byte {
	w := wire.NewWriter(len(fts) * FileTimeSize)
	for _, ft := range fts {
		w.Raw(ft.Hash.Bytes()).Uint64(ft.Mtime)
	}
	return w.Bytes()
}

// DecodeFileTimes parses the output of EncodeFileTimes.
func DecodeFileTimes(b []byte) ([]FileTime, error) {
	if len(b)%FileTimeSize != 0 {
		return nil, errors.NewProtocolError(
			"file list of %d bytes isn't a multiple of %d", len(b), FileTimeSize)
	}

	r := wire.NewReader(b)
	fts := make([]FileTime, 0, len(b)/FileTimeSize)
	for r.Len() > 0 {
		raw, err := r.Raw(pathhash.Size)
		if err != nil {
			return nil, err
		}
		hash, err := pathhash.FromBytes(raw)
		if err != nil {
			return nil, err
		}

		mtime, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		fts = append(fts, FileTime{Hash: hash, Mtime: mtime})
	}
	return fts, nil
}
