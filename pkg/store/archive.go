package store

import (
	"os"
	"path/filepath"
	"sort"
	goSync "sync"

	"github.com/google/renameio"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/lock"
	"github.com/sidkik/tbak/pkg/pathhash"
	"github.com/sidkik/tbak/pkg/sync"
	"github.com/sidkik/tbak/pkg/wire"
)

// ArchiveFileRecordSize is the serialized size of an ArchiveFile.
const ArchiveFileRecordSize = pathhash.Size + 8 + 8

// filesDatName is the name of the file list inside an archive directory.
const filesDatName = "files.dat"

// ArchiveFile is a file stored in an archive.
type ArchiveFile struct {
	Hash  pathhash.Hash
	Mtime uint64

	// ActualSize is the number of bytes the object takes on disk.
	ActualSize uint64
}

// Marshal serializes the record.
func (f ArchiveFile) Marshal() []byte {
	return wire.NewWriter(ArchiveFileRecordSize).
		Raw(f.Hash.Bytes()).
		Uint64(f.Mtime).
		Uint64(f.ActualSize).
		Bytes()
}

// UnmarshalArchiveFile parses the output of ArchiveFile.Marshal.
func UnmarshalArchiveFile(b []byte) (ArchiveFile, error) {
	if len(b) != ArchiveFileRecordSize {
		return ArchiveFile{}, errors.New("archive file record must be %d bytes, got %d",
			ArchiveFileRecordSize, len(b))
	}

	r := wire.NewReader(b)
	raw, _ := r.Raw(pathhash.Size)
	hash, err := pathhash.FromBytes(raw)
	if err != nil {
		return ArchiveFile{}, err
	}
	mtime, _ := r.Uint64()
	size, _ := r.Uint64()
	return ArchiveFile{Hash: hash, Mtime: mtime, ActualSize: size}, nil
}

// Archive is the copy of a remote peer's source folder that this node
// stores. Objects are stored under `<dataDir>/archive/<folder>/` with a two
// level layout so that no single directory gets too large.
type Archive struct {
	Hash pathhash.Hash

	dir string

	lock       goSync.Mutex
	actualSize uint64
	files      []ArchiveFile
	dirty      bool
}

// ArchiveDir returns the directory that the archive for `hash` is stored in.
func ArchiveDir(dataDir string, hash pathhash.Hash) string {
	return filepath.Join(dataDir, "archive", hash.Base64())
}

// OpenArchive loads the archive for `hash`, creating its directory if it
// doesn't exist yet.
func OpenArchive(dataDir string, hash pathhash.Hash, actualSize uint64) (*Archive, error) {
	a := &Archive{
		Hash:       hash,
		dir:        ArchiveDir(dataDir, hash),
		actualSize: actualSize,
	}

	if err := os.MkdirAll(a.dir, 0750); err != nil {
		return nil, errors.WithContext(err, "make archive dir")
	}

	contents, err := os.ReadFile(a.filesDatPath())
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return nil, errors.WithContext(err, "read file list")
	}

	records, err := wire.DecodeBlobList(contents)
	if err != nil {
		return nil, errors.WithContext(err, "parse file list")
	}

	for _, record := range records {
		f, err := UnmarshalArchiveFile(record)
		if err != nil {
			return nil, errors.WithContext(err, "parse file list")
		}
		a.files = append(a.files, f)
	}
	sort.Slice(a.files, func(i, j int) bool {
		return a.files[i].Hash.Less(a.files[j].Hash)
	})
	return a, nil
}

// Dir returns the directory the archive is stored in.
func (a *Archive) Dir() string {
	return a.dir
}

func (a *Archive) filesDatPath() string {
	return filepath.Join(a.dir, filesDatName)
}

// ObjectPath returns the path that the object for `hash` is stored at.
func (a *Archive) ObjectPath(hash pathhash.Hash) string {
	dir, file := hash.Split()
	return filepath.Join(a.dir, dir, file)
}

// ActualSize returns the number of bytes stored in the archive.
func (a *Archive) ActualSize() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.actualSize
}

// Files returns the files in the archive, sorted by hash.
func (a *Archive) Files() []ArchiveFile {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]ArchiveFile(nil), a.files...)
}

// FileTimes returns the listing of the archive used for diffing.
func (a *Archive) FileTimes() []sync.FileTime {
	a.lock.Lock()
	defer a.lock.Unlock()

	fts := make([]sync.FileTime, 0, len(a.files))
	for _, f := range a.files {
		fts = append(fts, sync.FileTime{Hash: f.Hash, Mtime: f.Mtime})
	}
	return fts
}

// File looks up a file by hash.
func (a *Archive) File(hash pathhash.Hash) (ArchiveFile, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()

	i, ok := a.find(hash)
	if !ok {
		return ArchiveFile{}, false
	}
	return a.files[i], true
}

// find returns the index of `hash`, or where it would be inserted. The caller
// must hold the lock.
func (a *Archive) find(hash pathhash.Hash) (int, bool) {
	i := sort.Search(len(a.files), func(i int) bool {
		return a.files[i].Hash.Compare(hash) >= 0
	})
	return i, i < len(a.files) && a.files[i].Hash == hash
}

// WriteFile stores `object` as the contents of `hash`, replacing any previous
// version.
func (a *Archive) WriteFile(hash pathhash.Hash, mtime uint64, object []byte) error {
	path := a.ObjectPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return errors.WithContext(err, "make object dir")
	}

	f, err := lock.Open(path)
	if err != nil {
		return errors.WithContext(err, "lock object")
	}
	defer f.Close()

	if err := f.Overwrite(object); err != nil {
		return errors.WithContext(err, "write object")
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	record := ArchiveFile{Hash: hash, Mtime: mtime, ActualSize: uint64(len(object))}
	i, ok := a.find(hash)
	if ok {
		a.actualSize -= a.files[i].ActualSize
		a.files[i] = record
	} else {
		a.files = append(a.files, ArchiveFile{})
		copy(a.files[i+1:], a.files[i:])
		a.files[i] = record
	}
	a.actualSize += record.ActualSize
	a.dirty = true
	return nil
}

// RemoveFile deletes the object for `hash`.
func (a *Archive) RemoveFile(hash pathhash.Hash) error {
	if _, ok := a.File(hash); !ok {
		return errors.WithContext(errors.ErrNotFound, hash.Base64())
	}

	f, err := lock.Open(a.ObjectPath(hash))
	if err != nil {
		return errors.WithContext(err, "lock object")
	}
	if err := f.Remove(); err != nil {
		return errors.WithContext(err, "remove object")
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if i, ok := a.find(hash); ok {
		a.actualSize -= a.files[i].ActualSize
		a.files = append(a.files[:i], a.files[i+1:]...)
		a.dirty = true
	}
	return nil
}

// ReadFile returns the stored object for `hash`.
func (a *Archive) ReadFile(hash pathhash.Hash) (ArchiveFile, []byte, error) {
	record, ok := a.File(hash)
	if !ok {
		return ArchiveFile{}, nil, errors.WithContext(errors.ErrNotFound, hash.Base64())
	}

	f, err := lock.Open(a.ObjectPath(hash))
	if err != nil {
		return ArchiveFile{}, nil, errors.WithContext(err, "lock object")
	}
	defer f.Close()

	object, err := f.ReadAll()
	if err != nil {
		return ArchiveFile{}, nil, errors.WithContext(err, "read object")
	}
	return record, object, nil
}

// ReadMetadata returns only the encrypted metadata of the object for `hash`.
// The content isn't read.
func (a *Archive) ReadMetadata(hash pathhash.Hash) (ArchiveFile, []byte, error) {
	record, ok := a.File(hash)
	if !ok {
		return ArchiveFile{}, nil, errors.WithContext(errors.ErrNotFound, hash.Base64())
	}

	f, err := lock.Open(a.ObjectPath(hash))
	if err != nil {
		return ArchiveFile{}, nil, errors.WithContext(err, "lock object")
	}
	defer f.Close()

	header, err := f.ReadAt(0, wire.VuintLen(^uint64(0)))
	if err != nil {
		return ArchiveFile{}, nil, errors.WithContext(err, "read header")
	}

	metaLen, n, err := wire.DecodeVuint(header)
	if err != nil {
		return ArchiveFile{}, nil, errors.WithContext(err, "parse header")
	}

	size, err := f.Size()
	if err != nil {
		return ArchiveFile{}, nil, errors.WithContext(err, "stat object")
	}
	if metaLen > uint64(size)-uint64(n) {
		return ArchiveFile{}, nil, errors.NewProtocolError(
			"object %s claims %d bytes of metadata but holds %d",
			hash.Base64(), metaLen, uint64(size)-uint64(n))
	}

	meta, err := f.ReadAt(int64(n), int(metaLen))
	if err != nil {
		return ArchiveFile{}, nil, errors.WithContext(err, "read metadata")
	}
	if uint64(len(meta)) != metaLen {
		return ArchiveFile{}, nil, errors.New("object %s is truncated", hash.Base64())
	}
	return record, meta, nil
}

// Save writes the file list to disk if it changed. The list is replaced
// atomically.
func (a *Archive) Save() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if !a.dirty {
		return nil
	}

	records := make([][]byte, 0, len(a.files))
	for _, f := range a.files {
		records = append(records, f.Marshal())
	}

	if err := renameio.WriteFile(a.filesDatPath(), wire.EncodeBlobList(records), 0640); err != nil {
		return errors.WithContext(err, "write file list")
	}
	a.dirty = false
	return nil
}

// Close saves the archive.
func (a *Archive) Close() error {
	return a.Save()
}

// RemoveData deletes everything stored in the archive.
func (a *Archive) RemoveData() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if err := os.RemoveAll(a.dir); err != nil {
		return errors.WithContext(err, "remove archive dir")
	}
	a.files = nil
	a.actualSize = 0
	a.dirty = false
	return nil
}
