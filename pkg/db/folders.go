// Package db implements the flat-file databases that track the folders and
// nodes known to this machine. Each database is a serialized list that's
// locked for as long as it's open, and rewritten wholesale when it's saved.
package db

import (
	"path/filepath"
	goSync "sync"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/lock"
	"github.com/sidkik/tbak/pkg/pathhash"
	"github.com/sidkik/tbak/pkg/store"
	"github.com/sidkik/tbak/pkg/wire"
)

// archiveRecordSize is the serialized size of an archive record: the folder
// hash and the number of bytes stored.
const archiveRecordSize = pathhash.Size + 8

// FolderDB tracks the sources backed up from this machine, and the archives
// this machine stores for its peers.
type FolderDB struct {
	dataDir string
	file    *lock.File

	lock     goSync.Mutex
	sources  []*store.Source
	archives []*store.Archive
}

// OpenFolderDB opens the database at `path`. Archives are stored under
// `dataDir`.
func OpenFolderDB(path, dataDir string) (*FolderDB, error) {
	f, err := lock.Open(path)
	if err != nil {
		return nil, errors.WithContext(err, "lock folder db")
	}

	db := &FolderDB{dataDir: dataDir, file: f}
	if err := db.load(); err != nil {
		f.Close()
		return nil, errors.WithContext(err, "load folder db")
	}
	return db, nil
}

func (db *FolderDB) load() error {
	contents, err := db.file.ReadAll()
	if err != nil {
		return err
	}
	if len(contents) == 0 {
		return nil
	}

	r := wire.NewReader(contents)
	archiveRecords, err := r.BlobList()
	if err != nil {
		return errors.WithContext(err, "parse archives")
	}
	sourcePaths, err := r.BlobList()
	if err != nil {
		return errors.WithContext(err, "parse sources")
	}

	for _, record := range archiveRecords {
		rr := wire.NewReader(record)
		raw, err := rr.Raw(pathhash.Size)
		if err != nil {
			return errors.WithContext(err, "parse archive")
		}
		hash, err := pathhash.FromBytes(raw)
		if err != nil {
			return err
		}
		actualSize, err := rr.Uint64()
		if err != nil {
			return errors.WithContext(err, "parse archive")
		}

		archive, err := store.OpenArchive(db.dataDir, hash, actualSize)
		if err != nil {
			return errors.WithContext(err, "open archive "+hash.Base64())
		}
		db.archives = append(db.archives, archive)
	}

	for _, path := range sourcePaths {
		db.sources = append(db.sources, store.NewSource(string(path)))
	}
	return nil
}

// Save writes the database and the file lists of all archives to disk.
func (db *FolderDB) Save() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	var archiveRecords, sourcePaths [][]byte
	for _, archive := range db.archives {
		if err := archive.Save(); err != nil {
			return errors.WithContext(err, "save archive "+archive.Hash.Base64())
		}

		record := wire.NewWriter(archiveRecordSize).
			Raw(archive.Hash.Bytes()).
			Uint64(archive.ActualSize()).
			Bytes()
		archiveRecords = append(archiveRecords, record)
	}
	for _, source := range db.sources {
		sourcePaths = append(sourcePaths, []byte(source.Path))
	}

	contents := wire.NewWriter(0).BlobList(archiveRecords).BlobList(sourcePaths).Bytes()
	if err := db.file.Overwrite(contents); err != nil {
		return errors.WithContext(err, "write folder db")
	}
	return nil
}

// Close saves the database and releases its lock.
func (db *FolderDB) Close() error {
	saveErr := db.Save()
	if err := db.file.Close(); err != nil && saveErr == nil {
		return errors.WithContext(err, "unlock folder db")
	}
	return saveErr
}

// Sources returns the registered sources.
func (db *FolderDB) Sources() []*store.Source {
	db.lock.Lock()
	defer db.lock.Unlock()
	return append([]*store.Source(nil), db.sources...)
}

// Archives returns the archives stored on this machine.
func (db *FolderDB) Archives() []*store.Archive {
	db.lock.Lock()
	defer db.lock.Unlock()
	return append([]*store.Archive(nil), db.archives...)
}

// Source looks up a source by path. Relative paths are resolved against the
// working directory.
func (db *FolderDB) Source(path string) (*store.Source, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}

	db.lock.Lock()
	defer db.lock.Unlock()
	for _, source := range db.sources {
		if source.Path == abs {
			return source, true
		}
	}
	return nil, false
}

// Archive looks up an archive by folder hash.
func (db *FolderDB) Archive(hash pathhash.Hash) (*store.Archive, bool) {
	db.lock.Lock()
	defer db.lock.Unlock()
	for _, archive := range db.archives {
		if archive.Hash == hash {
			return archive, true
		}
	}
	return nil, false
}

// AddSource registers the folder at `path`. Adding a source twice is a no-op.
func (db *FolderDB) AddSource(path string) (*store.Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.WithContext(err, "absolute path")
	}

	if source, ok := db.Source(abs); ok {
		return source, nil
	}

	source := store.NewSource(abs)
	db.lock.Lock()
	db.sources = append(db.sources, source)
	db.lock.Unlock()
	return source, nil
}

// AddArchive starts storing an archive for the given folder. Adding an
// archive twice returns the existing one.
func (db *FolderDB) AddArchive(hash pathhash.Hash) (*store.Archive, error) {
	if archive, ok := db.Archive(hash); ok {
		return archive, nil
	}

	archive, err := store.OpenArchive(db.dataDir, hash, 0)
	if err != nil {
		return nil, errors.WithContext(err, "open archive")
	}

	db.lock.Lock()
	db.archives = append(db.archives, archive)
	db.lock.Unlock()
	return archive, nil
}

// RemoveSource unregisters a source. The folder itself isn't touched.
func (db *FolderDB) RemoveSource(path string) error {
	source, ok := db.Source(path)
	if !ok {
		return errors.WithContext(errors.ErrNotFound, path)
	}

	db.lock.Lock()
	defer db.lock.Unlock()
	for i, s := range db.sources {
		if s == source {
			db.sources = append(db.sources[:i], db.sources[i+1:]...)
			break
		}
	}
	return nil
}

// RemoveArchive deletes an archive and everything stored in it.
func (db *FolderDB) RemoveArchive(hash pathhash.Hash) error {
	archive, ok := db.Archive(hash)
	if !ok {
		return errors.WithContext(errors.ErrNotFound, hash.Base64())
	}

	if err := archive.RemoveData(); err != nil {
		return errors.WithContext(err, "remove archive data")
	}

	db.lock.Lock()
	defer db.lock.Unlock()
	for i, a := range db.archives {
		if a == archive {
			db.archives = append(db.archives[:i], db.archives[i+1:]...)
			break
		}
	}
	return nil
}

// RemoveArchiveString is RemoveArchive for a base64 rendered hash.
func (db *FolderDB) RemoveArchiveString(b64 string) error {
	hash, err := pathhash.ParseBase64(b64)
	if err != nil {
		return errors.NewFriendlyError("%q isn't a valid folder hash: %s", b64, err)
	}
	return db.RemoveArchive(hash)
}
