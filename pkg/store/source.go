package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	goSync "sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/pathhash"
	"github.com/sidkik/tbak/pkg/sync"
	"github.com/sidkik/tbak/pkg/wire"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Attrs are the file attributes that are restored along with the contents.
type Attrs struct {
	// Mtime is the modification time in seconds since the epoch.
	Mtime uint64
	UID   uint32
	GID   uint32
	Mode  uint16
}

// SourceFile is a regular file inside a Source.
type SourceFile struct {
	// Hash is the PathHash of Path.
	Hash pathhash.Hash

	// Path is relative to the root of the Source, and always uses forward
	// slashes.
	Path string

	RawSize int64
	Attrs
}

// Metadata is the information about a file that's stored, encrypted, next to
// its contents.
type Metadata struct {
	Path string
	UID  uint32
	GID  uint32
	Mode uint16
}

// Metadata returns the serialized metadata of the file.
func (f SourceFile) Metadata() []byte {
	return Metadata{Path: f.Path, UID: f.UID, GID: f.GID, Mode: f.Mode}.Marshal()
}

// Marshal serializes the metadata.
func (m Metadata) Marshal() []byte {
	return wire.NewWriter(len(m.Path)+wire.VuintLen(uint64(len(m.Path)))+10).
		String(m.Path).
		Uint32(m.UID).
		Uint32(m.GID).
		Uint16(m.Mode).
		Bytes()
}

// UnmarshalMetadata parses the output of Metadata.Marshal.
func UnmarshalMetadata(b []byte) (Metadata, error) {
	r := wire.NewReader(b)

	var m Metadata
	var err error
	if m.Path, err = r.String(); err != nil {
		return Metadata{}, errors.WithContext(err, "path")
	}
	if m.UID, err = r.Uint32(); err != nil {
		return Metadata{}, errors.WithContext(err, "uid")
	}
	if m.GID, err = r.Uint32(); err != nil {
		return Metadata{}, errors.WithContext(err, "gid")
	}
	if m.Mode, err = r.Uint16(); err != nil {
		return Metadata{}, errors.WithContext(err, "mode")
	}
	return m, nil
}

// Source is a folder on this machine that is backed up to peers.
type Source struct {
	// Path is the absolute path of the folder on disk.
	Path string

	// Hash identifies the folder to peers. It's normally the PathHash of
	// Path, but differs when restoring into a different directory.
	Hash pathhash.Hash

	lock      goSync.Mutex
	populated bool
	files     []SourceFile
	size      int64
}

// NewSource creates a Source for the folder at `path`.
func NewSource(path string) *Source {
	path = filepath.Clean(path)
	return &Source{Path: path, Hash: pathhash.Of(path)}
}

// NewSourceAt creates a Source that is identified by `hash`, but whose files
// live in `dir`.
func NewSourceAt(hash pathhash.Hash, dir string) *Source {
	return &Source{Path: filepath.Clean(dir), Hash: hash}
}

// Populate walks the folder and replaces the cached file list. A folder that
// doesn't exist is treated as empty.
func (s *Source) Populate() error {
	var files []SourceFile
	var size int64
	err := afero.Walk(fs, s.Path, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.Path {
				return nil
			}
			return errors.WithContext(err, "walk error")
		}

		if !fi.Mode().IsRegular() {
			return nil
		}

		relPath, err := filepath.Rel(s.Path, path)
		if err != nil {
			return errors.WithContext(err, "relative path")
		}
		relPath = filepath.ToSlash(relPath)

		files = append(files, newSourceFile(relPath, fi))
		size += fi.Size()
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Hash.Less(files[j].Hash)
	})

	s.lock.Lock()
	defer s.lock.Unlock()
	s.files = files
	s.size = size
	s.populated = true
	return nil
}

func newSourceFile(relPath string, fi os.FileInfo) SourceFile {
	f := SourceFile{
		Hash:    pathhash.Of(relPath),
		Path:    relPath,
		RawSize: fi.Size(),
		Attrs: Attrs{
			Mtime: uint64(fi.ModTime().Unix()),
			Mode:  uint16(fi.Mode().Perm()),
		},
	}
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		f.UID = stat.Uid
		f.GID = stat.Gid
	}
	return f
}

func (s *Source) ensurePopulated() error {
	s.lock.Lock()
	populated := s.populated
	s.lock.Unlock()

	if populated {
		return nil
	}
	return s.Populate()
}

// Files returns the files in the folder, sorted by hash. The folder is only
// walked the first time; call Populate to pick up changes.
func (s *Source) Files() ([]SourceFile, error) {
	if err := s.ensurePopulated(); err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]SourceFile(nil), s.files...), nil
}

// Size returns the total size of the files in the folder.
func (s *Source) Size() (int64, error) {
	if err := s.ensurePopulated(); err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	return s.size, nil
}

// FileTimes returns the listing of the folder used for diffing.
func (s *Source) FileTimes() ([]sync.FileTime, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}

	fts := make([]sync.FileTime, 0, len(files))
	for _, f := range files {
		fts = append(fts, sync.FileTime{Hash: f.Hash, Mtime: f.Mtime})
	}
	return fts, nil
}

// File looks up a file by hash.
func (s *Source) File(hash pathhash.Hash) (SourceFile, bool, error) {
	if err := s.ensurePopulated(); err != nil {
		return SourceFile{}, false, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	i := sort.Search(len(s.files), func(i int) bool {
		return s.files[i].Hash.Compare(hash) >= 0
	})
	if i < len(s.files) && s.files[i].Hash == hash {
		return s.files[i], true, nil
	}
	return SourceFile{}, false, nil
}

// Load returns the serialized metadata and contents of the file with the
// given hash.
func (s *Source) Load(hash pathhash.Hash) (meta, content []byte, err error) {
	f, ok, err := s.File(hash)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errors.WithContext(errors.ErrNotFound, hash.Base64())
	}

	content, err = afero.ReadFile(fs, filepath.Join(s.Path, filepath.FromSlash(f.Path)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.FileNotFound{Path: f.Path}
		}
		return nil, nil, errors.WithContext(err, "read")
	}
	return f.Metadata(), content, nil
}

// Restore writes a downloaded file into the folder, and applies its
// ownership, mode and modification time.
func (s *Source) Restore(rawMeta []byte, mtime uint64, content []byte) error {
	meta, err := UnmarshalMetadata(rawMeta)
	if err != nil {
		return errors.WithContext(err, "parse metadata")
	}

	path, err := s.resolve(meta.Path)
	if err != nil {
		return err
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WithContext(err, "make parent")
	}

	mode := os.FileMode(meta.Mode).Perm()
	if err := afero.WriteFile(fs, path, content, mode); err != nil {
		return errors.WithContext(err, "write")
	}

	// WriteFile doesn't change the mode of files that already exist.
	if err := fs.Chmod(path, mode); err != nil {
		return errors.WithContext(err, "set file mode")
	}

	if err := fs.Chown(path, int(meta.UID), int(meta.GID)); err != nil {
		// Only root can give files away, so this is expected when restoring
		// someone else's backup.
		log.WithError(err).WithField("path", meta.Path).Debug("Failed to restore file owner")
	}

	// Change the modification time as the last step so that it doesn't get
	// reset by other file operations.
	modTime := time.Unix(int64(mtime), 0)
	if err := fs.Chtimes(path, modTime, modTime); err != nil {
		return errors.WithContext(err, "set file modtime")
	}

	s.lock.Lock()
	s.populated = false
	s.lock.Unlock()
	return nil
}

// resolve converts a path from the metadata into a path on disk, and makes
// sure that it doesn't escape the folder.
func (s *Source) resolve(relPath string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(relPath))
	if relPath == "" || filepath.IsAbs(cleaned) ||
		cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", errors.NewProtocolError("refusing to restore %q outside of %s", relPath, s.Path)
	}
	return filepath.Join(s.Path, cleaned), nil
}
