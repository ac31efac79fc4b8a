// Package lock provides exclusive access to files on disk.
//
// Locks are flock(2) advisory locks and are never waited on: if someone else
// holds the lock, Open fails immediately with errors.ErrLocked. Because flock
// locks belong to the open file description, two Opens of the same path
// conflict even within a single process.
package lock

import (
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sidkik/tbak/pkg/errors"
)

// File is an open file that we hold an exclusive lock on.
type File struct {
	f    *os.File
	path string
}

// Open opens `path`, creating it if necessary, and locks it.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, errors.WithContext(err, "open")
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errors.WithContext(errors.ErrLocked, path)
		}
		return nil, errors.WithContext(err, "flock")
	}
	return &File{f: f, path: path}, nil
}

// Path returns the path of the locked file.
func (l *File) Path() string {
	return l.path
}

// Size returns the current size of the file.
func (l *File) Size() (int64, error) {
	fi, err := l.f.Stat()
	if err != nil {
		return 0, errors.WithContext(err, "stat")
	}
	return fi.Size(), nil
}

// ReadAt reads up to `n` bytes starting at `off`. It only returns fewer bytes
// if the file ends first, and never allocates past the end of the file.
func (l *File) ReadAt(off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 {
		return nil, errors.New("invalid read of %d bytes at %d", n, off)
	}

	size, err := l.Size()
	if err != nil {
		return nil, err
	}
	if off >= size {
		return nil, nil
	}
	if remaining := size - off; int64(n) > remaining {
		n = int(remaining)
	}

	buf := make([]byte, n)
	read, err := l.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, errors.WithContext(err, "read")
	}
	return buf[:read], nil
}

// ReadAll reads the entire file.
func (l *File) ReadAll() ([]byte, error) {
	size, err := l.Size()
	if err != nil {
		return nil, err
	}
	return l.ReadAt(0, int(size))
}

// Overwrite replaces the contents of the file. The file is truncated and then
// written in place, so a crash in between leaves it empty or partially
// written.
func (l *File) Overwrite(data []byte) error {
	if err := l.f.Truncate(0); err != nil {
		return errors.WithContext(err, "truncate")
	}
	if _, err := l.f.WriteAt(data, 0); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// Remove deletes the file and releases the lock.
func (l *File) Remove() error {
	if err := os.Remove(l.path); err != nil {
		l.Close()
		return errors.WithContext(err, "remove")
	}
	return l.Close()
}

// Close releases the lock.
func (l *File) Close() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return errors.WithContext(err, "unlock")
	}
	return l.f.Close()
}
