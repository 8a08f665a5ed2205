// Package vfs abstracts the filesystem operations the journal and the
// node stores need, the way nodestore_disk.py's LocalFS lets larch's
// tests swap in an in-memory filesystem without touching the journal
// logic.
package vfs

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// FS is the filesystem capability set the journal and the disk node
// store depend on. LocalFS implements it against the real filesystem;
// tests may substitute another implementation.
type FS interface {
	// Exists reports whether a file or directory exists.
	Exists(path string) bool

	// MkdirAll creates a directory and any missing parents.
	MkdirAll(path string) error

	// ReadFile returns the full contents of a file.
	ReadFile(path string) ([]byte, error)

	// WriteFile atomically replaces path's contents: the data is
	// written to a scratch file in the same directory, fsync'd, then
	// renamed over path. The directory is created if missing.
	WriteFile(path string, data []byte) error

	// Rename moves oldpath to newpath, replacing any existing file.
	Rename(oldpath, newpath string) error

	// Remove deletes a file. Not an error if it is already gone.
	Remove(path string) error

	// ListDir returns the base names of path's direct children. Not
	// an error if path does not exist (returns nil).
	ListDir(path string) ([]string, error)

	// Sync fsyncs the file at path, if it exists and is a regular
	// file.
	Sync(path string) error

	// Walk returns every regular file reachable under root,
	// recursively, as full paths. Returns nil if root does not
	// exist.
	Walk(root string) ([]string, error)
}

// LocalFS implements FS against the host filesystem.
type LocalFS struct{}

// New returns a LocalFS.
func New() LocalFS { return LocalFS{} }

func (LocalFS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (LocalFS) MkdirAll(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", path)
	}
	return nil
}

func (LocalFS) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return data, nil
}

// WriteFile writes via a uniquely-named scratch file in the same
// directory (the Go analogue of the original's tempfile.mkstemp),
// fsyncs it, then renames it into place. The rename is what gives
// callers an atomic, all-or-nothing update of path.
func (LocalFS) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if !New().Exists(dir) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	scratch := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString())
	f, err := os.OpenFile(scratch, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", scratch)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(scratch)
		return errors.Wrapf(err, "write %s", scratch)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(scratch)
		return errors.Wrapf(err, "fsync %s", scratch)
	}
	if err := f.Close(); err != nil {
		os.Remove(scratch)
		return errors.Wrapf(err, "close %s", scratch)
	}
	if err := os.Rename(scratch, path); err != nil {
		os.Remove(scratch)
		return errors.Wrapf(err, "rename %s to %s", scratch, path)
	}
	return nil
}

func (LocalFS) Rename(oldpath, newpath string) error {
	if err := os.Rename(oldpath, newpath); err != nil {
		return errors.Wrapf(err, "rename %s to %s", oldpath, newpath)
	}
	return nil
}

func (LocalFS) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}

func (LocalFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "readdir %s", path)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (LocalFS) Walk(root string) ([]string, error) {
	if !New().Exists(root) {
		return nil, nil
	}
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", root)
	}
	return files, nil
}

func (LocalFS) Sync(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "open %s for sync", path)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "fsync %s", path)
	}
	return nil
}
