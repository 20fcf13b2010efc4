// Package stage manages the local staging directory holding fetched
// hour files until they are synced to the remote store.
package stage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lumehq/ampsync/internal/bucket"
)

// Dir is a staging directory with one file per hour bucket.
type Dir struct {
	path string
}

// Open ensures the staging directory exists and returns it.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create staging directory %s: %w", path, err)
	}
	return &Dir{path: path}, nil
}

// Path returns the file path holding h.
func (d *Dir) Path(h bucket.Hour) string {
	return filepath.Join(d.path, h.Filename())
}

// List returns the set of hours staged in the directory. Files that are
// not hour files (temp files, foreign files) are ignored.
func (d *Dir) List() (bucket.Set, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("list staging directory %s: %w", d.path, err)
	}

	hours := bucket.NewSet()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		h, err := bucket.ParseFilename(entry.Name())
		if err != nil {
			continue
		}
		hours.Add(h)
	}
	return hours, nil
}

// Open opens the staged file for h for reading.
func (d *Dir) Open(h bucket.Hour) (*os.File, error) {
	f, err := os.Open(d.Path(h))
	if err != nil {
		return nil, fmt.Errorf("open staged file for %s: %w", h, err)
	}
	return f, nil
}

// Size returns the byte size of the staged file for h.
func (d *Dir) Size(h bucket.Hour) (int64, error) {
	info, err := os.Stat(d.Path(h))
	if err != nil {
		return 0, fmt.Errorf("stat staged file for %s: %w", h, err)
	}
	return info.Size(), nil
}

// Remove deletes the staged file for h.
func (d *Dir) Remove(h bucket.Hour) error {
	if err := os.Remove(d.Path(h)); err != nil {
		return fmt.Errorf("remove staged file for %s: %w", h, err)
	}
	return nil
}

// File is an hour file being written. Bytes go to a temp file in the
// same directory and become visible only on Commit, so a failed write
// never leaves a partial hour behind.
type File struct {
	w        *bufio.Writer
	f        *os.File
	tempPath string
	path     string
}

// Create opens a staged writer for h, truncating any previous temp file.
func (d *Dir) Create(h bucket.Hour) (*File, error) {
	path := d.Path(h)
	tempPath := path + ".tmp"

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create temp file %s: %w", tempPath, err)
	}

	return &File{
		w:        bufio.NewWriter(f),
		f:        f,
		tempPath: tempPath,
		path:     path,
	}, nil
}

// Write appends p to the staged file.
func (f *File) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

// Commit flushes the staged bytes and renames the file into place.
func (f *File) Commit() error {
	if err := f.w.Flush(); err != nil {
		f.f.Close()
		os.Remove(f.tempPath)
		return fmt.Errorf("flush temp file %s: %w", f.tempPath, err)
	}
	if err := f.f.Close(); err != nil {
		os.Remove(f.tempPath)
		return fmt.Errorf("close temp file %s: %w", f.tempPath, err)
	}
	if err := os.Rename(f.tempPath, f.path); err != nil {
		os.Remove(f.tempPath)
		return fmt.Errorf("rename %s to %s: %w", f.tempPath, f.path, err)
	}
	return nil
}

// Discard drops the staged bytes without making them visible.
func (f *File) Discard() {
	f.f.Close()
	os.Remove(f.tempPath)
}
