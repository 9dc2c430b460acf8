package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// StoredFile describes a photo after it has been written to disk. Files are
// never mutated in place once written.
type StoredFile struct {
	Name string `json:"fileName"`
	Path string `json:"filePath"`
	Size int64  `json:"size"`
}

// Writer streams uploads into the module-scoped directory tree under Root.
type Writer struct {
	Root string
}

// Write copies r fully into dir/filename, creating intermediate directories
// as needed. A repeat write with the same name overwrites silently; the
// pipeline treats filenames as client-owned and does not deduplicate.
func (w *Writer) Write(dir, filename string, r io.Reader) (StoredFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StoredFile{}, fmt.Errorf("create %q: %w", dir, err)
	}

	path := filepath.Join(dir, filepath.Base(filename))
	f, err := os.Create(path)
	if err != nil {
		return StoredFile{}, fmt.Errorf("create %q: %w", path, err)
	}

	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return StoredFile{}, fmt.Errorf("write %q: %w", path, err)
	}

	return StoredFile{Name: filepath.Base(filename), Path: path, Size: size}, nil
}

// RemoveModuleDirs deletes every first-level directory under the kind folder
// whose name starts with moduleID and returns how many were removed.
func (w *Writer) RemoveModuleDirs(kind ModuleKind, moduleID string) (int, error) {
	if moduleID == "" {
		return 0, fmt.Errorf("module id is required")
	}

	kindDir := filepath.Join(w.Root, string(kind))
	entries, err := os.ReadDir(kindDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %q: %w", kindDir, err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), moduleID) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(kindDir, entry.Name())); err != nil {
			return removed, fmt.Errorf("remove %q: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}
