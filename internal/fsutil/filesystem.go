// Package fsutil provides filesystem abstractions for testability.
package fsutil

import (
	"bytes"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing/fstest"
)

// FileSystem abstracts the filesystem operations used by the output sinks.
// Use OSFileSystem for production; MemoryFileSystem for testing.
type FileSystem interface {
	// Open opens the named file for reading.
	Open(name string) (fs.File, error)

	// OpenAppend opens the named file for appending, creating it if
	// necessary.
	OpenAppend(name string) (io.WriteCloser, error)

	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// Stat returns a FileInfo describing the named file.
	Stat(name string) (fs.FileInfo, error)

	// MkdirAll creates a directory and all necessary parents.
	MkdirAll(path string, perm os.FileMode) error
}

// OSFileSystem implements FileSystem using the os package.
type OSFileSystem struct{}

// Open opens the named file.
func (OSFileSystem) Open(name string) (fs.File, error) {
	return os.Open(name)
}

// OpenAppend opens the named file in append mode.
func (OSFileSystem) OpenAppend(name string) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

// ReadFile reads the named file.
func (OSFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// Stat returns file info for the named file.
func (OSFileSystem) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

// MkdirAll creates a directory path.
func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// MemoryFileSystem is an in-memory FileSystem for tests. Reads go through
// testing/fstest snapshots, so readers never observe a later append.
type MemoryFileSystem struct {
	mu       sync.RWMutex
	files    map[string]*fstest.MapFile
	dirs     map[string]bool
	writeErr error
}

// NewMemoryFileSystem returns an empty filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files: make(map[string]*fstest.MapFile),
		dirs:  make(map[string]bool),
	}
}

// FailWrites makes every subsequent write return err, as a full disk
// would. A nil err restores normal behaviour.
func (m *MemoryFileSystem) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// snapshot exposes a copy of the entry at name as a single-file MapFS keyed
// by its base name. It returns fs.ErrNotExist when there is no such entry.
func (m *MemoryFileSystem) snapshot(op, name string) (fstest.MapFS, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	key := filepath.Base(name)
	if !fs.ValidPath(key) || key == "." {
		key = "root"
	}
	if f, ok := m.files[name]; ok {
		return fstest.MapFS{key: &fstest.MapFile{Data: bytes.Clone(f.Data), Mode: f.Mode}}, key, nil
	}
	if m.dirs[name] {
		return fstest.MapFS{key: &fstest.MapFile{Mode: fs.ModeDir | 0o755}}, key, nil
	}
	return nil, "", &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
}

// Open opens a snapshot of the named file for reading.
func (m *MemoryFileSystem) Open(name string) (fs.File, error) {
	snap, key, err := m.snapshot("open", name)
	if err != nil {
		return nil, err
	}
	return snap.Open(key)
}

// ReadFile returns a copy of the named file's contents.
func (m *MemoryFileSystem) ReadFile(name string) ([]byte, error) {
	snap, key, err := m.snapshot("read", name)
	if err != nil {
		return nil, err
	}
	return snap.ReadFile(key)
}

// Stat describes the named file or directory.
func (m *MemoryFileSystem) Stat(name string) (fs.FileInfo, error) {
	snap, key, err := m.snapshot("stat", name)
	if err != nil {
		return nil, err
	}
	return snap.Stat(key)
}

// OpenAppend opens a file for appending. The parent directory must exist.
// Writes are visible immediately.
func (m *MemoryFileSystem) OpenAppend(name string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = filepath.Clean(name)
	if dir := filepath.Dir(name); dir != "." && dir != "/" && !m.dirs[dir] {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	if _, ok := m.files[name]; !ok {
		m.files[name] = &fstest.MapFile{Data: []byte{}, Mode: 0o644}
	}
	return &memAppender{fs: m, name: name}, nil
}

// WriteFile replaces the named file's contents.
func (m *MemoryFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filepath.Clean(name)] = &fstest.MapFile{Data: bytes.Clone(data), Mode: perm}
	return nil
}

// MkdirAll records path and its parents as directories.
func (m *MemoryFileSystem) MkdirAll(path string, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for p := filepath.Clean(path); p != "." && p != "/"; p = filepath.Dir(p) {
		m.dirs[p] = true
	}
	return nil
}

// Files lists the regular files, for assertions.
func (m *MemoryFileSystem) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Collect(maps.Keys(m.files))
}

// memAppender appends straight into the backing file.
type memAppender struct {
	fs     *MemoryFileSystem
	name   string
	closed bool
}

func (a *memAppender) Write(p []byte) (int, error) {
	a.fs.mu.Lock()
	defer a.fs.mu.Unlock()

	switch {
	case a.closed:
		return 0, fs.ErrClosed
	case a.fs.writeErr != nil:
		return 0, a.fs.writeErr
	}
	f, ok := a.fs.files[a.name]
	if !ok {
		f = &fstest.MapFile{Mode: 0o644}
		a.fs.files[a.name] = f
	}
	f.Data = append(f.Data, p...)
	return len(p), nil
}

func (a *memAppender) Close() error {
	a.fs.mu.Lock()
	defer a.fs.mu.Unlock()
	a.closed = true
	return nil
}
