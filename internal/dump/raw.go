package dump

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/banshee-data/serial-sensors/internal/dispatch"
	"github.com/banshee-data/serial-sensors/internal/fsutil"
)

// RawSink appends the bytes of every accepted frame to an archive file. A
// path ending in ".gz" is gzip-compressed; appending to an existing archive
// adds a new gzip member, which readers treat as one stream.
type RawSink struct {
	path string

	mu     sync.Mutex
	file   io.WriteCloser
	gz     *gzip.Writer
	w      *bufio.Writer
	frames uint64
	bytes  uint64
	closed bool
}

// NewRawSink opens path for appending, creating its directory if needed.
func NewRawSink(fsys fsutil.FileSystem, path string) (*RawSink, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}
	f, err := fsys.OpenAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}

	s := &RawSink{path: path, file: f}
	var out io.Writer = f
	if IsGzipPath(path) {
		s.gz = gzip.NewWriter(f)
		out = s.gz
	}
	s.w = bufio.NewWriterSize(out, 64*1024)
	return s, nil
}

// IsGzipPath reports whether path selects a compressed archive.
func IsGzipPath(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// Accepts is the delivery mask the sink should be registered with.
func (s *RawSink) Accepts() dispatch.Accepts { return dispatch.AcceptFrames }

// Accept appends a frame. StreamEnded flushes buffered data to the file.
func (s *RawSink) Accept(_ context.Context, d dispatch.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("archive %s: %w", s.path, errSinkClosed)
	}
	switch {
	case d.Frame != nil:
		n, err := s.w.Write(d.Frame.Raw)
		s.bytes += uint64(n)
		if err != nil {
			return fmt.Errorf("write archive %s: %w", s.path, err)
		}
		s.frames++
	case d.IsStreamEnd():
		return s.flush()
	}
	return nil
}

func (s *RawSink) flush() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush archive %s: %w", s.path, err)
	}
	if s.gz != nil {
		if err := s.gz.Flush(); err != nil {
			return fmt.Errorf("flush archive %s: %w", s.path, err)
		}
	}
	return nil
}

// Close flushes and closes the archive.
func (s *RawSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	errs := []error{s.flush()}
	if s.gz != nil {
		errs = append(errs, s.gz.Close())
	}
	errs = append(errs, s.file.Close())
	return errors.Join(errs...)
}

// Written reports the frames and bytes archived so far.
func (s *RawSink) Written() (frames, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.bytes
}

var errSinkClosed = errors.New("sink closed")
