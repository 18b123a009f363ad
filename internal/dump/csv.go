// Package dump writes the decoded stream to disk: one CSV file per sensor
// stream, and a raw archive of accepted frames that can be replayed later.
package dump

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/serial-sensors/internal/dispatch"
	"github.com/banshee-data/serial-sensors/internal/fsutil"
	"github.com/banshee-data/serial-sensors/internal/monitoring"
	"github.com/banshee-data/serial-sensors/internal/sensor"
)

// commonColumns lead every CSV row.
var commonColumns = []string{"device_timestamp", "device_ticks", "device_time", "host_timestamp", "sequence_number", "encoding"}

// Header returns the CSV header row for records of kind k.
func Header(k sensor.Kind) []string {
	return append(append([]string(nil), commonColumns...), k.FieldNames()...)
}

// Row renders rec as a CSV row matching Header(rec.Kind).
func Row(rec *sensor.Record) []string {
	row := []string{
		strconv.FormatUint(uint64(rec.DeviceTimestamp), 10),
		strconv.FormatUint(rec.DeviceTicks, 10),
		formatTime(rec.DeviceTime),
		formatTime(rec.HostTimestamp),
		strconv.FormatUint(rec.Sequence, 10),
		rec.Encoding.String(),
	}
	switch rec.Kind {
	case sensor.Identification:
		row = append(row, rec.IdentCode.String(), rec.IdentText)
	case sensor.KindUnknown:
		row = append(row, hex.EncodeToString(rec.Payload))
	default:
		for _, v := range rec.Values {
			row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
		}
	}
	return row
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

type csvStream struct {
	path string
	file io.WriteCloser
	w    *csv.Writer
	rows uint64
}

// CSVSink writes each record stream to <dir>/<stem>.csv. Files are opened
// lazily on the first record of their stream, in append mode, and get a
// header row only when they start out empty.
type CSVSink struct {
	fs  fsutil.FileSystem
	dir string

	mu      sync.Mutex
	streams map[string]*csvStream
	written map[string]uint64
}

// NewCSVSink creates dir if needed and returns a sink writing into it.
func NewCSVSink(fsys fsutil.FileSystem, dir string) (*CSVSink, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create csv directory: %w", err)
	}
	return &CSVSink{fs: fsys, dir: dir, streams: make(map[string]*csvStream), written: make(map[string]uint64)}, nil
}

// Accepts is the delivery mask the sink should be registered with.
func (s *CSVSink) Accepts() dispatch.Accepts { return dispatch.AcceptRecords }

// Accept writes a record row. StreamEnded flushes every open file; other
// events are ignored.
func (s *CSVSink) Accept(_ context.Context, d dispatch.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case d.Record != nil:
		return s.write(d.Record)
	case d.IsStreamEnd():
		return s.flush()
	}
	return nil
}

func (s *CSVSink) write(rec *sensor.Record) error {
	st, err := s.stream(rec)
	if err != nil {
		return err
	}
	if err := st.w.Write(Row(rec)); err != nil {
		return fmt.Errorf("write %s: %w", st.path, err)
	}
	st.rows++
	return nil
}

func (s *CSVSink) stream(rec *sensor.Record) (*csvStream, error) {
	stem := rec.Stem()
	if st, ok := s.streams[stem]; ok {
		return st, nil
	}

	path := filepath.Join(s.dir, stem+".csv")
	needHeader := true
	if info, err := s.fs.Stat(path); err == nil {
		needHeader = info.Size() == 0
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	f, err := s.fs.OpenAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	st := &csvStream{path: path, file: f, w: csv.NewWriter(f), rows: s.written[path]}
	if needHeader {
		if err := st.w.Write(Header(rec.Kind)); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header %s: %w", path, err)
		}
	}
	s.streams[stem] = st
	monitoring.Debugf("csv: opened %s (header=%t)", path, needHeader)
	return st, nil
}

func (s *CSVSink) flush() error {
	var errs []error
	for _, st := range s.streams {
		st.w.Flush()
		if err := st.w.Error(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", st.path, err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes and closes every file. Records arriving after Close open
// their files again.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := []error{s.flush()}
	for stem, st := range s.streams {
		if err := st.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", st.path, err))
		}
		s.written[st.path] = st.rows
		delete(s.streams, stem)
	}
	return errors.Join(errs...)
}

// Rows reports how many rows were written per file path.
func (s *CSVSink) Rows() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]uint64, len(s.written)+len(s.streams))
	for path, n := range s.written {
		out[path] = n
	}
	for _, st := range s.streams {
		out[st.path] = st.rows
	}
	return out
}
