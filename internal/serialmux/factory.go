package serialmux

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.bug.st/serial"

	"github.com/banshee-data/serial-sensors/internal/monitoring"
)

// ErrReadOnlyPort is returned when commands are sent to a replayed archive.
var ErrReadOnlyPort = errors.New("port is read-only")

// RealPortFactory opens hardware serial ports through go.bug.st/serial.
type RealPortFactory struct{}

// Open implements SerialPortFactory.
func (RealPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	return openSerial(path, opts)
}

func openSerial(path string, opts PortOptions) (serial.Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// OpenSerialMux opens the port at path through factory and returns a
// SerialMux reading from it. A nil factory opens hardware ports.
func OpenSerialMux(factory SerialPortFactory, path string, opts PortOptions, cfg Config) (*SerialMux[SerialPorter], error) {
	if factory == nil {
		factory = RealPortFactory{}
	}
	opts, err := opts.Normalise()
	if err != nil {
		return nil, err
	}
	port, err := factory.Open(path, opts)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("opened %s at %s", path, opts)
	return NewSerialMux(port, cfg), nil
}

// FilePort replays a raw frame archive as if it were a device. Archives
// ending in .gz are decompressed on the fly. Writes fail with
// ErrReadOnlyPort.
type FilePort struct {
	f *os.File
	z *gzip.Reader
	r io.Reader
}

// OpenFilePort opens a raw archive for replay.
func OpenFilePort(path string) (*FilePort, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	p := &FilePort{f: f, r: bufio.NewReader(f)}
	if strings.EqualFold(filepath.Ext(path), ".gz") {
		z, err := gzip.NewReader(p.r)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open gzip archive %s: %w", path, err)
		}
		p.z = z
		p.r = z
	}
	return p, nil
}

func (p *FilePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *FilePort) Write([]byte) (int, error) { return 0, ErrReadOnlyPort }

func (p *FilePort) Close() error {
	var zerr error
	if p.z != nil {
		zerr = p.z.Close()
	}
	return errors.Join(zerr, p.f.Close())
}

// NewFileSerialMux creates a SerialMux that replays the raw archive at path
// through the same pipeline as a live device.
func NewFileSerialMux(path string, cfg Config) (*SerialMux[*FilePort], error) {
	port, err := OpenFilePort(path)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port, cfg), nil
}
