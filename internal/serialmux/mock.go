package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// MockSerialPort replays a fixed set of frames on a timer, emulating a device
// for development without hardware. Commands written to it are captured.
type MockSerialPort struct {
	r *io.PipeReader

	mu      sync.Mutex
	written bytes.Buffer
	stop    chan struct{}
	once    sync.Once
}

func (m *MockSerialPort) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.Write(p)
}

// Written returns a copy of everything written to the port.
func (m *MockSerialPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.written.Bytes())
}

func (m *MockSerialPort) Close() error {
	m.once.Do(func() { close(m.stop) })
	return m.r.Close()
}

// NewMockSerialMux creates a SerialMux instance backed by a mock serial port
// that writes each of frames in turn, one every interval, forever.
func NewMockSerialMux(frames [][]byte, interval time.Duration, cfg Config) *SerialMux[*MockSerialPort] {
	r, w := io.Pipe()
	mockPort := &MockSerialPort{r: r, stop: make(chan struct{})}

	go func() {
		defer w.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; len(frames) > 0; i = (i + 1) % len(frames) {
			select {
			case <-mockPort.stop:
				return
			case <-ticker.C:
			}
			if _, err := w.Write(frames[i]); err != nil {
				return
			}
		}
	}()

	return NewSerialMux(mockPort, cfg)
}

// errPortClosed is returned by TestableSerialPort after Close.
var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is a scripted SerialPorter for ingestion tests. Bytes
// queued with AddReadData are served in order; once they are drained the
// port reports the scripted end of stream, a read failure, or no data.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond

	pending bytes.Buffer
	written bytes.Buffer

	// WriteError fails the next Write.
	WriteError error
	// Closed reports whether Close was called.
	Closed bool
	// BlockReads makes a drained port block until more data, end of stream
	// or Close. Otherwise it reads as (0, nil), like a port in timeout mode.
	BlockReads bool
	// MaxReadSize caps the bytes returned per Read so frames arrive split.
	MaxReadSize int

	ended       bool
	readErr     error
	readTimeout time.Duration
}

// NewTestableSerialPort returns an empty, open port.
func NewTestableSerialPort() *TestableSerialPort {
	t := &TestableSerialPort{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *TestableSerialPort) drained() bool {
	return t.pending.Len() == 0
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.BlockReads && t.drained() && !t.Closed && !t.ended && t.readErr == nil {
		t.cond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	if t.drained() {
		if err := t.readErr; err != nil {
			t.readErr = nil
			return 0, err
		}
		if t.ended {
			return 0, io.EOF
		}
		return 0, nil
	}
	if t.MaxReadSize > 0 && len(p) > t.MaxReadSize {
		p = p[:t.MaxReadSize]
	}
	return t.pending.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.Closed:
		return 0, errPortClosed
	case t.WriteError != nil:
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	return t.written.Write(p)
}

// Close wakes blocked readers; later reads and writes fail.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	t.Closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	t.readTimeout = timeout
	t.mu.Unlock()
	return nil
}

// AddReadData queues bytes for the device to send.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.script(func() { t.pending.Write(data) })
}

// EndStream makes the drained port read io.EOF, as when the device is
// unplugged.
func (t *TestableSerialPort) EndStream() {
	t.script(func() { t.ended = true })
}

// FailReads makes the next read of the drained port return err.
func (t *TestableSerialPort) FailReads(err error) {
	t.script(func() { t.readErr = err })
}

func (t *TestableSerialPort) script(change func()) {
	t.mu.Lock()
	change()
	t.cond.Broadcast()
	t.mu.Unlock()
}

// GetWrittenData returns a copy of the bytes written so far.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.written.Bytes())
}

// GetReadTimeout returns the timeout last set through SetReadTimeout.
func (t *TestableSerialPort) GetReadTimeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readTimeout
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

// NewMockSerialPortFactory creates a new MockSerialPortFactory.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Options: opts})

	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}
