package serialmux

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
//
// Read may return (0, nil) when no bytes are available yet; io.EOF or any
// other error ends the stream.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortFactory defines an interface for creating serial ports.
type SerialPortFactory interface {
	// Open opens a serial port at the specified path with the given options.
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities. When a
// port implements it, Monitor sets a read timeout so an idle device yields
// (0, nil) reads instead of blocking forever.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}
