// Package serialmux reads the framed sensor protocol from a serial port and
// drives the ingestion pipeline: frame synchronisation, decoding, clock
// correlation and fan-out to sinks through a dispatch hub. Clients can also
// subscribe to the decoded stream and send commands to the single device.
package serialmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/serial-sensors/internal/dispatch"
	"github.com/banshee-data/serial-sensors/internal/frame"
	"github.com/banshee-data/serial-sensors/internal/monitoring"
	"github.com/banshee-data/serial-sensors/internal/sensor"
	"github.com/banshee-data/serial-sensors/internal/timeutil"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

const (
	DefaultReadChunkSize   = 1024
	DefaultShutdownTimeout = 5 * time.Second
	DefaultIdleBackoff     = 5 * time.Millisecond
	// DefaultReadTimeout bounds blocking reads on ports that support it.
	DefaultReadTimeout = 100 * time.Millisecond
)

// Config tunes the ingestion loop. Zero values select defaults.
type Config struct {
	ReadChunkSize   int
	DefaultEncoding sensor.Encoding
	Sync            frame.Options
	Clock           timeutil.Clock
	TickDuration    time.Duration
	ShutdownTimeout time.Duration
	// IdleBackoff is how long the reader waits after a (0, nil) read.
	IdleBackoff            time.Duration
	ReadTimeout            time.Duration
	OverflowReportInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadChunkSize <= 0 {
		c.ReadChunkSize = DefaultReadChunkSize
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = DefaultIdleBackoff
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// SerialMux is a generic serial port multiplexer that decodes the sensor
// stream of a single port and fans it out to registered sinks and
// subscribers.
type SerialMux[T SerialPorter] struct {
	port T
	cfg  Config
	hub  *dispatch.Hub

	subscribers  map[string]*dispatch.ChanSink
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	idleReads atomic.Uint64
	statsMu   sync.Mutex
	stats     PipelineStats
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe registers a new live subscriber for decoded records and
	// events. The ID is used to identify the subscriber when unsubscribing.
	Subscribe() (string, <-chan dispatch.Delivery)
	// Unsubscribe removes a subscriber.
	Unsubscribe(string)
	// Register adds a sink to the dispatch hub.
	Register(id string, sink dispatch.Sink, opts dispatch.Options) error
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Monitor reads the serial port until the stream ends or ctx is
	// cancelled, then shuts the sinks down.
	Monitor(context.Context) error
	// Stats returns a snapshot of the pipeline counters.
	Stats() PipelineStats
	// AttachAdminRoutes mounts the debug routes on mux.
	AttachAdminRoutes(mux *http.ServeMux)
	// Close closes all subscribers and the serial port.
	Close() error
}

// NewSerialMux creates a SerialMux instance reading from port.
func NewSerialMux[T SerialPorter](port T, cfg Config) *SerialMux[T] {
	cfg = cfg.withDefaults()
	return &SerialMux[T]{
		port: port,
		cfg:  cfg,
		hub: dispatch.NewHub(dispatch.HubOptions{
			Clock:                  cfg.Clock,
			OverflowReportInterval: cfg.OverflowReportInterval,
		}),
		subscribers: make(map[string]*dispatch.ChanSink),
	}
}

// Hub exposes the dispatch hub for sink registration and stats.
func (s *SerialMux[T]) Hub() *dispatch.Hub { return s.hub }

// Register adds a sink to the dispatch hub.
func (s *SerialMux[T]) Register(id string, sink dispatch.Sink, opts dispatch.Options) error {
	return s.hub.Register(id, sink, opts)
}

// Subscribe returns a channel of decoded records and control events. The
// channel is closed when the stream ends or the subscriber is removed.
func (s *SerialMux[T]) Subscribe() (string, <-chan dispatch.Delivery) {
	id := "subscriber-" + uuid.NewString()
	cs := dispatch.NewChanSink(16)
	if err := s.hub.Register(id, cs, dispatch.Options{
		QueueSize: 256,
		Accepts:   dispatch.AcceptRecords | dispatch.AcceptEvents,
	}); err != nil {
		// The hub has shut down: hand back an already closed channel.
		cs.Close()
		return id, cs.C()
	}
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = cs
	return id, cs.C()
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	cs, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.subscriberMu.Unlock()
	if ok {
		cs.Detach()
		s.hub.Unregister(id)
	}
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Stats returns the pipeline counters as of the last processed chunk.
func (s *SerialMux[T]) Stats() PipelineStats {
	s.statsMu.Lock()
	st := s.stats
	s.statsMu.Unlock()
	st.IdleReads = s.idleReads.Load()
	st.Dispatch = s.hub.Stats()
	return st
}

func (s *SerialMux[T]) setStats(st PipelineStats) {
	s.statsMu.Lock()
	s.stats = st
	s.statsMu.Unlock()
}

// Monitor runs the ingestion loop. It returns nil when the device stream
// ends with io.EOF, ctx.Err() on cancellation and the read error otherwise.
// In every case the sinks receive StreamEnded and are given
// Config.ShutdownTimeout to drain before being cancelled.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	if tp, ok := any(s.port).(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
			monitoring.Warnf("serialmux: set read timeout: %v", err)
		}
	}

	chunks := make(chan []byte)
	readErrChan := make(chan error, 1)

	// start a goroutine to read from the serial port & send chunks to the
	// ingestion loop, and any terminal error to readErrChan.
	//
	// the blocking Read will not interfere with our outer loop awaiting
	// chunks & context cancellation.
	go func() {
		for {
			buf := make([]byte, s.cfg.ReadChunkSize)
			n, err := s.port.Read(buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErrChan <- err
				return
			}
			if n == 0 {
				// Nothing available yet: yield rather than spin.
				s.idleReads.Add(1)
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.cfg.IdleBackoff):
				}
			}
		}
	}()

	p := newPipeline(s.cfg, s.hub)
	var (
		result error
		reason string
	)

loop:
	for {
		select {
		// check if the context is done
		// and exit the loop if so
		case <-ctx.Done():
			result = ctx.Err()
			reason = "cancelled"
			break loop

		case err := <-readErrChan:
			if errors.Is(err, io.EOF) {
				reason = "end of stream"
			} else {
				result = fmt.Errorf("serial read: %w", err)
				reason = err.Error()
			}
			break loop

		case chunk := <-chunks:
			if s.isClosing() {
				reason = "closed"
				break loop
			}
			p.ingest(chunk)
			s.setStats(p.snapshot())
		}
	}

	p.finish()
	s.setStats(p.snapshot())
	monitoring.Logf("serialmux: stream ended (%s): %d records, %d decode errors, %d bytes discarded",
		reason, p.stats.Records, p.stats.DecodeErrors, p.sync.Stats().BytesDiscarded)

	if err := s.shutdownHub(reason); err != nil && result == nil {
		result = err
	}
	return result
}

func (s *SerialMux[T]) shutdownHub(reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.hub.Shutdown(ctx, reason)
	if errors.Is(err, dispatch.ErrHubClosed) {
		return nil
	}
	return err
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// Close shuts down any sinks still running, drops the subscribers and
// closes the serial port.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, cs := range s.subscribers {
		cs.Detach()
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()

	hubErr := s.shutdownHub("closed")
	return errors.Join(hubErr, s.port.Close())
}
