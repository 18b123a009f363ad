// Package dispatch fans decoded records, raw frames and control events out to
// any number of sinks. Every sink owns a bounded queue drained by its own
// goroutine; a full queue loses its oldest item instead of blocking the
// publisher.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/serial-sensors/internal/monitoring"
	"github.com/banshee-data/serial-sensors/internal/timeutil"
)

var (
	ErrHubClosed       = errors.New("dispatch hub is shut down")
	ErrSinkExists      = errors.New("sink already registered")
	ErrShutdownTimeout = errors.New("timed out waiting for sinks to drain")
)

const (
	DefaultQueueSize              = 1024
	DefaultOverflowReportInterval = time.Second
)

// Options configures one registered sink.
type Options struct {
	// QueueSize bounds the sink's backlog. Defaults to DefaultQueueSize.
	QueueSize int
	// Accepts filters what the sink receives. Zero means AcceptAll. The
	// terminal StreamEnded event is delivered regardless.
	Accepts Accepts
}

// HubOptions configures a Hub.
type HubOptions struct {
	Clock timeutil.Clock
	// OverflowReportInterval rate-limits SinkOverflow events per sink.
	OverflowReportInterval time.Duration
}

// SinkStats describes one sink's delivery health.
type SinkStats struct {
	ID        string `json:"id"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
	Degraded  bool   `json:"degraded"`
	LastError string `json:"last_error,omitempty"`
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Published uint64      `json:"published"`
	Sinks     []SinkStats `json:"sinks"`
}

type sinkHandle struct {
	id      string
	sink    Sink
	accepts Accepts
	q       *queue
	done    chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
	errs      atomic.Uint64
	degraded  atomic.Bool

	// Guarded by Hub.reportMu.
	unreported uint64
	lastReport time.Time
	lastErr    string
}

// Hub is safe for concurrent use, though records are expected to come from
// a single ingestion loop.
type Hub struct {
	clock    timeutil.Clock
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	sinks  map[string]*sinkHandle
	closed bool

	reportMu  sync.Mutex
	published atomic.Uint64
}

// NewHub returns a Hub with no sinks.
func NewHub(opts HubOptions) *Hub {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.OverflowReportInterval <= 0 {
		opts.OverflowReportInterval = DefaultOverflowReportInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clock:    opts.Clock,
		interval: opts.OverflowReportInterval,
		ctx:      ctx,
		cancel:   cancel,
		sinks:    make(map[string]*sinkHandle),
	}
}

// Register adds a sink and starts its worker.
func (h *Hub) Register(id string, sink Sink, opts Options) error {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Accepts == 0 {
		opts.Accepts = AcceptAll
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if _, ok := h.sinks[id]; ok {
		return fmt.Errorf("%w: %q", ErrSinkExists, id)
	}
	sh := &sinkHandle{
		id:      id,
		sink:    sink,
		accepts: opts.Accepts,
		q:       newQueue(opts.QueueSize),
		done:    make(chan struct{}),
	}
	h.sinks[id] = sh
	go h.run(sh)
	return nil
}

// Unregister removes a sink. Its queued items are still delivered before the
// sink is closed, but it does not receive StreamEnded.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sh, ok := h.sinks[id]
	delete(h.sinks, id)
	h.mu.Unlock()
	if ok {
		sh.q.close()
	}
}

// Publish enqueues d to every sink that accepts it. It never blocks on a
// sink.
func (h *Hub) Publish(d Delivery) error {
	class := d.class()
	if class == 0 {
		return errors.New("empty delivery")
	}
	if d.Event != nil && d.Event.At.IsZero() {
		d.Event.At = h.clock.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	h.published.Add(1)

	var overflowed []*sinkHandle
	for _, sh := range h.sinks {
		if sh.accepts&class == 0 {
			continue
		}
		if sh.q.push(d) {
			overflowed = append(overflowed, sh)
		}
	}
	h.reportOverflows(overflowed)
	return nil
}

// reportOverflows counts the drops and tells the other sinks about them.
// Overflow events can themselves overflow a queue, so the work list runs
// until no sink has anything left to report; each sink reports at most once
// per call. Callers hold h.mu.
func (h *Hub) reportOverflows(overflowed []*sinkHandle) {
	if len(overflowed) == 0 {
		return
	}
	h.reportMu.Lock()
	defer h.reportMu.Unlock()

	now := h.clock.Now()
	reported := make(map[string]bool)
	for len(overflowed) > 0 {
		sh := overflowed[0]
		overflowed = overflowed[1:]

		total := sh.dropped.Add(1)
		sh.unreported++
		if reported[sh.id] {
			continue
		}
		if !sh.lastReport.IsZero() && now.Sub(sh.lastReport) < h.interval {
			continue
		}
		reported[sh.id] = true
		ev := SinkOverflow(sh.id, sh.unreported, total)
		ev.At = now
		sh.unreported = 0
		sh.lastReport = now
		monitoring.Warnf("dispatch: %s", ev)

		d := EventDelivery(ev)
		for _, other := range h.sinks {
			if other == sh || other.accepts&AcceptEvents == 0 {
				continue
			}
			if other.q.push(d) {
				overflowed = append(overflowed, other)
			}
		}
	}
}

func (h *Hub) run(sh *sinkHandle) {
	defer close(sh.done)
	for h.ctx.Err() == nil {
		d, ok, closed := sh.q.pop()
		if !ok {
			if closed {
				break
			}
			select {
			case <-sh.q.notify:
			case <-h.ctx.Done():
			}
			continue
		}
		if err := sh.sink.Accept(h.ctx, d); err != nil {
			h.sinkFailed(sh, err)
			continue
		}
		sh.delivered.Add(1)
	}
	if err := sh.sink.Close(); err != nil {
		h.sinkFailed(sh, fmt.Errorf("close: %w", err))
	}
}

func (h *Hub) sinkFailed(sh *sinkHandle, err error) {
	n := sh.errs.Add(1)
	h.reportMu.Lock()
	sh.lastErr = err.Error()
	h.reportMu.Unlock()
	if sh.degraded.CompareAndSwap(false, true) {
		monitoring.Errorf("dispatch: sink %q degraded: %v", sh.id, err)
		return
	}
	monitoring.Debugf("dispatch: sink %q error #%d: %v", sh.id, n, err)
}

// Shutdown delivers StreamEnded to every sink, evicting the oldest queued
// item if a queue is full, then waits for the sinks to drain and close. If
// ctx expires first the remaining workers are cancelled and
// ErrShutdownTimeout is returned; they close their sinks once their current
// Accept returns.
func (h *Hub) Shutdown(ctx context.Context, reason string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.closed = true
	handles := make([]*sinkHandle, 0, len(h.sinks))
	for _, sh := range h.sinks {
		handles = append(handles, sh)
	}
	h.mu.Unlock()

	ev := StreamEnded(reason)
	ev.At = h.clock.Now()
	for _, sh := range handles {
		if sh.q.push(EventDelivery(ev)) {
			sh.dropped.Add(1)
		}
		sh.q.close()
	}

	drained := make(chan struct{})
	go func() {
		for _, sh := range handles {
			<-sh.done
		}
		close(drained)
	}()

	select {
	case <-drained:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		var pending []string
		for _, sh := range handles {
			select {
			case <-sh.done:
			default:
				pending = append(pending, sh.id)
			}
		}
		sort.Strings(pending)
		monitoring.Errorf("dispatch: shutdown timed out, cancelling sinks %v", pending)
		return fmt.Errorf("%w: %v", ErrShutdownTimeout, pending)
	}
}

// Stats returns per-sink counters sorted by sink id. Sinks removed with
// Unregister are not included.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	handles := make([]*sinkHandle, 0, len(h.sinks))
	for _, sh := range h.sinks {
		handles = append(handles, sh)
	}
	h.mu.RUnlock()

	st := Stats{Published: h.published.Load(), Sinks: make([]SinkStats, 0, len(handles))}
	h.reportMu.Lock()
	defer h.reportMu.Unlock()
	for _, sh := range handles {
		st.Sinks = append(st.Sinks, SinkStats{
			ID:        sh.id,
			Queued:    sh.q.len(),
			Capacity:  sh.q.capacity(),
			Delivered: sh.delivered.Load(),
			Dropped:   sh.dropped.Load(),
			Errors:    sh.errs.Load(),
			Degraded:  sh.degraded.Load(),
			LastError: sh.lastErr,
		})
	}
	sort.Slice(st.Sinks, func(i, j int) bool { return st.Sinks[i].ID < st.Sinks[j].ID })
	return st
}
