// Package display keeps a live, in-memory view of the sensor stream: the most
// recent records, the latest reading and arrival rate per stream, rolling
// component statistics and event counters.
package display

import (
	"context"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/serial-sensors/internal/dispatch"
	"github.com/banshee-data/serial-sensors/internal/sensor"
)

const (
	// DefaultHistory is the number of recent records kept across all streams.
	DefaultHistory = 20
	// DefaultWindow is the number of samples per stream used for rate and
	// component statistics.
	DefaultWindow = 100
)

// Options configures a Display.
type Options struct {
	History int
	Window  int
}

func (o Options) withDefaults() Options {
	if o.History <= 0 {
		o.History = DefaultHistory
	}
	if o.Window < 2 {
		o.Window = DefaultWindow
	}
	return o
}

// StreamStats summarises one record stream.
type StreamStats struct {
	Stem   string         `json:"stem"`
	Kind   sensor.Kind    `json:"kind"`
	Count  uint64         `json:"count"`
	Latest *sensor.Record `json:"latest"`
	// RateHz is the inverse of the mean host inter-arrival interval over the
	// window; zero until two records have arrived.
	RateHz float64   `json:"rate_hz"`
	Fields []string  `json:"fields,omitempty"`
	Mean   []float64 `json:"mean,omitempty"`
	StdDev []float64 `json:"stddev,omitempty"`
}

// Snapshot is a consistent copy of the display state.
type Snapshot struct {
	Recent    []*sensor.Record              `json:"recent"`
	Streams   []StreamStats                 `json:"streams"`
	Events    map[dispatch.EventType]uint64 `json:"events"`
	LastEvent *dispatch.Event               `json:"last_event,omitempty"`
	Ended     bool                          `json:"ended"`
	Records   uint64                        `json:"records"`
}

type stream struct {
	kind     sensor.Kind
	count    uint64
	latest   *sensor.Record
	arrivals *ring[time.Time]
	// components[i] holds the last Window values of component i.
	components []*ring[float64]
}

// Display is a dispatch.Sink that maintains the live view. Snapshot may be
// called from any goroutine.
type Display struct {
	opts Options

	mu        sync.Mutex
	recent    *ring[*sensor.Record]
	streams   map[string]*stream
	events    map[dispatch.EventType]uint64
	lastEvent *dispatch.Event
	records   uint64
	ended     bool
	updated   chan struct{}
}

// New creates an empty display.
func New(opts Options) *Display {
	opts = opts.withDefaults()
	return &Display{
		opts:    opts,
		recent:  newRing[*sensor.Record](opts.History),
		streams: make(map[string]*stream),
		events:  make(map[dispatch.EventType]uint64),
		updated: make(chan struct{}, 1),
	}
}

// Accepts is the delivery mask the sink should be registered with.
func (d *Display) Accepts() dispatch.Accepts {
	return dispatch.AcceptRecords | dispatch.AcceptEvents
}

// Accept folds a record or event into the view.
func (d *Display) Accept(_ context.Context, del dispatch.Delivery) error {
	d.mu.Lock()
	switch {
	case del.Record != nil:
		d.addRecord(del.Record)
	case del.Event != nil:
		d.events[del.Event.Type]++
		d.lastEvent = del.Event
		if del.IsStreamEnd() {
			d.ended = true
		}
	}
	d.mu.Unlock()

	select {
	case d.updated <- struct{}{}:
	default:
	}
	return nil
}

func (d *Display) addRecord(rec *sensor.Record) {
	d.records++
	d.recent.push(rec)

	st, ok := d.streams[rec.Stem()]
	if !ok {
		st = &stream{kind: rec.Kind, arrivals: newRing[time.Time](d.opts.Window)}
		for range rec.Kind.Arity() {
			st.components = append(st.components, newRing[float64](d.opts.Window))
		}
		d.streams[rec.Stem()] = st
	}
	st.count++
	st.latest = rec
	st.arrivals.push(rec.HostTimestamp)
	for i, c := range st.components {
		if i < len(rec.Values) {
			c.push(rec.Values[i])
		}
	}
}

// Close implements dispatch.Sink.
func (d *Display) Close() error { return nil }

// Updated is signalled, without blocking, after each accepted delivery.
func (d *Display) Updated() <-chan struct{} { return d.updated }

// Snapshot returns a copy of the current state with streams sorted by stem.
func (d *Display) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := Snapshot{
		Recent:    d.recent.items(),
		Events:    make(map[dispatch.EventType]uint64, len(d.events)),
		LastEvent: d.lastEvent,
		Ended:     d.ended,
		Records:   d.records,
	}
	for t, n := range d.events {
		snap.Events[t] = n
	}

	for stem, st := range d.streams {
		ss := StreamStats{
			Stem:   stem,
			Kind:   st.kind,
			Count:  st.count,
			Latest: st.latest,
			RateHz: rate(st.arrivals.items()),
		}
		if len(st.components) > 0 {
			ss.Fields = st.kind.FieldNames()
			for _, c := range st.components {
				mean, std := meanStdDev(c.items())
				ss.Mean = append(ss.Mean, mean)
				ss.StdDev = append(ss.StdDev, std)
			}
		}
		snap.Streams = append(snap.Streams, ss)
	}
	sort.Slice(snap.Streams, func(i, j int) bool { return snap.Streams[i].Stem < snap.Streams[j].Stem })
	return snap
}

// StreamSeries is the sample window of one stream, oldest first.
type StreamSeries struct {
	Stem     string
	Fields   []string
	Arrivals []time.Time
	// Components[i] lines up with Fields[i]; empty for streams without
	// numeric components.
	Components [][]float64
}

// Series returns the current sample windows with streams sorted by stem.
func (d *Display) Series() []StreamSeries {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]StreamSeries, 0, len(d.streams))
	for stem, st := range d.streams {
		ser := StreamSeries{Stem: stem, Arrivals: st.arrivals.items()}
		if len(st.components) > 0 {
			ser.Fields = st.kind.FieldNames()
			for _, c := range st.components {
				ser.Components = append(ser.Components, c.items())
			}
		}
		out = append(out, ser)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stem < out[j].Stem })
	return out
}

// rate returns the arrival rate in Hz from the mean inter-arrival interval.
func rate(arrivals []time.Time) float64 {
	if len(arrivals) < 2 {
		return 0
	}
	intervals := make([]float64, 0, len(arrivals)-1)
	for i := 1; i < len(arrivals); i++ {
		intervals = append(intervals, arrivals[i].Sub(arrivals[i-1]).Seconds())
	}
	mean := stat.Mean(intervals, nil)
	if mean <= 0 {
		return 0
	}
	return 1 / mean
}

func meanStdDev(values []float64) (mean, std float64) {
	switch len(values) {
	case 0:
		return 0, 0
	case 1:
		return values[0], 0
	}
	return stat.MeanStdDev(values, nil)
}
