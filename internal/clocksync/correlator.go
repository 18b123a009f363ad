// Package clocksync relates the device tick counter carried in each record to
// host time. A Correlator stamps records with host arrival time and sequence
// numbers, unwraps the 32-bit device counter per sensor stream, and keeps a
// running estimate of the host time at which the device counter read zero.
package clocksync

import (
	"time"

	"github.com/banshee-data/serial-sensors/internal/monitoring"
	"github.com/banshee-data/serial-sensors/internal/sensor"
	"github.com/banshee-data/serial-sensors/internal/timeutil"
)

const (
	// counterRange is the period of the 32-bit device counter.
	counterRange = uint64(1) << 32
	// halfRange separates a wrap from a device reset.
	halfRange = counterRange / 2

	DefaultTickDuration = time.Millisecond
)

// Options configures a Correlator.
type Options struct {
	// Clock supplies host time. Defaults to the real clock.
	Clock timeutil.Clock
	// TickDuration is the length of one device tick.
	TickDuration time.Duration
}

// unwrapState tracks one sensor stream's counter.
type unwrapState struct {
	last  uint32
	base  uint64
	ticks uint64
}

// ClockOffset is the lower-envelope estimate of the host time at which the
// unwrapped device counter read zero. Transport latency only ever delays a
// sample, so the smallest host-minus-device difference seen is the best
// estimate.
type ClockOffset struct {
	Origin       time.Time     `json:"origin"`
	TickDuration time.Duration `json:"tick_duration"`
	Samples      uint64        `json:"samples"`
	// LastLatency is how far the latest sample sat above the envelope.
	LastLatency time.Duration `json:"last_latency"`
}

// DeviceToHost converts unwrapped device ticks to an estimated host time.
// The zero time is returned before any sample has been seen.
func (o ClockOffset) DeviceToHost(ticks uint64) time.Time {
	if o.Samples == 0 {
		return time.Time{}
	}
	return o.Origin.Add(time.Duration(ticks) * o.TickDuration)
}

// Stats summarises the correlator state.
type Stats struct {
	LastSequence uint64      `json:"last_sequence"`
	Skipped      uint64      `json:"skipped"`
	Wraps        uint64      `json:"wraps"`
	Resets       uint64      `json:"resets"`
	Offset       ClockOffset `json:"offset"`
}

// Correlator is owned by the ingestion loop and is not safe for concurrent
// use.
type Correlator struct {
	clock    timeutil.Clock
	tick     time.Duration
	seq      uint64
	lastHost time.Time
	streams  map[byte]*unwrapState
	offset   ClockOffset
	skipped  uint64
	wraps    uint64
	resets   uint64
}

// NewCorrelator returns a Correlator whose first sequence number is 1.
func NewCorrelator(opts Options) *Correlator {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.TickDuration <= 0 {
		opts.TickDuration = DefaultTickDuration
	}
	return &Correlator{
		clock:   opts.Clock,
		tick:    opts.TickDuration,
		streams: make(map[byte]*unwrapState),
		offset:  ClockOffset{TickDuration: opts.TickDuration},
	}
}

// Stamp assigns host time, the next sequence number, unwrapped device ticks
// and the estimated device time to rec. It must be called before rec is shared with any sink.
func (c *Correlator) Stamp(rec *sensor.Record) {
	now := c.hostNow()
	c.seq++
	rec.Sequence = c.seq
	rec.HostTimestamp = now
	rec.DeviceTicks = c.unwrap(rec.Tag, rec.DeviceTimestamp)
	c.observe(now, rec.DeviceTicks)
	rec.DeviceTime = c.offset.DeviceToHost(rec.DeviceTicks)
}

// Skip consumes a sequence number for a checksum-valid frame that could not
// be decoded, so downstream gaps line up with lost frames.
func (c *Correlator) Skip() uint64 {
	c.seq++
	c.skipped++
	return c.seq
}

// Offset returns the current clock offset estimate.
func (c *Correlator) Offset() ClockOffset { return c.offset }

// Stats returns a copy of the correlator counters.
func (c *Correlator) Stats() Stats {
	return Stats{
		LastSequence: c.seq,
		Skipped:      c.skipped,
		Wraps:        c.wraps,
		Resets:       c.resets,
		Offset:       c.offset,
	}
}

// hostNow never moves backwards, even if the wall clock is stepped.
func (c *Correlator) hostNow() time.Time {
	now := c.clock.Now()
	if now.Before(c.lastHost) {
		now = c.lastHost
	}
	c.lastHost = now
	return now
}

// unwrap extends a 32-bit timestamp onto a monotonic 64-bit timeline. Streams
// are keyed by wire tag, so each unknown tag gets its own timeline too.
func (c *Correlator) unwrap(tag byte, ts uint32) uint64 {
	st, ok := c.streams[tag]
	if !ok {
		st = &unwrapState{last: ts, ticks: uint64(ts)}
		c.streams[tag] = st
		return st.ticks
	}

	if ts < st.last {
		if uint64(st.last-ts) > halfRange {
			st.base += counterRange
			c.wraps++
		} else {
			// Device reset: continue from the previous position.
			st.base = st.ticks - uint64(ts)
			c.resets++
			monitoring.Warnf("clocksync: device counter for tag 0x%02X stepped back %d->%d, rebasing", tag, st.last, ts)
		}
	}
	st.last = ts
	st.ticks = st.base + uint64(ts)
	return st.ticks
}

func (c *Correlator) observe(host time.Time, ticks uint64) {
	origin := host.Add(-time.Duration(ticks) * c.tick)
	if c.offset.Samples == 0 || origin.Before(c.offset.Origin) {
		c.offset.Origin = origin
	}
	c.offset.Samples++
	c.offset.LastLatency = origin.Sub(c.offset.Origin)
}
