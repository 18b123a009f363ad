package serialmux

import (
	"github.com/banshee-data/serial-sensors/internal/clocksync"
	"github.com/banshee-data/serial-sensors/internal/dispatch"
	"github.com/banshee-data/serial-sensors/internal/frame"
	"github.com/banshee-data/serial-sensors/internal/monitoring"
	"github.com/banshee-data/serial-sensors/internal/sensor"
)

// PipelineStats is a snapshot of the ingestion loop.
type PipelineStats struct {
	BytesRead    uint64          `json:"bytes_read"`
	Reads        uint64          `json:"reads"`
	IdleReads    uint64          `json:"idle_reads"`
	Records      uint64          `json:"records"`
	DecodeErrors uint64          `json:"decode_errors"`
	SyncState    string          `json:"sync_state"`
	Buffered     int             `json:"buffered"`
	Sync         frame.Stats     `json:"sync"`
	Clock        clocksync.Stats `json:"clock"`
	Dispatch     dispatch.Stats  `json:"dispatch"`
}

// pipeline is the per-session state of the ingestion loop: buffer,
// synchronizer and correlator. It is owned by a single goroutine.
type pipeline struct {
	buf  *frame.Buffer
	sync *frame.Synchronizer
	corr *clocksync.Correlator
	enc  sensor.Encoding
	hub  *dispatch.Hub

	stats PipelineStats
}

func newPipeline(cfg Config, hub *dispatch.Hub) *pipeline {
	return &pipeline{
		buf:  frame.NewBuffer(cfg.ReadChunkSize * 4),
		sync: frame.NewSynchronizer(cfg.Sync),
		corr: clocksync.NewCorrelator(clocksync.Options{Clock: cfg.Clock, TickDuration: cfg.TickDuration}),
		enc:  cfg.DefaultEncoding,
		hub:  hub,
	}
}

// ingest appends one chunk from the reader and processes every complete
// frame it makes available.
func (p *pipeline) ingest(chunk []byte) {
	p.stats.Reads++
	p.stats.BytesRead += uint64(len(chunk))
	p.buf.Write(chunk)

	for {
		f, ok := p.sync.Next(p.buf)
		// Losses that ended with f are reported before it.
		p.publishLosses()
		if !ok {
			return
		}
		p.handleFrame(f)
	}
}

func (p *pipeline) handleFrame(f frame.Frame) {
	// The raw archive sees every checksum-valid frame, decodable or not.
	p.publish(dispatch.FrameDelivery(&f))

	rec, err := sensor.Decode(f, p.enc)
	if err != nil {
		seq := p.corr.Skip()
		p.stats.DecodeErrors++
		monitoring.Warnf("serialmux: frame #%d at offset %d: %v", seq, f.Offset, err)
		p.publish(dispatch.EventDelivery(dispatch.DecodeError(err.Error(), seq)))
		return
	}
	p.corr.Stamp(rec)
	p.stats.Records++
	p.publish(dispatch.RecordDelivery(rec))
}

func (p *pipeline) publishLosses() {
	for _, loss := range p.sync.TakeLosses() {
		ev := dispatch.SynchronizationLost(loss.BytesDiscarded, loss.Recovered)
		monitoring.Warnf("serialmux: %s", ev)
		p.publish(dispatch.EventDelivery(ev))
	}
}

// finish discards an incomplete tail at end of stream.
func (p *pipeline) finish() {
	if n := p.sync.Flush(p.buf); n > 0 {
		monitoring.Debugf("serialmux: %d trailing bytes discarded at end of stream", n)
	}
	p.publishLosses()
}

func (p *pipeline) publish(d dispatch.Delivery) {
	if err := p.hub.Publish(d); err != nil {
		monitoring.Debugf("serialmux: publish: %v", err)
	}
}

func (p *pipeline) snapshot() PipelineStats {
	st := p.stats
	st.SyncState = p.sync.State().String()
	st.Buffered = p.buf.Len()
	st.Sync = p.sync.Stats()
	st.Clock = p.corr.Stats()
	return st
}
