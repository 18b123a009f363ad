package frame

import (
	"encoding/binary"
	"fmt"
)

// SyncState is the state of the Synchronizer.
type SyncState int

const (
	InSync SyncState = iota
	Resyncing
)

func (s SyncState) String() string {
	switch s {
	case InSync:
		return "in_sync"
	case Resyncing:
		return "resyncing"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// Default synchronizer limits.
const (
	DefaultMinFrameSize       = Overhead + 5 // tag + device timestamp
	DefaultMaxFrameSize       = Overhead + MaxBodySize
	DefaultLossThreshold      = 1
	DefaultLossReportInterval = 4096
)

// Options configures a Synchronizer. Zero values select the defaults.
type Options struct {
	// MinFrameSize and MaxFrameSize bound the total frame size, including
	// magic, header and CRC. Candidates outside the range are false positives.
	MinFrameSize int
	MaxFrameSize int
	// MaxBuffered is the high-water mark for unconsumed bytes.
	MaxBuffered int
	// LossThreshold is the minimum number of discarded bytes in a resync run
	// before the run is reported as a Loss.
	LossThreshold int
	// LossReportInterval emits an interim Loss every time a single resync run
	// discards this many more bytes. Zero selects the default; negative
	// disables interim reports.
	LossReportInterval int
}

func (o Options) normalize() Options {
	if o.MinFrameSize <= 0 {
		o.MinFrameSize = DefaultMinFrameSize
	}
	if o.MinFrameSize < Overhead {
		o.MinFrameSize = Overhead
	}
	if o.MaxFrameSize <= 0 || o.MaxFrameSize > DefaultMaxFrameSize {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.MaxFrameSize < o.MinFrameSize {
		o.MaxFrameSize = o.MinFrameSize
	}
	if o.MaxBuffered <= 0 {
		o.MaxBuffered = DefaultMaxBuffered
	}
	if o.MaxBuffered < o.MaxFrameSize {
		o.MaxBuffered = o.MaxFrameSize
	}
	if o.LossThreshold <= 0 {
		o.LossThreshold = DefaultLossThreshold
	}
	if o.LossReportInterval == 0 {
		o.LossReportInterval = DefaultLossReportInterval
	}
	return o
}

// Loss describes a run of discarded bytes.
type Loss struct {
	BytesDiscarded int
	// Recovered is true when the run ended with a valid frame, false for
	// interim reports and for bytes dropped at end of stream.
	Recovered bool
}

// Stats are cumulative synchronizer counters.
type Stats struct {
	FramesAccepted   uint64 `json:"frames_accepted"`
	BytesDiscarded   uint64 `json:"bytes_discarded"`
	ResyncRuns       uint64 `json:"resync_runs"`
	MagicMismatches  uint64 `json:"magic_mismatches"`
	LengthRejects    uint64 `json:"length_rejects"`
	ChecksumFailures uint64 `json:"checksum_failures"`
}

// Synchronizer locates well-formed frames in a Buffer. On any framing error
// it advances by exactly one byte so a real frame overlapping a false
// candidate is never skipped.
type Synchronizer struct {
	opts  Options
	state SyncState

	// runTotal counts bytes discarded in the current resync run; runPending
	// counts those not yet reported.
	runTotal   int
	runPending int
	losses     []Loss

	stats Stats
}

// NewSynchronizer creates a Synchronizer starting in InSync.
func NewSynchronizer(opts Options) *Synchronizer {
	return &Synchronizer{opts: opts.normalize()}
}

// Options returns the normalized options in use.
func (s *Synchronizer) Options() Options { return s.opts }

// State returns the current synchronization state.
func (s *Synchronizer) State() SyncState { return s.state }

// Stats returns a copy of the counters.
func (s *Synchronizer) Stats() Stats { return s.stats }

// Next scans buf for the next valid frame. It returns false when more bytes
// are needed; in that case buf holds at most one incomplete candidate.
func (s *Synchronizer) Next(buf *Buffer) (Frame, bool) {
	for {
		data := buf.Bytes()
		if len(data) == 0 {
			return s.needMore(buf)
		}
		if data[0] != Magic0 {
			s.stats.MagicMismatches++
			s.discard(buf, 1)
			continue
		}
		if len(data) < 2 {
			return s.needMore(buf)
		}
		if data[1] != Magic1 {
			s.stats.MagicMismatches++
			s.discard(buf, 1)
			continue
		}
		if len(data) < HeaderSize {
			return s.needMore(buf)
		}

		bodyLen := int(data[3])
		total := Overhead + bodyLen
		if total < s.opts.MinFrameSize || total > s.opts.MaxFrameSize {
			s.stats.LengthRejects++
			s.discard(buf, 1)
			continue
		}
		if len(data) < total {
			return s.needMore(buf)
		}

		format := Format(data[2])
		body := data[HeaderSize : HeaderSize+bodyLen]
		want := binary.LittleEndian.Uint32(data[HeaderSize+bodyLen : total])
		if Checksum(format, body) != want {
			s.stats.ChecksumFailures++
			s.discard(buf, 1)
			continue
		}

		raw := make([]byte, total)
		copy(raw, data[:total])
		f := Frame{
			Offset: buf.Offset(),
			Format: format,
			Body:   raw[HeaderSize : HeaderSize+bodyLen],
			Raw:    raw,
		}
		buf.Discard(total)
		s.stats.FramesAccepted++
		s.recovered()
		return f, true
	}
}

// needMore applies the high-water mark to what is left once every complete
// frame has been drained. The cut bytes are reported as an unrecovered loss
// straight away.
func (s *Synchronizer) needMore(buf *Buffer) (Frame, bool) {
	if over := buf.Len() - s.opts.MaxBuffered; over > 0 {
		s.discard(buf, over)
		s.reportPending()
	}
	return Frame{}, false
}

// Flush discards whatever is left in buf, typically at end of stream, and
// reports it as an unrecovered loss.
func (s *Synchronizer) Flush(buf *Buffer) int {
	n := buf.Len()
	if n == 0 {
		return 0
	}
	s.discard(buf, n)
	s.reportPending()
	s.runTotal = 0
	s.state = InSync
	return n
}

func (s *Synchronizer) reportPending() {
	if s.runPending > 0 {
		s.losses = append(s.losses, Loss{BytesDiscarded: s.runPending})
	}
	s.runPending = 0
}

// TakeLosses returns and clears the pending loss reports.
func (s *Synchronizer) TakeLosses() []Loss {
	if len(s.losses) == 0 {
		return nil
	}
	out := s.losses
	s.losses = nil
	return out
}

func (s *Synchronizer) discard(buf *Buffer, n int) {
	if n > buf.Len() {
		n = buf.Len()
	}
	if n <= 0 {
		return
	}
	buf.Discard(n)
	if s.state == InSync {
		s.state = Resyncing
		s.stats.ResyncRuns++
	}
	s.stats.BytesDiscarded += uint64(n)
	s.runTotal += n
	s.runPending += n

	if iv := s.opts.LossReportInterval; iv > 0 {
		for s.runPending >= iv {
			s.losses = append(s.losses, Loss{BytesDiscarded: iv})
			s.runPending -= iv
		}
	}
}

func (s *Synchronizer) recovered() {
	if s.state != Resyncing {
		return
	}
	if s.runPending > 0 && s.runTotal >= s.opts.LossThreshold {
		s.losses = append(s.losses, Loss{BytesDiscarded: s.runPending, Recovered: true})
	}
	s.runTotal, s.runPending = 0, 0
	s.state = InSync
}
