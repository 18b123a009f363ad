package dispatch

import (
	"fmt"
	"time"
)

// EventType identifies a control event.
type EventType int

const (
	EventSynchronizationLost EventType = iota + 1
	EventStreamEnded
	EventDecodeError
	EventSinkOverflow
)

func (t EventType) String() string {
	switch t {
	case EventSynchronizationLost:
		return "synchronization_lost"
	case EventStreamEnded:
		return "stream_ended"
	case EventDecodeError:
		return "decode_error"
	case EventSinkOverflow:
		return "sink_overflow"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	for t := EventSynchronizationLost; t <= EventSinkOverflow; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// MarshalText renders event types by name in JSON output.
func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Event is an informational control message. None of them halt ingestion.
// Only the fields relevant to Type are set.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	// SynchronizationLost
	BytesDiscarded int  `json:"bytes_discarded,omitempty"`
	Recovered      bool `json:"recovered,omitempty"`

	// StreamEnded and DecodeError
	Reason string `json:"reason,omitempty"`
	// DecodeError: the sequence number consumed by the failed frame.
	Sequence uint64 `json:"sequence,omitempty"`

	// SinkOverflow
	SinkID       string `json:"sink_id,omitempty"`
	Dropped      uint64 `json:"dropped,omitempty"`
	TotalDropped uint64 `json:"total_dropped,omitempty"`
}

// SynchronizationLost reports bytes discarded while resynchronizing.
// Recovered is false for interim reports of a run that has not yet found a
// valid frame.
func SynchronizationLost(bytesDiscarded int, recovered bool) *Event {
	return &Event{Type: EventSynchronizationLost, BytesDiscarded: bytesDiscarded, Recovered: recovered}
}

// StreamEnded is the terminal event of a session.
func StreamEnded(reason string) *Event {
	return &Event{Type: EventStreamEnded, Reason: reason}
}

// DecodeError reports a checksum-valid frame that could not be decoded.
func DecodeError(reason string, sequence uint64) *Event {
	return &Event{Type: EventDecodeError, Reason: reason, Sequence: sequence}
}

// SinkOverflow reports items dropped from a sink's queue since its previous
// report.
func SinkOverflow(sinkID string, dropped, total uint64) *Event {
	return &Event{Type: EventSinkOverflow, SinkID: sinkID, Dropped: dropped, TotalDropped: total}
}

func (e *Event) String() string {
	switch e.Type {
	case EventSynchronizationLost:
		if !e.Recovered {
			return fmt.Sprintf("%s: %d bytes discarded (still resyncing)", e.Type, e.BytesDiscarded)
		}
		return fmt.Sprintf("%s: %d bytes discarded", e.Type, e.BytesDiscarded)
	case EventStreamEnded:
		return fmt.Sprintf("%s: %s", e.Type, e.Reason)
	case EventDecodeError:
		return fmt.Sprintf("%s: #%d %s", e.Type, e.Sequence, e.Reason)
	case EventSinkOverflow:
		return fmt.Sprintf("%s: sink %q dropped %d (total %d)", e.Type, e.SinkID, e.Dropped, e.TotalDropped)
	default:
		return e.Type.String()
	}
}
