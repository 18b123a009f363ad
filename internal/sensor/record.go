package sensor

import (
	"fmt"
	"time"
)

// Record is one decoded sensor reading. It is filled by Decode, stamped once
// by the clock correlator and treated as read-only from then on; sinks share
// the same *Record.
type Record struct {
	Kind     Kind     `json:"kind"`
	Tag      byte     `json:"tag"`
	Encoding Encoding `json:"encoding"`

	// DeviceTimestamp is the raw 32-bit device tick counter.
	DeviceTimestamp uint32 `json:"device_timestamp"`
	// DeviceTicks is DeviceTimestamp unwrapped into a monotonic 64-bit
	// timeline per sensor kind.
	DeviceTicks uint64 `json:"device_ticks"`
	// DeviceTime is DeviceTicks mapped onto host time through the running
	// clock offset estimate. Unlike HostTimestamp it carries no transport
	// jitter.
	DeviceTime time.Time `json:"device_time"`
	// HostTimestamp is the host clock reading when the frame was decoded.
	HostTimestamp time.Time `json:"host_timestamp"`
	// Sequence increases by one per checksum-valid frame.
	Sequence uint64 `json:"sequence"`

	// Values holds the numeric components for vector and scalar kinds. For
	// fixed-point frames these are the raw scaled integers.
	Values []float64 `json:"values,omitempty"`

	IdentCode IdentifierCode `json:"ident_code,omitempty"`
	IdentText string         `json:"ident_text,omitempty"`

	// Payload is the undecoded payload of an Unknown record.
	Payload []byte `json:"payload,omitempty"`
}

// Stem names the output stream a record belongs to. Unknown tags get one
// stream per tag value.
func (r *Record) Stem() string {
	if r.Kind == KindUnknown {
		return fmt.Sprintf("unknown-%02x", r.Tag)
	}
	return r.Kind.Short()
}

func (r *Record) String() string {
	switch r.Kind {
	case Identification:
		return fmt.Sprintf("#%d %s t=%d %s=%q", r.Sequence, r.Kind, r.DeviceTimestamp, r.IdentCode, r.IdentText)
	case KindUnknown:
		return fmt.Sprintf("#%d unknown(0x%02X) t=%d %d bytes", r.Sequence, r.Tag, r.DeviceTimestamp, len(r.Payload))
	default:
		return fmt.Sprintf("#%d %s t=%d %v", r.Sequence, r.Kind, r.DeviceTimestamp, r.Values)
	}
}
