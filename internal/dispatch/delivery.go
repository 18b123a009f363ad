package dispatch

import (
	"context"

	"github.com/banshee-data/serial-sensors/internal/frame"
	"github.com/banshee-data/serial-sensors/internal/sensor"
)

// Accepts is a bit mask of the delivery classes a sink wants.
type Accepts uint8

const (
	AcceptRecords Accepts = 1 << iota
	AcceptFrames
	AcceptEvents

	AcceptAll = AcceptRecords | AcceptFrames | AcceptEvents
)

// Delivery carries exactly one of a decoded record, an accepted raw frame or
// a control event. Records and frames are shared between sinks and must not
// be modified.
type Delivery struct {
	Record *sensor.Record
	Frame  *frame.Frame
	Event  *Event
}

// RecordDelivery wraps a decoded record.
func RecordDelivery(r *sensor.Record) Delivery { return Delivery{Record: r} }

// FrameDelivery wraps an accepted raw frame.
func FrameDelivery(f *frame.Frame) Delivery { return Delivery{Frame: f} }

// EventDelivery wraps a control event.
func EventDelivery(e *Event) Delivery { return Delivery{Event: e} }

func (d Delivery) class() Accepts {
	switch {
	case d.Record != nil:
		return AcceptRecords
	case d.Frame != nil:
		return AcceptFrames
	case d.Event != nil:
		return AcceptEvents
	default:
		return 0
	}
}

// IsStreamEnd reports whether d is the terminal StreamEnded event.
func (d Delivery) IsStreamEnd() bool {
	return d.Event != nil && d.Event.Type == EventStreamEnded
}

// Sink consumes deliveries on its own goroutine. Accept is never called
// concurrently for one sink, and deliveries arrive in publish order. Close is
// called once, after the last Accept.
type Sink interface {
	Accept(ctx context.Context, d Delivery) error
	Close() error
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, d Delivery) error

func (f SinkFunc) Accept(ctx context.Context, d Delivery) error { return f(ctx, d) }

func (f SinkFunc) Close() error { return nil }
