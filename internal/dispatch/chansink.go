package dispatch

import (
	"context"
	"sync"
)

// ChanSink hands deliveries to a channel reader, such as an HTTP streaming
// handler. Accept blocks until the reader takes the item; the hub queue in
// front of it absorbs the difference. C is closed when the sink is closed.
type ChanSink struct {
	ch         chan Delivery
	gone       chan struct{}
	closeOnce  sync.Once
	detachOnce sync.Once
}

// NewChanSink returns a ChanSink with the given channel buffer.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{ch: make(chan Delivery, buffer), gone: make(chan struct{})}
}

// C returns the receive side of the sink.
func (c *ChanSink) C() <-chan Delivery { return c.ch }

// Detach is called by the reader when it stops reading. Pending and later
// deliveries are discarded instead of blocking the sink's worker.
func (c *ChanSink) Detach() {
	c.detachOnce.Do(func() { close(c.gone) })
}

func (c *ChanSink) Accept(ctx context.Context, d Delivery) error {
	select {
	case c.ch <- d:
		return nil
	case <-c.gone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ChanSink) Close() error {
	c.closeOnce.Do(func() { close(c.ch) })
	return nil
}
