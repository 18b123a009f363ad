package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/serial-sensors/internal/frame"
	"github.com/banshee-data/serial-sensors/internal/monitoring"
	"github.com/banshee-data/serial-sensors/internal/sensor"
	"github.com/banshee-data/serial-sensors/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

type recordingSink struct {
	mu     sync.Mutex
	got    []Delivery
	closed bool

	// block, when set, holds every Accept until it is closed.
	block chan struct{}
	// entered, when set, is signalled as each Accept starts.
	entered chan struct{}
	err     error
}

func (s *recordingSink) Accept(ctx context.Context, d Delivery) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, d)
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.got...)
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *recordingSink) events(t EventType) []*Event {
	var out []*Event
	for _, d := range s.deliveries() {
		if d.Event != nil && d.Event.Type == t {
			out = append(out, d.Event)
		}
	}
	return out
}

func rec(seq uint64) *sensor.Record {
	return &sensor.Record{Kind: sensor.Accelerometer, Tag: sensor.TagAccelerometer, Sequence: seq}
}

func shutdown(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx, "test done"))
}

func TestHub_FanOutPreservesOrder(t *testing.T) {
	h := NewHub(HubOptions{})
	a, b := &recordingSink{}, &recordingSink{}
	require.NoError(t, h.Register("a", a, Options{}))
	require.NoError(t, h.Register("b", b, Options{}))

	for i := uint64(1); i <= 100; i++ {
		require.NoError(t, h.Publish(RecordDelivery(rec(i))))
	}
	shutdown(t, h)

	for _, s := range []*recordingSink{a, b} {
		got := s.deliveries()
		require.Len(t, got, 101)
		for i := 0; i < 100; i++ {
			require.NotNil(t, got[i].Record)
			assert.Equal(t, uint64(i+1), got[i].Record.Sequence)
		}
		assert.True(t, got[100].IsStreamEnd())
		assert.Equal(t, "test done", got[100].Event.Reason)
		assert.True(t, s.isClosed())
	}
}

func TestHub_AcceptsMask(t *testing.T) {
	h := NewHub(HubOptions{})
	raw := &recordingSink{}
	records := &recordingSink{}
	require.NoError(t, h.Register("raw", raw, Options{Accepts: AcceptFrames}))
	require.NoError(t, h.Register("records", records, Options{Accepts: AcceptRecords | AcceptEvents}))

	f := &frame.Frame{Raw: []byte{1, 2, 3}}
	require.NoError(t, h.Publish(FrameDelivery(f)))
	require.NoError(t, h.Publish(RecordDelivery(rec(1))))
	require.NoError(t, h.Publish(EventDelivery(SynchronizationLost(3, true))))
	shutdown(t, h)

	gotRaw := raw.deliveries()
	require.Len(t, gotRaw, 2)
	assert.Same(t, f, gotRaw[0].Frame)
	assert.True(t, gotRaw[1].IsStreamEnd(), "StreamEnded bypasses the mask")

	gotRec := records.deliveries()
	require.Len(t, gotRec, 3)
	assert.NotNil(t, gotRec[0].Record)
	assert.Equal(t, EventSynchronizationLost, gotRec[1].Event.Type)
	assert.False(t, gotRec[1].Event.At.IsZero())
}

func TestHub_SlowSinkOverflowsWithoutBlocking(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	h := NewHub(HubOptions{Clock: clock, OverflowReportInterval: time.Second})

	stuck := &recordingSink{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	fast := &recordingSink{}
	require.NoError(t, h.Register("stuck", stuck, Options{QueueSize: 2}))
	require.NoError(t, h.Register("fast", fast, Options{}))

	require.NoError(t, h.Publish(RecordDelivery(rec(1))))
	select {
	case <-stuck.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("stuck sink never received its first record")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(2); i <= 50; i++ {
			_ = h.Publish(RecordDelivery(rec(i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a stalled sink")
	}

	// Only the first drop is reported inside one interval.
	require.Eventually(t, func() bool { return len(fast.events(EventSinkOverflow)) == 1 }, 2*time.Second, 5*time.Millisecond)
	first := fast.events(EventSinkOverflow)[0]
	assert.Equal(t, "stuck", first.SinkID)
	assert.Equal(t, uint64(1), first.Dropped)
	assert.Equal(t, uint64(1), first.TotalDropped)

	clock.Advance(time.Second)
	require.NoError(t, h.Publish(RecordDelivery(rec(51))))
	require.Eventually(t, func() bool { return len(fast.events(EventSinkOverflow)) == 2 }, 2*time.Second, 5*time.Millisecond)

	var stuckStats SinkStats
	for _, s := range h.Stats().Sinks {
		if s.ID == "stuck" {
			stuckStats = s
		}
	}
	second := fast.events(EventSinkOverflow)[1]
	assert.Equal(t, stuckStats.Dropped, second.TotalDropped)
	assert.Equal(t, uint64(48), second.TotalDropped)
	assert.Equal(t, uint64(47), second.Dropped)

	close(stuck.block)
	shutdown(t, h)

	got := stuck.deliveries()
	require.NotEmpty(t, got)
	assert.True(t, got[len(got)-1].IsStreamEnd())
	assert.Len(t, fast.deliveries(), 51+2+1)
}

func TestHub_SinkErrorsAreIsolated(t *testing.T) {
	h := NewHub(HubOptions{})
	bad := &recordingSink{err: errors.New("disk full")}
	good := &recordingSink{}
	require.NoError(t, h.Register("bad", bad, Options{}))
	require.NoError(t, h.Register("good", good, Options{}))

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, h.Publish(RecordDelivery(rec(i))))
	}
	shutdown(t, h)

	assert.Len(t, bad.deliveries(), 6, "a failing sink keeps receiving")
	assert.Len(t, good.deliveries(), 6)

	st := h.Stats()
	require.Len(t, st.Sinks, 2)
	assert.Equal(t, "bad", st.Sinks[0].ID)
	assert.True(t, st.Sinks[0].Degraded)
	assert.Equal(t, uint64(6), st.Sinks[0].Errors)
	assert.Equal(t, "disk full", st.Sinks[0].LastError)
	assert.False(t, st.Sinks[1].Degraded)
	assert.Equal(t, uint64(6), st.Sinks[1].Delivered)
	assert.Equal(t, uint64(5), st.Published)
}

func TestHub_ShutdownTimeout(t *testing.T) {
	h := NewHub(HubOptions{})
	stuck := &recordingSink{block: make(chan struct{})}
	require.NoError(t, h.Register("stuck", stuck, Options{}))
	require.NoError(t, h.Publish(RecordDelivery(rec(1))))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Shutdown(ctx, "interrupted")
	require.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Contains(t, err.Error(), "stuck")

	require.Eventually(t, stuck.isClosed, 2*time.Second, 5*time.Millisecond)
}

func TestHub_RegistrationErrors(t *testing.T) {
	h := NewHub(HubOptions{})
	require.NoError(t, h.Register("a", &recordingSink{}, Options{}))
	assert.ErrorIs(t, h.Register("a", &recordingSink{}, Options{}), ErrSinkExists)
	assert.Error(t, h.Publish(Delivery{}))

	shutdown(t, h)
	assert.ErrorIs(t, h.Register("b", &recordingSink{}, Options{}), ErrHubClosed)
	assert.ErrorIs(t, h.Publish(RecordDelivery(rec(1))), ErrHubClosed)
	assert.ErrorIs(t, h.Shutdown(context.Background(), "again"), ErrHubClosed)
}

func TestHub_Unregister(t *testing.T) {
	h := NewHub(HubOptions{})
	s := &recordingSink{}
	require.NoError(t, h.Register("s", s, Options{}))
	require.NoError(t, h.Publish(RecordDelivery(rec(1))))
	h.Unregister("s")
	require.NoError(t, h.Publish(RecordDelivery(rec(2))))

	require.Eventually(t, s.isClosed, 2*time.Second, 5*time.Millisecond)
	got := s.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Record.Sequence)
	assert.Empty(t, h.Stats().Sinks)
	shutdown(t, h)
}

func TestChanSink(t *testing.T) {
	h := NewHub(HubOptions{})
	cs := NewChanSink(0)
	require.NoError(t, h.Register("tail", cs, Options{Accepts: AcceptRecords}))

	require.NoError(t, h.Publish(RecordDelivery(rec(7))))
	select {
	case d := <-cs.C():
		assert.Equal(t, uint64(7), d.Record.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}

	cs.Detach()
	require.NoError(t, h.Publish(RecordDelivery(rec(8))))
	shutdown(t, h)

	for range cs.C() {
	}
}

func TestQueue_EvictsOldest(t *testing.T) {
	q := newQueue(3)
	for i := uint64(1); i <= 3; i++ {
		assert.False(t, q.push(RecordDelivery(rec(i))))
	}
	assert.True(t, q.push(RecordDelivery(rec(4))))
	assert.Equal(t, 3, q.len())

	var seqs []uint64
	for {
		d, ok, _ := q.pop()
		if !ok {
			break
		}
		seqs = append(seqs, d.Record.Sequence)
	}
	assert.Equal(t, []uint64{2, 3, 4}, seqs)

	q.close()
	assert.False(t, q.push(RecordDelivery(rec(5))))
	_, ok, closed := q.pop()
	assert.False(t, ok)
	assert.True(t, closed)
}

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "synchronization_lost: 3 bytes discarded", SynchronizationLost(3, true).String())
	assert.Equal(t, "stream_ended: eof", StreamEnded("eof").String())
	assert.Equal(t, "decode_error: #4 bad", DecodeError("bad", 4).String())
	assert.Contains(t, SinkOverflow("csv", 2, 9).String(), `sink "csv" dropped 2 (total 9)`)
}
