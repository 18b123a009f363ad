package dispatch

import "sync"

// queue is a bounded FIFO that evicts its oldest item when full. push never
// blocks; the owning worker waits on notify.
type queue struct {
	mu     sync.Mutex
	items  []Delivery
	head   int
	n      int
	closed bool
	notify chan struct{}
}

func newQueue(capacity int) *queue {
	if capacity < 1 {
		capacity = 1
	}
	return &queue{
		items:  make([]Delivery, capacity),
		notify: make(chan struct{}, 1),
	}
}

// push appends d and reports whether an older item was evicted to make room.
// Pushing to a closed queue is a no-op.
func (q *queue) push(d Delivery) (evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.n == len(q.items) {
		q.items[q.head] = Delivery{}
		q.head = (q.head + 1) % len(q.items)
		q.n--
		evicted = true
	}
	q.items[(q.head+q.n)%len(q.items)] = d
	q.n++
	q.mu.Unlock()
	q.wake()
	return evicted
}

// pop removes the oldest item. When the queue is empty, ok is false and
// closed says whether more items can still arrive.
func (q *queue) pop() (d Delivery, ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return Delivery{}, false, q.closed
	}
	d = q.items[q.head]
	q.items[q.head] = Delivery{}
	q.head = (q.head + 1) % len(q.items)
	q.n--
	return d, true, q.closed
}

// close stops further pushes; queued items remain poppable.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *queue) capacity() int { return len(q.items) }

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
