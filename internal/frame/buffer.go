package frame

// DefaultMaxBuffered is the default high-water mark for buffered bytes.
const DefaultMaxBuffered = 64 * 1024

// Buffer is a growable byte buffer with a read cursor. Bytes are only removed
// from the front, either because they were committed to a frame or because
// they were discarded as garbage. It is not safe for concurrent use; the
// ingestion loop owns it exclusively.
type Buffer struct {
	data  []byte
	start int
	// consumed counts every byte ever removed from the front so that frame
	// offsets can be reported relative to the whole stream.
	consumed int64
}

// NewBuffer returns a buffer with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.compact(len(p))
	b.data = append(b.data, p...)
	return len(p), nil
}

// Bytes returns the unconsumed bytes. The slice is only valid until the next
// Write or Discard.
func (b *Buffer) Bytes() []byte { return b.data[b.start:] }

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int { return len(b.data) - b.start }

// Offset returns the absolute stream offset of the first unconsumed byte.
func (b *Buffer) Offset() int64 { return b.consumed }

// Discard drops n bytes from the front.
func (b *Buffer) Discard(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.start += n
	b.consumed += int64(n)
	if b.start == len(b.data) {
		b.data = b.data[:0]
		b.start = 0
	}
}

// compact moves live bytes to the front when the consumed prefix is at least
// half the backing array, or when appending extra bytes would otherwise
// force a reallocation.
func (b *Buffer) compact(extra int) {
	if b.start == 0 {
		return
	}
	if b.start < cap(b.data)/2 && len(b.data)+extra <= cap(b.data) {
		return
	}
	n := copy(b.data, b.data[b.start:])
	b.data = b.data[:n]
	b.start = 0
}
