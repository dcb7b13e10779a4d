package smartlog

import (
	"sync"
)

// ringBuffer is a thread-safe bounded buffer of log entries. Once capacity
// is reached the oldest entry is overwritten, giving strict FIFO eviction.
type ringBuffer struct {
	mu      sync.RWMutex
	entries []*Entry
	size    int
	head    int
	count   int
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = 10000
	}
	return &ringBuffer{
		entries: make([]*Entry, size),
		size:    size,
	}
}

// push appends an entry, evicting the oldest when full.
func (rb *ringBuffer) push(e *Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
}

// last returns the newest n entries in chronological order. n <= 0 or
// n > len returns everything stored.
func (rb *ringBuffer) last(n int) []*Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}
	if n == 0 {
		return nil
	}

	out := make([]*Entry, n)
	start := (rb.head - n + rb.size) % rb.size
	for i := 0; i < n; i++ {
		out[i] = rb.entries[(start+i)%rb.size]
	}
	return out
}

// all returns every stored entry in chronological order.
func (rb *ringBuffer) all() []*Entry {
	return rb.last(0)
}

// len returns the number of stored entries.
func (rb *ringBuffer) len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// resize replaces the buffer capacity, keeping the newest entries that fit.
func (rb *ringBuffer) resize(size int) {
	if size <= 0 {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	keep := rb.count
	if keep > size {
		keep = size
	}

	kept := make([]*Entry, 0, keep)
	start := (rb.head - keep + rb.size) % rb.size
	for i := 0; i < keep; i++ {
		kept = append(kept, rb.entries[(start+i)%rb.size])
	}

	rb.entries = make([]*Entry, size)
	copy(rb.entries, kept)
	rb.size = size
	rb.count = keep
	rb.head = keep % size
}
