// Package buffer holds accepted entries until the writer persists them.
package buffer

import (
	"sync"

	"github.com/ehrlich-b/historian/internal/logentry"
)

// Buffer is a mutex-guarded, ordered holding area for entries.
//
// The buffer counts as exceeded once it holds capacity or more entries
// (len >= capacity). A capacity of 0 therefore drains on every enqueue.
type Buffer struct {
	capacity int

	mu      sync.Mutex
	entries []logentry.Entry
}

// New creates a buffer that reports exceeded at capacity entries.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{
		capacity: capacity,
		entries:  make([]logentry.Entry, 0, capacity),
	}
}

// Enqueue appends e.
func (b *Buffer) Enqueue(e logentry.Entry) {
	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.mu.Unlock()
}

// Len returns the number of held entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// IsExceeded reports whether the buffer holds capacity or more entries.
func (b *Buffer) IsExceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded()
}

// Drain removes and returns every held entry in enqueue order. The returned
// slice is owned by the caller.
func (b *Buffer) Drain() []logentry.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.take()
}

// DrainIfExceeded drains only when the buffer is exceeded. The check and the
// drain happen under one lock hold, so concurrent callers never both receive
// the same entries.
func (b *Buffer) DrainIfExceeded() []logentry.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.exceeded() {
		return nil
	}
	return b.take()
}

// EnqueueAndDrainIfExceeded appends e and, if that makes the buffer exceeded,
// drains it in the same lock hold.
func (b *Buffer) EnqueueAndDrainIfExceeded(e logentry.Entry) []logentry.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if !b.exceeded() {
		return nil
	}
	return b.take()
}

func (b *Buffer) exceeded() bool {
	return len(b.entries) >= b.capacity
}

func (b *Buffer) take() []logentry.Entry {
	if len(b.entries) == 0 {
		return nil
	}
	out := b.entries
	b.entries = make([]logentry.Entry, 0, b.capacity)
	return out
}
