// Package backlog holds messages waiting to be sent on one channel.
package backlog

import "sync"

// DefaultDepth is the number of unsent messages a channel keeps.
const DefaultDepth = 10

// Backlog is a bounded FIFO. Pushing onto a full backlog evicts the oldest entry,
// so producers never block.
type Backlog[T any] struct {
	mu      sync.Mutex
	data    []T
	cap     int
	dropped uint64
	ready   chan struct{}
}

func New[T any](capacity int) *Backlog[T] {
	if capacity <= 0 {
		capacity = DefaultDepth
	}
	return &Backlog[T]{
		data:  make([]T, 0, capacity),
		cap:   capacity,
		ready: make(chan struct{}, 1),
	}
}

// Push appends v and reports whether an older entry was dropped to make room.
func (b *Backlog[T]) Push(v T) (dropped bool) {
	b.mu.Lock()
	if len(b.data) >= b.cap {
		var zero T
		b.data[0] = zero
		b.data = append(b.data[:0], b.data[1:]...)
		b.dropped++
		dropped = true
	}
	b.data = append(b.data, v)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes the oldest entry.
func (b *Backlog[T]) Pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	if len(b.data) == 0 {
		return zero, false
	}
	v := b.data[0]
	b.data[0] = zero
	b.data = append(b.data[:0], b.data[1:]...)
	return v, true
}

// Peek returns the oldest entry without removing it.
func (b *Backlog[T]) Peek() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		var zero T
		return zero, false
	}
	return b.data[0], true
}

// Ready is signalled after a Push. It is buffered by one, so a consumer must
// drain with Pop until empty before waiting again.
func (b *Backlog[T]) Ready() <-chan struct{} {
	return b.ready
}

func (b *Backlog[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *Backlog[T]) Cap() int { return b.cap }

// Dropped is the number of entries evicted since creation.
func (b *Backlog[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
