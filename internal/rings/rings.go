// Package rings holds the per-session observation buffers: fixed-capacity
// rings for audit entries, console messages, page errors, and dialogs.
// Writers are the driver event consumer and the action pipeline; readers
// are HTTP handlers. All operations are safe for concurrent use.
package rings

import "sync"

// Ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int // index of the oldest entry
	count int
}

// New creates a ring with the given capacity. Capacity must be positive.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Append adds an entry, evicting the oldest when the ring is full.
func (r *Ring[T]) Append(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// Len reports the number of retained entries.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Tail returns the newest n entries in chronological order. n <= 0 returns
// everything retained.
func (r *Ring[T]) Tail(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]T, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+start+i)%len(r.buf)]
	}
	return out
}

// Drain returns all retained entries in chronological order and empties
// the ring.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.count = 0, 0
	return out
}
