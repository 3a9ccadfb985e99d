// Package ring provides a generic, thread-safe bounded ring that retains
// the most recent N items. Unlike a queue, reads do not consume: the ring
// is the retention store that windowed aggregation recomputes from.
package ring

import (
	"sync"
)

// Ring is a fixed-capacity ring retaining the newest items. Appends past
// capacity overwrite the oldest item. Safe for a single producer with
// multiple concurrent readers.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position

	overwritten uint64
}

// New creates a ring with the given capacity. Capacity below 1 is clamped to 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Append adds an item, overwriting the oldest when full.
func (r *Ring[T]) Append(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	} else {
		r.overwritten++
	}
}

// Len returns the current number of retained items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Overwritten returns how many items were displaced by appends past capacity.
func (r *Ring[T]) Overwritten() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overwritten
}

// Snapshot returns a copy of the retained items, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.size)
	start := (r.head - r.size + r.capacity) % r.capacity
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(start+i)%r.capacity]
	}
	return out
}

// Last returns a copy of the newest n items, oldest first. If fewer than
// n items are retained, all of them are returned.
func (r *Ring[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := (r.head - n + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		out[i] = r.items[(start+i)%r.capacity]
	}
	return out
}

// Filter returns a copy of the retained items for which keep returns true,
// oldest first.
func (r *Ring[T]) Filter(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []T
	start := (r.head - r.size + r.capacity) % r.capacity
	for i := 0; i < r.size; i++ {
		item := r.items[(start+i)%r.capacity]
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}

// Clear removes all retained items.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size = 0
	r.head = 0
}
