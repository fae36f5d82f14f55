package buffer

import "sync"

// Ring is a thread-safe fixed-capacity FIFO. When full, pushing drops the
// oldest item. Used for console transcripts and the recent-transition
// replay window, where bounded retention matters more than completeness.
type Ring[T any] struct {
	mu       sync.Mutex
	data     []T
	head     int
	size     int
	capacity int
}

// New creates a Ring with the given capacity. Capacities below one are
// clamped to one.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an item, evicting the oldest when the ring is full.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.size) % r.capacity
	r.data[tail] = item
	if r.size < r.capacity {
		r.size++
		return
	}
	r.head = (r.head + 1) % r.capacity
}

// Items returns the retained items oldest-first.
func (r *Ring[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.data[(r.head+i)%r.capacity]
	}
	return out
}

// Last returns the most recently pushed item.
func (r *Ring[T]) Last() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.data[(r.head+r.size-1)%r.capacity], true
}

// Len returns the number of retained items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring's capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}
