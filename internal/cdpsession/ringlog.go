package cdpsession

import "sync"

// ringLog is a bounded, append-only log. Appending at capacity evicts exactly
// the oldest entry.
type ringLog[T any] struct {
	mu    sync.Mutex
	buf   []T
	start int
	n     int
}

func newRingLog[T any](capacity int) *ringLog[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ringLog[T]{buf: make([]T, capacity)}
}

// Append adds v and reports whether an entry was evicted to make room.
func (l *ringLog[T]) Append(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = v
		l.n++
		return false
	}
	l.buf[l.start] = v
	l.start = (l.start + 1) % len(l.buf)
	return true
}

// Snapshot returns the entries oldest first.
func (l *ringLog[T]) Snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]T, l.n)
	for i := 0; i < l.n; i++ {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}

func (l *ringLog[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero T
	for i := range l.buf {
		l.buf[i] = zero
	}
	l.start, l.n = 0, 0
}

func (l *ringLog[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

func (l *ringLog[T]) Cap() int {
	return len(l.buf)
}
