// Package queue serializes work per key: each chat thread runs at most
// one assistant turn at a time, with later messages held in FIFO order
// behind the in-flight one.
package queue

import "sync"

// Queue tracks an in-flight claim and a FIFO backlog per key. The zero
// value is not usable; call New.
type Queue[T any] struct {
	mu      sync.Mutex
	busy    map[string]bool
	pending map[string][]T
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		busy:    make(map[string]bool),
		pending: make(map[string][]T),
	}
}

// TryClaim attempts to take the key's in-flight slot. It returns true
// exactly once until Release or an empty PopNext frees the slot.
func (q *Queue[T]) TryClaim(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.busy[key] {
		return false
	}
	q.busy[key] = true
	return true
}

// EnqueueBehind appends an item behind the key's in-flight work.
func (q *Queue[T]) EnqueueBehind(key string, item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[key] = append(q.pending[key], item)
}

// PopNext returns the next backlog item for a key whose in-flight work
// just finished. When the backlog is empty the claim is released and ok
// is false; otherwise the claim stays held for the returned item.
func (q *Queue[T]) PopNext(key string) (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	backlog := q.pending[key]
	if len(backlog) == 0 {
		delete(q.busy, key)
		delete(q.pending, key)
		return item, false
	}

	item = backlog[0]
	if len(backlog) == 1 {
		delete(q.pending, key)
	} else {
		q.pending[key] = backlog[1:]
	}
	return item, true
}

// Release frees the key's claim and discards its backlog. Used when a
// session is stopped mid-stream.
func (q *Queue[T]) Release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.busy, key)
	delete(q.pending, key)
}

// Busy reports whether the key has an in-flight claim.
func (q *Queue[T]) Busy(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy[key]
}

// Len returns the backlog depth for a key, not counting in-flight work.
func (q *Queue[T]) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[key])
}
