// ABOUTME: Named in-memory FIFO queues with bounded blocking reads
// ABOUTME: Each conversation thread reads user input from the queue named by its thread ID

package queue

import (
	"context"
	"sync"
	"time"
)

// Queue is an unbounded FIFO with a single intended reader.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newQueue[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Put appends v and wakes a waiting reader. It never blocks.
func (q *Queue[T]) Put(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drain empties the queue and returns what it held.
func (q *Queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Get returns the next item, waiting up to timeout for one to arrive.
//
// When nothing arrives in time it returns ok=false with a nil error; that is a
// normal result, not a failure. A cancelled ctx returns ctx.Err(). A timeout of
// zero or less waits until ctx is done.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (T, bool, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if v, ok := q.pop(); ok {
			return v, true, nil
		}

		var zero T
		select {
		case <-q.signal:
		case <-expired:
			// An item may have landed between pop and the timer firing.
			if v, ok := q.pop(); ok {
				return v, true, nil
			}
			return zero, false, nil
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
	}
}

func (q *Queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Registry hands out one Queue per name, creating it on first use.
type Registry[T any] struct {
	mu     sync.RWMutex
	queues map[string]*Queue[T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{queues: make(map[string]*Queue[T])}
}

// Queue returns the queue for name, creating it if needed.
func (r *Registry[T]) Queue(name string) *Queue[T] {
	r.mu.RLock()
	q, ok := r.queues[name]
	r.mu.RUnlock()
	if ok {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[name]; ok {
		return q
	}
	q = newQueue[T]()
	r.queues[name] = q
	return q
}

// Put appends v to the queue for name, creating the queue if needed. A
// concurrent Offer never lands ahead of v in a queue Put creates.
func (r *Registry[T]) Put(name string, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	if !ok {
		q = newQueue[T]()
		r.queues[name] = q
	}
	q.Put(v)
}

// Offer appends v only if a queue for name already exists and reports
// whether it did.
func (r *Registry[T]) Offer(name string, v T) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	if !ok {
		return false
	}
	q.Put(v)
	return true
}

// Remove forgets the queue for name and returns the items still buffered in
// it. Offers after Remove report false.
func (r *Registry[T]) Remove(name string) []T {
	r.mu.Lock()
	q, ok := r.queues[name]
	delete(r.queues, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return q.drain()
}
