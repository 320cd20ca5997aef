// Package queue implements the in-process FIFO of order identifiers that
// decouples order intake from processing.
package queue

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO safe for any number of producers and consumers.
//
// Consumers block in Dequeue until an item is available. Wake-ups go through
// a one-slot signal channel: Enqueue leaves a token, and a consumer that takes
// an item while more remain passes the token on, so no waiting consumer misses
// a pending item.
type Queue struct {
	mu     sync.Mutex
	items  []string
	head   int
	closed bool

	signal chan struct{}
	done   chan struct{}
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue appends id to the tail. It never blocks. Items enqueued after
// Close are dropped.
func (q *Queue) Enqueue(id string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, id)
	q.mu.Unlock()

	q.notify()
}

// Dequeue removes and returns the head of the queue, waiting until one is
// available. It returns ctx.Err() if ctx is done first and ErrClosed once the
// queue has been closed and fully drained.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	for {
		if id, ok := q.pop(); ok {
			return id, nil
		}
		if q.isClosed() {
			return "", ErrClosed
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.signal:
		case <-q.done:
		}
	}
}

// Len returns the number of queued identifiers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close stops accepting new items and wakes all blocked consumers. Items
// already queued can still be dequeued. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) pop() (string, bool) {
	q.mu.Lock()
	if q.head == len(q.items) {
		q.mu.Unlock()
		return "", false
	}
	id := q.items[q.head]
	q.items[q.head] = ""
	q.head++

	remaining := len(q.items) - q.head
	if remaining == 0 {
		// Reuse the backing array once drained.
		q.items = q.items[:0]
		q.head = 0
	} else if q.head >= 1024 && q.head*2 >= len(q.items) {
		q.items = append([]string(nil), q.items[q.head:]...)
		q.head = 0
	}
	q.mu.Unlock()

	if remaining > 0 {
		q.notify()
	}
	return id, true
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
