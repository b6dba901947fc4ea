// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Queue is an unbounded in-memory FIFO with context-aware Dequeue. Workers
// enqueue children while holding a task, so Enqueue never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []crawler.Task
	notify chan struct{}
	done   chan struct{}
	closed bool
}

// NewQueue constructs an empty queue. capacity preallocates storage only.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		items:  make([]crawler.Task, 0, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue appends a task.
func (q *Queue) Enqueue(ctx context.Context, task crawler.Task) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return crawler.ErrQueueClosed
	}
	q.items = append(q.items, task)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Dequeue pops the oldest task, waiting until one is available, the context
// ends, or the queue is closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = crawler.Task{}
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return task, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return crawler.Task{}, crawler.ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return crawler.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.notify:
		case <-q.done:
		}
	}
}

// Len reports the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting tasks and wakes blocked consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
