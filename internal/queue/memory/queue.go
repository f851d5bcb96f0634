// Package memory provides the in-process task queue used for background
// scan phases.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = crawler.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan crawler.Task
	done    chan struct{}
	closeMu sync.RWMutex
	once    sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan crawler.Task, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task crawler.Task) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Task, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return nil, ErrClosed
		}
		return task, nil
	}
}

// Len reports how many tasks are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting tasks and returns the ones still queued so the
// caller can abort them.
func (q *Queue) Close() []crawler.Task {
	var pending []crawler.Task
	q.once.Do(func() {
		close(q.done)
		q.closeMu.Lock()
		defer q.closeMu.Unlock()
		close(q.ch)
		for task := range q.ch {
			pending = append(pending, task)
		}
	})
	return pending
}
