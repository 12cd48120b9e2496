// Package memory provides a queue implementation for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// Queue is a bounded in-memory job queue with context-aware operations. It
// implements both spider.Queue and spider.JobSource.
type Queue struct {
	ch      chan spider.ExecutionJob
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan spider.ExecutionJob, capacity),
	}
}

// Submit pushes a job into the queue or returns if the context ends.
func (q *Queue) Submit(ctx context.Context, job spider.ExecutionJob) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("submit canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// Next pops the next job, respecting context cancellation.
func (q *Queue) Next(ctx context.Context) (spider.ExecutionJob, error) {
	select {
	case <-ctx.Done():
		return spider.ExecutionJob{}, fmt.Errorf("next canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return spider.ExecutionJob{}, errors.New("queue closed")
		}
		return job, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
