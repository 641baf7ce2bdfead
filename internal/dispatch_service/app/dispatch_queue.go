package app

import (
	"context"
	"sync"
	"time"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

// DispatchQueue is an unbounded FIFO of job ids with a single consumer.
// Push never blocks; Dequeue waits for at most the given interval.
type DispatchQueue struct {
	mu     sync.Mutex
	items  []string
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// NewDispatchQueue creates an empty, open queue.
func NewDispatchQueue() *DispatchQueue {
	return &DispatchQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends a job id. It fails with domain.ErrQueueClosed after Close.
func (q *DispatchQueue) Push(id string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.ErrQueueClosed
	}
	q.items = append(q.items, id)
	queueDepthGauge.Set(float64(len(q.items)))
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue returns the oldest id. ok is false when wait elapsed with the queue
// still empty. Once the queue is closed and empty, domain.ErrQueueClosed is
// returned.
func (q *DispatchQueue) Dequeue(ctx context.Context, wait time.Duration) (id string, ok bool, err error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id = q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			queueDepthGauge.Set(float64(len(q.items)))
			q.mu.Unlock()
			return id, true, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return "", false, domain.ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-timer.C:
			return "", false, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

// Close stops accepting new ids. Already queued ids remain available.
func (q *DispatchQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Drain removes and returns every remaining id in order.
func (q *DispatchQueue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	queueDepthGauge.Set(0)
	return out
}

// Len returns the number of queued ids.
func (q *DispatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
