package proxy

import (
	"context"
	"errors"
	"sync"

	"github.com/nasa/FEI-sub000/internal/txn"
)

var errQueueClosed = errors.New("queue closed")

// requestQueue is an unbounded FIFO drained by a single loop.
type requestQueue struct {
	mu     sync.Mutex
	items  []*txn.Request
	signal chan struct{}
	closed bool
}

func newRequestQueue() *requestQueue {
	return &requestQueue{signal: make(chan struct{}, 1)}
}

func (q *requestQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *requestQueue) push(r *txn.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	q.items = append(q.items, r)
	q.notify()
	return nil
}

// pushFront queues r ahead of everything already waiting.
func (q *requestQueue) pushFront(r *txn.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	q.items = append([]*txn.Request{r}, q.items...)
	q.notify()
	return nil
}

// pop blocks until a request is available, the queue is closed or ctx is
// done.
func (q *requestQueue) pop(ctx context.Context) (*txn.Request, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, errQueueClosed
		}
		if len(q.items) > 0 {
			r := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.notify()
			}
			q.mu.Unlock()
			return r, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// purge removes and returns every queued request matching fn.
func (q *requestQueue) purge(fn func(*txn.Request) bool) []*txn.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []*txn.Request
	kept := q.items[:0]
	for _, r := range q.items {
		if fn(r) {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	clear(q.items[len(kept):])
	q.items = kept
	return removed
}

func (q *requestQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close rejects further pushes, wakes the consumer and returns whatever was
// still queued.
func (q *requestQueue) close() []*txn.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	rest := q.items
	q.items = nil
	q.notify()
	return rest
}
