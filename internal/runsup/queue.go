package runsup

import (
	"context"
	"sync"
)

// Line is one worker output line tagged by origin stream.
type Line struct {
	Text   string
	Stderr bool
}

// lineQueue is an unbounded multi-producer/single-consumer FIFO. Push never
// blocks, which keeps the stream readers from stalling the worker process
// while the drain loop is busy.
type lineQueue struct {
	mx     sync.Mutex
	items  []Line
	closed bool
	signal chan struct{}
}

func newLineQueue() *lineQueue {
	return &lineQueue{
		signal: make(chan struct{}, 1),
	}
}

// Push appends a line. Safe to call from multiple goroutines. Pushing after
// Close is a no-op.
func (q *lineQueue) Push(ln Line) {
	q.mx.Lock()
	if q.closed {
		q.mx.Unlock()
		return
	}
	q.items = append(q.items, ln)
	q.mx.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Close marks the end of input. Pending items remain poppable.
func (q *lineQueue) Close() {
	q.mx.Lock()
	q.closed = true
	q.mx.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop blocks until a line is available, the queue is closed and drained, or
// ctx is done. The second return is false on close/cancellation.
func (q *lineQueue) Pop(ctx context.Context) (Line, bool) {
	for {
		q.mx.Lock()
		if len(q.items) > 0 {
			ln := q.items[0]
			q.items = q.items[1:]
			q.mx.Unlock()
			return ln, true
		}
		closed := q.closed
		q.mx.Unlock()

		if closed {
			return Line{}, false
		}

		select {
		case <-ctx.Done():
			return Line{}, false
		case <-q.signal:
		}
	}
}
