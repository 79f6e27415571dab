package order

import (
	"context"
	"sync"
	"sync/atomic"
)

// QueueMetrics tracks in-memory queue throughput.
type QueueMetrics struct {
	Enqueued   uint64
	Dequeued   uint64
	Overflowed uint64
	Dropped    uint64
}

// OrderQueue is the interface engine and api depend on, satisfied by both
// Queue (in-memory) and PersistentQueue (WAL-backed).
type OrderQueue interface {
	Enqueue(o Order) bool
	Drain(ctx context.Context, handler func(Order))
	Len() int
	PendingNotional() float64
	Close()
}

// Queue buffers orders before execution with a bounded main channel and an
// unbounded overflow buffer so a burst of signals never blocks the risk
// pipeline; overflowed orders drain once the main channel has room.
type Queue struct {
	ch chan Order

	mu       sync.Mutex
	overflow []Order

	metrics QueueMetrics
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan Order, size)}
}

// Enqueue returns false only when the queue has been closed.
func (q *Queue) Enqueue(o Order) (ok bool) {
	defer func() {
		// A send on the closed main channel panics; report it as a refusal.
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case q.ch <- o:
		atomic.AddUint64(&q.metrics.Enqueued, 1)
		return true
	default:
	}

	q.mu.Lock()
	q.overflow = append(q.overflow, o)
	q.mu.Unlock()
	atomic.AddUint64(&q.metrics.Overflowed, 1)
	atomic.AddUint64(&q.metrics.Enqueued, 1)
	return true
}

func (q *Queue) Chan() <-chan Order {
	return q.ch
}

func (q *Queue) Close() {
	close(q.ch)
}

// Len returns the depth of the main channel only; use OverflowLen for the
// spillover buffer.
func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) OverflowLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.overflow)
}

// PendingNotional sums Qty*Price across everything waiting in the overflow
// buffer; orders already in the main channel are about to be drained and
// aren't counted.
func (q *Queue) PendingNotional() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var total float64
	for _, o := range q.overflow {
		total += o.Qty * o.Price
	}
	return total
}

func (q *Queue) GetMetrics() QueueMetrics {
	return QueueMetrics{
		Enqueued:   atomic.LoadUint64(&q.metrics.Enqueued),
		Dequeued:   atomic.LoadUint64(&q.metrics.Dequeued),
		Overflowed: atomic.LoadUint64(&q.metrics.Overflowed),
		Dropped:    atomic.LoadUint64(&q.metrics.Dropped),
	}
}

// Drain consumes orders with a handler until context is canceled, feeding
// the main channel first and then any overflow that has queued up behind
// it.
func (q *Queue) Drain(ctx context.Context, handler func(Order)) {
	drainOverflow := func() {
		q.mu.Lock()
		pending := q.overflow
		q.overflow = nil
		q.mu.Unlock()
		for _, o := range pending {
			select {
			case <-ctx.Done():
				return
			case q.ch <- o:
			}
		}
	}

	for {
		drainOverflow()
		select {
		case <-ctx.Done():
			return
		case o, ok := <-q.ch:
			if !ok {
				return
			}
			atomic.AddUint64(&q.metrics.Dequeued, 1)
			handler(o)
		}
	}
}
