// Package queue provides the typed work queues connecting pipeline stages:
// multi-producer/multi-consumer FIFO queues with blocking dequeue, explicit
// close semantics, and a two-lane priority pair for parse scheduling.
package queue

import (
	"context"
	"sync"

	"github.com/standardbeagle/symdb/internal/errors"
	"github.com/standardbeagle/symdb/internal/types"
)

// Queue is a thread-safe FIFO queue. Enqueue never blocks: an unbounded
// queue always accepts, a bounded queue rejects with ErrQueueFull instead of
// stalling the producer. Dequeue blocks until an item arrives or the queue is
// closed. After Close, consumers drain any remaining items and then receive
// ErrQueueClosed.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []T
	capacity int // 0 = unbounded
	closed   bool
}

// New creates an unbounded queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// NewBounded creates a queue that rejects enqueues beyond capacity with
// ErrQueueFull, giving producers a backpressure signal instead of corrupting
// state or blocking.
func NewBounded[T any](capacity int) *Queue[T] {
	q := &Queue[T]{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends an item. Returns ErrQueueClosed after Close, ErrQueueFull
// when a bounded queue is at capacity.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.ErrQueueClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return errors.ErrQueueFull
	}

	q.items = append(q.items, item)
	q.notEmpty.Signal()
	return nil
}

// Dequeue removes the oldest item, blocking while the queue is empty and
// open. Exactly one consumer receives each item. Returns ErrQueueClosed once
// the queue is closed and drained.
func (q *Queue[T]) Dequeue() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}

	var zero T
	if len(q.items) == 0 {
		return zero, errors.ErrQueueClosed
	}

	item := q.items[0]
	q.items[0] = zero // release reference
	q.items = q.items[1:]
	return item, nil
}

// TryDequeue removes the oldest item without blocking. The second result is
// false when the queue is empty (whether or not it is closed).
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Close transitions the queue to the closed state: all blocked consumers are
// woken, further enqueues are rejected, remaining items stay dequeueable.
// Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// PriorityPair schedules parse requests across two lanes sharing one set of
// consumers. A blocked consumer always receives interactive items first; bulk
// items move only while the interactive lane is empty.
type PriorityPair[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	interactive []T
	bulk        []T

	capacity int // per-lane; 0 = unbounded
	closed   bool
}

// NewPriorityPair creates a two-lane queue. capacity bounds each lane
// independently (0 = unbounded).
func NewPriorityPair[T any](capacity int) *PriorityPair[T] {
	p := &PriorityPair[T]{capacity: capacity}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	return p
}

// Enqueue appends an item to the lane selected by priority.
func (p *PriorityPair[T]) Enqueue(item T, priority types.Priority) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.ErrQueueClosed
	}

	lane := &p.bulk
	if priority == types.PriorityInteractive {
		lane = &p.interactive
	}
	if p.capacity > 0 && len(*lane) >= p.capacity {
		return errors.ErrQueueFull
	}

	*lane = append(*lane, item)
	p.notEmpty.Signal()
	return nil
}

// EnqueueWait appends an item, blocking while the selected lane is at
// capacity instead of returning ErrQueueFull. The wait ends when a consumer
// frees space, the queue closes, or ctx is cancelled.
func (p *PriorityPair[T]) EnqueueWait(ctx context.Context, item T, priority types.Priority) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.notFull.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	lane := &p.bulk
	if priority == types.PriorityInteractive {
		lane = &p.interactive
	}
	for !p.closed && p.capacity > 0 && len(*lane) >= p.capacity && ctx.Err() == nil {
		p.notFull.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.closed {
		return errors.ErrQueueClosed
	}

	*lane = append(*lane, item)
	p.notEmpty.Signal()
	return nil
}

// Requeue appends an item regardless of the lane bound, failing only when
// closed. Reserved for consumers rescheduling work they already dequeued:
// blocking one of the pool's own consumers on the bound it drains could
// deadlock the pool.
func (p *PriorityPair[T]) Requeue(item T, priority types.Priority) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.ErrQueueClosed
	}

	lane := &p.bulk
	if priority == types.PriorityInteractive {
		lane = &p.interactive
	}
	*lane = append(*lane, item)
	p.notEmpty.Signal()
	return nil
}

// Dequeue blocks until an item is available in either lane, draining
// interactive before bulk. Returns ErrQueueClosed once closed and drained.
func (p *PriorityPair[T]) Dequeue() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.interactive) == 0 && len(p.bulk) == 0 && !p.closed {
		p.notEmpty.Wait()
	}

	var zero T
	if len(p.interactive) > 0 {
		item := p.interactive[0]
		p.interactive[0] = zero
		p.interactive = p.interactive[1:]
		// Waiters are lane-specific; Signal could wake the wrong lane's
		// producer and strand the right one
		p.notFull.Broadcast()
		return item, nil
	}
	if len(p.bulk) > 0 {
		item := p.bulk[0]
		p.bulk[0] = zero
		p.bulk = p.bulk[1:]
		p.notFull.Broadcast()
		return item, nil
	}
	return zero, errors.ErrQueueClosed
}

// TryDequeue removes an item without blocking, interactive lane first.
func (p *PriorityPair[T]) TryDequeue() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	if len(p.interactive) > 0 {
		item := p.interactive[0]
		p.interactive[0] = zero
		p.interactive = p.interactive[1:]
		p.notFull.Broadcast()
		return item, true
	}
	if len(p.bulk) > 0 {
		item := p.bulk[0]
		p.bulk[0] = zero
		p.bulk = p.bulk[1:]
		p.notFull.Broadcast()
		return item, true
	}
	return zero, false
}

// Close wakes all blocked consumers and producers and rejects further
// enqueues.
func (p *PriorityPair[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
}

// Len returns the combined queued item count across both lanes.
func (p *PriorityPair[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.interactive) + len(p.bulk)
}
