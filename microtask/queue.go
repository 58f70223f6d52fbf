// Package microtask implements the per-global microtask queue and the
// checkpoint that drains it between tasks.
package microtask

import (
	"errors"
	"sync"
)

// ErrClosed is returned by [Queue.Enqueue] once the queue has been closed.
var ErrClosed = errors.New("microtask: queue closed")

// Queue is a FIFO of microtasks. Enqueue is safe from any goroutine;
// Checkpoint must only be called from the owning event loop goroutine.
type Queue struct {
	onPanic func(v any)
	mu      sync.Mutex
	items   []func()
	spare   []func()
	closed  bool
	// performing mirrors the "performing a microtask checkpoint" flag, and is
	// only accessed from the loop goroutine.
	performing bool
}

// Option configures a Queue.
type Option interface {
	applyQueue(*Queue)
}

type optionImpl struct {
	applyFunc func(*Queue)
}

func (o *optionImpl) applyQueue(q *Queue) { o.applyFunc(q) }

// WithPanicHandler installs a function receiving values recovered from
// panicking microtasks. Without one, recovered panics are dropped.
func WithPanicHandler(fn func(v any)) Option {
	return &optionImpl{func(q *Queue) { q.onPanic = fn }}
}

// New returns an empty, open queue.
func New(opts ...Option) *Queue {
	q := new(Queue)
	for _, opt := range opts {
		if opt != nil {
			opt.applyQueue(q)
		}
	}
	return q
}

// Enqueue appends fn. It is dropped, returning ErrClosed, if the queue has
// been closed.
func (q *Queue) Enqueue(fn func()) error {
	if fn == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, fn)
	return nil
}

// Len returns the number of pending microtasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Checkpoint runs microtasks until the queue is empty, including any
// enqueued while draining, and returns how many ran. A nested call made from
// within a running microtask returns 0 immediately; the outer call will pick
// up anything the nested caller expected to run.
func (q *Queue) Checkpoint() int {
	if q.performing {
		return 0
	}
	q.performing = true
	defer func() { q.performing = false }()

	var n int
	for {
		batch := q.take()
		if batch == nil {
			return n
		}
		for i, fn := range batch {
			batch[i] = nil
			if q.isClosed() {
				return n
			}
			q.run(fn)
			n++
		}
		q.recycle(batch)
	}
}

// Performing reports whether a checkpoint is in progress.
func (q *Queue) Performing() bool {
	return q.performing
}

// Close discards every pending microtask and rejects further ones. A
// checkpoint in progress stops before running its next microtask. Returns
// the number discarded.
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	clear(q.items)
	q.items = nil
	q.closed = true
	return n
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.closed {
		return nil
	}
	batch := q.items
	q.items = q.spare[:0]
	q.spare = nil
	return batch
}

func (q *Queue) recycle(batch []func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.spare == nil && !q.closed {
		q.spare = batch[:0]
	}
}

func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil && q.onPanic != nil {
			q.onPanic(r)
		}
	}()
	fn()
}
