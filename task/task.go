// Package task defines the unit of work exchanged between producers and a
// pipeline's event loop: categorized tasks, cancellation flags, target
// globals, and the [Source] handle producers hold.
package task

import "sync/atomic"

// Task is a unit of deferred work. Once queued, the task is owned by the
// event loop until it is either run or discarded.
type Task struct {
	// Run is the task body, executed on the event loop goroutine.
	Run func()

	// OnDiscard, if set, is called instead of Run when the task is dropped
	// without running, because it was cancelled or because the pipeline was
	// torn down. It may be called from any goroutine.
	OnDiscard func()

	// Canceller, if set, is checked immediately before Run.
	Canceller *Canceller

	Target GlobalRef
	Source SourceName
}

// Cancelled reports whether the task's canceller has fired.
func (t *Task) Cancelled() bool {
	return t.Canceller.Cancelled()
}

// Discard invokes OnDiscard, if set.
func (t *Task) Discard() {
	if t.OnDiscard != nil {
		t.OnDiscard()
	}
}

// Canceller is a shared cancellation flag. A nil *Canceller is never
// cancelled. Safe for concurrent use.
type Canceller struct {
	parent    *Canceller
	cancelled atomic.Bool
}

// NewCanceller returns a canceller that has not fired.
func NewCanceller() *Canceller {
	return new(Canceller)
}

// Cancel sets the flag. Idempotent.
func (c *Canceller) Cancel() {
	if c != nil {
		c.cancelled.Store(true)
	}
}

// Cancelled reports whether c, or any ancestor of c, has been cancelled.
func (c *Canceller) Cancelled() bool {
	for ; c != nil; c = c.parent {
		if c.cancelled.Load() {
			return true
		}
	}
	return false
}

// Child returns a new canceller that reports cancelled once either it or c
// has been cancelled. Cancelling the child does not affect c.
func (c *Canceller) Child() *Canceller {
	return &Canceller{parent: c}
}
