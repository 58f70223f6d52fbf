package task

import "fmt"

// Sink is the capability a pipeline's event loop exposes to producers.
type Sink interface {
	// EnqueueTask hands t to the loop. After teardown it returns an error
	// wrapping ErrPipelineGone, and t is discarded.
	EnqueueTask(t Task) error

	// IsTornDown reports whether the loop has been torn down.
	IsTornDown() bool
}

// Source is a lightweight handle through which any goroutine may queue tasks
// of one category against one global. Copies share the same destination.
// The zero value is not usable.
type Source struct {
	sink   Sink
	global GlobalRef
	name   SourceName
}

// NewSource returns a handle queueing tasks named name, targeting global,
// through sink.
func NewSource(name SourceName, global GlobalRef, sink Sink) Source {
	return Source{sink: sink, global: global, name: name}
}

// Name returns the category stamped on every task queued through s.
func (s Source) Name() SourceName { return s.name }

// Global returns the target stamped on every task queued through s.
func (s Source) Global() GlobalRef { return s.global }

// IsTornDown reports whether the destination loop is gone. Producers may use
// it to stop work early, but must still handle Queue errors.
func (s Source) IsTornDown() bool {
	return s.sink == nil || s.sink.IsTornDown()
}

// Queue submits t. The Source and Target of t are overwritten so producers
// cannot mislabel work. It never blocks.
func (s Source) Queue(t Task) error {
	if t.Run == nil {
		return ErrNilRun
	}
	if !s.name.Valid() {
		t.Discard()
		return fmt.Errorf("%w: %s", ErrInvalidSource, s.name)
	}
	if s.sink == nil {
		t.Discard()
		return ErrPipelineGone
	}
	t.Source = s.name
	t.Target = s.global
	return s.sink.EnqueueTask(t)
}

// QueueFunc submits fn as a task without a canceller.
func (s Source) QueueFunc(fn func()) error {
	return s.Queue(Task{Run: fn})
}

// QueueWithCanceller submits fn as a task that is skipped if c has fired by
// the time it would run.
func (s Source) QueueWithCanceller(fn func(), c *Canceller) error {
	return s.Queue(Task{Run: fn, Canceller: c})
}

func (s Source) String() string {
	return s.name.String() + "@" + s.global.String()
}
