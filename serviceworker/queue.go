package serviceworker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-scriptthread/task"
)

// EntryState is the state of one JobQueue entry.
type EntryState uint8

const (
	EntryPending EntryState = iota
	EntryRunning
	EntrySettled
)

func (s EntryState) String() string {
	switch s {
	case EntryPending:
		return "pending"
	case EntryRunning:
		return "running"
	case EntrySettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Executor performs jobs. Execute must eventually call done exactly once,
// from any goroutine. It may return before the job completes.
type Executor interface {
	Execute(ctx context.Context, job *Job, done func(Result))
}

// ExecutorFunc adapts a function to [Executor].
type ExecutorFunc func(ctx context.Context, job *Job, done func(Result))

func (f ExecutorFunc) Execute(ctx context.Context, job *Job, done func(Result)) {
	f(ctx, job, done)
}

type entry struct {
	job      *Job
	promises []*Promise
	state    EntryState
}

// JobQueue serializes the jobs of one scope. At most one entry is running
// at a time, and entries run in submission order.
type JobQueue struct {
	ctx      context.Context
	executor Executor
	logger   *logiface.Logger[logiface.Event]
	wg       *sync.WaitGroup
	scope    ScopeKey
	entries  []*entry
	mu       sync.Mutex
	strict   bool
	closed   bool
}

func newJobQueue(ctx context.Context, scope ScopeKey, executor Executor, logger *logiface.Logger[logiface.Event], strict bool, wg *sync.WaitGroup) *JobQueue {
	if wg == nil {
		wg = new(sync.WaitGroup)
	}
	return &JobQueue{
		ctx:      ctx,
		scope:    scope,
		executor: executor,
		logger:   logger,
		strict:   strict,
		wg:       wg,
	}
}

// Scope returns the scope served by the queue.
func (q *JobQueue) Scope() ScopeKey {
	return q.scope
}

// Submit appends job, starting it if the queue is idle. A job equivalent to
// the newest unsettled entry joins that entry instead.
func (q *JobQueue) Submit(job *Job) (*Promise, error) {
	p := newPromise(job.Client)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if n := len(q.entries); n != 0 {
		if last := q.entries[n-1]; last.state != EntrySettled && last.job.equivalent(job) {
			last.promises = append(last.promises, p)
			q.mu.Unlock()
			q.logger.Debug().
				Str("scope", string(q.scope)).
				Stringer("job", last.job.ID).
				Str("kind", job.Kind.String()).
				Log("serviceworker: coalesced equivalent job")
			return p, nil
		}
	}
	q.entries = append(q.entries, &entry{job: job, promises: []*Promise{p}})
	next := q.nextLocked()
	q.mu.Unlock()

	if next != nil {
		q.start(next)
	}
	return p, nil
}

// nextLocked marks the head entry running if nothing is running.
func (q *JobQueue) nextLocked() *entry {
	if q.closed || len(q.entries) == 0 || q.entries[0].state != EntryPending {
		return nil
	}
	e := q.entries[0]
	e.state = EntryRunning
	return e
}

func (q *JobQueue) start(e *entry) {
	q.wg.Add(1)

	var completed atomic.Bool
	done := func(r Result) {
		if !completed.CompareAndSwap(false, true) {
			_ = q.violation(fmt.Errorf("%w: %s completed twice", ErrQueueInvariant, e.job))
			return
		}
		q.complete(e, r)
	}

	q.logger.Debug().
		Str("scope", string(q.scope)).
		Stringer("job", e.job.ID).
		Str("kind", e.job.Kind.String()).
		Log("serviceworker: job started")

	go func() {
		defer func() {
			if r := recover(); r != nil {
				if !completed.Load() {
					done(Result{Err: fmt.Errorf("executor panicked: %v", r)})
				}
			}
		}()
		q.executor.Execute(q.ctx, e.job, done)
	}()
}

func (q *JobQueue) complete(e *entry, r Result) {
	q.mu.Lock()
	e.state = EntrySettled
	if len(q.entries) != 0 && q.entries[0] == e {
		q.entries[0] = nil
		q.entries = q.entries[1:]
	}
	promises := e.promises
	e.promises = nil
	next := q.nextLocked()
	q.mu.Unlock()

	if r.Err != nil {
		r.Err = q.failure(e.job, r.Err)
		q.logger.Warning().
			Str("scope", string(q.scope)).
			Stringer("job", e.job.ID).
			Err(r.Err).
			Log("serviceworker: job failed")
	}
	for _, p := range promises {
		p.settle(r)
	}
	q.wg.Done()

	if next != nil {
		q.start(next)
	}
}

func (q *JobQueue) failure(job *Job, err error) error {
	if _, ok := err.(*JobFailureError); ok {
		return err
	}
	return &JobFailureError{Kind: job.Kind, Scope: q.scope, Cause: err}
}

// Abandon drops the pending promises of clients in pipeline. Entries left
// with no promises are removed unless already running. It returns the
// number of promises abandoned.
func (q *JobQueue) Abandon(pipeline task.PipelineID) int {
	var abandoned []*Promise

	q.mu.Lock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		promises := e.promises[:0]
		for _, p := range e.promises {
			if p.client.Pipeline() == pipeline && !p.client.Source.Global().IsZero() {
				abandoned = append(abandoned, p)
			} else {
				promises = append(promises, p)
			}
		}
		clear(e.promises[len(promises):])
		e.promises = promises
		if len(promises) == 0 && e.state == EntryPending {
			continue
		}
		kept = append(kept, e)
	}
	clear(q.entries[len(kept):])
	q.entries = kept
	q.mu.Unlock()

	for _, p := range abandoned {
		p.abandon()
	}
	return len(abandoned)
}

// Len returns the number of unsettled entries.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// States returns the state of every unsettled entry, oldest first.
func (q *JobQueue) States() []EntryState {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]EntryState, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.state
	}
	return out
}

// close rejects every entry that has not started. A running entry still
// completes normally.
func (q *JobQueue) close() {
	var rejected []*entry

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.state == EntryPending {
			e.state = EntrySettled
			rejected = append(rejected, e)
			continue
		}
		kept = append(kept, e)
	}
	clear(q.entries[len(kept):])
	q.entries = kept
	q.mu.Unlock()

	for _, e := range rejected {
		err := q.failure(e.job, ErrClosed)
		for _, p := range e.promises {
			p.settle(Result{Err: err})
		}
	}
}

func (q *JobQueue) violation(err error) error {
	if q.strict {
		panic(err)
	}
	q.logger.Err().
		Str("scope", string(q.scope)).
		Err(err).
		Log("serviceworker: contract violation")
	return err
}
