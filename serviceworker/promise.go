package serviceworker

import (
	"sync"
)

// PromiseState is the state of a job promise.
type PromiseState uint8

const (
	Pending PromiseState = iota
	Fulfilled
	Rejected
	// Abandoned promises will never be delivered, because their client's
	// pipeline went away.
	Abandoned
)

func (s PromiseState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Result is the outcome of a job.
type Result struct {
	// Err is non-nil, a *JobFailureError, if the job failed.
	Err error
	// Registration is the affected registration, if any.
	Registration Registration
	// Unregistered is set by successful Unregister jobs that found a
	// registration.
	Unregistered bool
}

// Promise is the handle returned for a submitted job. Callbacks added with
// Then run as ServiceWorker tasks on the client's event loop; Go code may
// instead wait on Done.
type Promise struct {
	client    Client
	done      chan struct{}
	mu        sync.Mutex
	callbacks []func(Result)
	result    Result
	state     PromiseState
	// undelivered is set when the settled result could not be queued to the
	// client
	undelivered bool
}

func newPromise(client Client) *Promise {
	return &Promise{client: client, done: make(chan struct{})}
}

// Client returns the client the promise settles towards.
func (p *Promise) Client() Client {
	return p.client
}

// Then registers fn to run on the client's event loop once the promise
// settles. If it has already settled, fn is queued immediately. Callbacks
// for an abandoned promise never run.
func (p *Promise) Then(fn func(Result)) {
	p.mu.Lock()
	switch p.state {
	case Pending:
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
	case Abandoned:
		p.mu.Unlock()
	default:
		r := p.result
		p.mu.Unlock()
		if !p.deliver([]func(Result){fn}, r) {
			p.mu.Lock()
			p.undelivered = true
			p.mu.Unlock()
		}
	}
}

// Done is closed once the promise has settled or been abandoned.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// State returns the current state.
func (p *Promise) State() PromiseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Result returns the outcome, and whether the promise has settled. An
// abandoned promise reports ErrAbandoned.
func (p *Promise) Result() (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case Pending:
		return Result{}, false
	case Abandoned:
		return Result{Err: ErrAbandoned}, true
	default:
		return p.result, true
	}
}

// settle resolves or rejects the promise. It is a no-op unless pending.
func (p *Promise) settle(r Result) {
	p.mu.Lock()
	if p.state != Pending {
		p.mu.Unlock()
		return
	}
	if r.Err != nil {
		p.state = Rejected
	} else {
		p.state = Fulfilled
	}
	p.result = r
	callbacks := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	if !p.deliver(callbacks, r) {
		p.mu.Lock()
		p.undelivered = true
		p.mu.Unlock()
	}
}

// Undelivered reports whether the promise settled but its callbacks could
// not be queued, because the client's pipeline was gone.
func (p *Promise) Undelivered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.undelivered
}

// abandon drops the promise without settling it. No-op unless pending.
func (p *Promise) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Pending {
		return
	}
	p.state = Abandoned
	p.callbacks = nil
	close(p.done)
}

// deliver queues callbacks on the client's source, reporting false if the
// client's pipeline is gone.
func (p *Promise) deliver(callbacks []func(Result), r Result) bool {
	if len(callbacks) == 0 {
		return true
	}
	err := p.client.Source.QueueFunc(func() {
		for _, fn := range callbacks {
			fn(r)
		}
	})
	return err == nil
}
