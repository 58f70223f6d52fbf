// Package netlistener adapts the event stream of an in-flight fetch into
// Networking tasks on the initiating document's event loop.
package netlistener

import (
	"context"
	"errors"
	"sync"

	"github.com/joeycumines/logiface"
	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/go-scriptthread/task"
)

// DefaultMaxInFlight is the default bound on queued, not yet processed,
// chunk tasks per request.
const DefaultMaxInFlight = 8

// Request describes a fetch being listened to.
type Request struct {
	// Unblock, if set, is called exactly once when the fetch finishes, fails,
	// is cancelled, or its pipeline goes away. Use it to release the
	// document's blocking load.
	Unblock func()
	// OnStop, if set, is called once the listener stops reading the event
	// stream, for any reason. Use it to abort the underlying fetch.
	OnStop func()
	URL    string
}

// Listener converts fetch events into tasks on one task source. A Listener
// may serve any number of concurrent requests.
type Listener struct {
	logger      *logiface.Logger[logiface.Event]
	canceller   *task.Canceller
	source      task.Source
	maxInFlight int64
}

// Option configures a Listener.
type Option func(l *Listener)

// WithLogger sets the structured logger. Nil disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(l *Listener) { l.logger = logger }
}

// WithMaxInFlight bounds how many chunk tasks of one request may be queued
// before the listener stops reading its event stream. Values below one are
// ignored.
func WithMaxInFlight(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.maxInFlight = int64(n)
		}
	}
}

// WithCanceller sets the canceller used as the parent of every request's
// canceller, typically the global's "ignore further async events" flag.
func WithCanceller(c *task.Canceller) Option {
	return func(l *Listener) { l.canceller = c }
}

// New returns a Listener queueing onto src, conventionally the Networking
// source of the initiating document's global.
func New(src task.Source, opts ...Option) *Listener {
	l := &Listener{
		source:      src,
		maxInFlight: DefaultMaxInFlight,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.canceller == nil {
		l.canceller = task.NewCanceller()
	}
	return l
}

// Cancel stops delivery of every request's outstanding events, including
// those already queued. Requests still unblock.
func (l *Listener) Cancel() {
	l.canceller.Cancel()
}

// Handle controls one listened-to request.
type Handle struct {
	cancel    context.CancelFunc
	canceller *task.Canceller
	done      chan struct{}
}

// Cancel stops delivering events for the request. Idempotent.
func (h *Handle) Cancel() {
	h.canceller.Cancel()
	h.cancel()
}

// Done is closed once the listener has stopped reading the event stream.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Listen starts consuming events, queueing one task per event. It returns
// immediately. Cancelling ctx has the same effect as [Handle.Cancel].
func (l *Listener) Listen(ctx context.Context, req Request, events <-chan Event, handler Handler) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel:    cancel,
		canceller: l.canceller.Child(),
		done:      make(chan struct{}),
	}
	r := &request{
		listener:  l,
		handler:   handler,
		canceller: h.canceller,
		window:    semaphore.NewWeighted(l.maxInFlight),
		unblock:   sync.OnceFunc(func() {}),
		url:       req.URL,
	}
	if req.Unblock != nil {
		r.unblock = sync.OnceFunc(req.Unblock)
	}
	go func() {
		defer close(h.done)
		defer cancel()
		if req.OnStop != nil {
			defer req.OnStop()
		}
		r.consume(ctx, events)
	}()
	return h
}

type request struct {
	listener  *Listener
	handler   Handler
	canceller *task.Canceller
	window    *semaphore.Weighted
	unblock   func()
	url       string
}

func (r *request) consume(ctx context.Context, events <-chan Event) {
	logger := r.listener.logger
	for {
		var (
			ev Event
			ok bool
		)
		select {
		case <-ctx.Done():
			r.canceller.Cancel()
			r.unblock()
			return
		case ev, ok = <-events:
		}
		if !ok {
			ev = Event{Kind: Errored, Err: ErrStreamClosed}
		}

		if ev.Kind == Chunk {
			if err := r.window.Acquire(ctx, 1); err != nil {
				r.canceller.Cancel()
				r.unblock()
				return
			}
		}

		if err := r.queue(ev); err != nil {
			if !errors.Is(err, task.ErrPipelineGone) {
				logger.Err().Err(err).Str("url", r.url).Log("failed to queue network task")
			}
			r.canceller.Cancel()
			r.unblock()
			return
		}

		if ev.Kind.Terminal() {
			return
		}
	}
}

// queue submits the task for one event. The chunk window permit, and for
// terminal events the unblock, are released whether the task runs or is
// discarded.
func (r *request) queue(ev Event) error {
	settle := func() {
		if ev.Kind == Chunk {
			r.window.Release(1)
		}
		if ev.Kind.Terminal() {
			r.unblock()
		}
	}
	return r.listener.source.Queue(task.Task{
		Run: func() {
			defer settle()
			r.deliver(ev)
		},
		OnDiscard: settle,
		Canceller: r.canceller,
	})
}

func (r *request) deliver(ev Event) {
	switch ev.Kind {
	case MetadataReceived:
		var meta Metadata
		if ev.Metadata != nil {
			meta = *ev.Metadata
		}
		r.handler.ProcessResponse(meta)
	case Chunk:
		r.handler.ProcessChunk(ev.Data)
	case Done:
		r.handler.ProcessEOF(nil)
	case Errored:
		err := ev.Err
		if err == nil {
			err = ErrStreamClosed
		}
		r.handler.ProcessEOF(err)
	}
}
