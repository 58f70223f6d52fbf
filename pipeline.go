package scriptthread

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-scriptthread/eventloop"
	"github.com/joeycumines/go-scriptthread/loader"
	"github.com/joeycumines/go-scriptthread/netlistener"
	"github.com/joeycumines/go-scriptthread/script"
	"github.com/joeycumines/go-scriptthread/task"
	"github.com/joeycumines/go-scriptthread/timers"
)

// Fetcher is the network collaborator used by [Pipeline.Fetch].
// httpfetch.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) <-chan netlistener.Event
}

// PipelineConfig configures one pipeline.
type PipelineConfig struct {
	// OnLoad, if set, runs on the pipeline's loop each time the document's
	// blocking loads complete, after the script "load" event.
	OnLoad func()
	// TimerPolicy defaults to timers.DefaultPolicy.
	TimerPolicy *timers.Policy
	// URL is the document URL, used to resolve service-worker scopes.
	URL string
	// LoopOptions are appended to the Registry's loop options.
	LoopOptions []eventloop.LoopOption
	// MaxInFlight bounds queued chunk tasks per fetch, see netlistener.
	MaxInFlight int
}

// Pipeline is the execution context of one document: its event loop and
// everything that queues work onto it. It is created and destroyed through
// a [Registry]; other components receive task.Source handles, not the
// Pipeline.
type Pipeline struct {
	// ctx is cancelled at teardown, aborting in-flight fetches
	ctx      context.Context
	cancel   context.CancelFunc
	loop     *eventloop.Loop
	global   *script.Global
	document *loader.Document
	listener *netlistener.Listener
	ignore   *task.Canceller
	fetcher  Fetcher
	logger   *logiface.Logger[logiface.Event]
	onLoad   func()
	done     chan struct{}
	runErr   error
	url      string
	mu       sync.Mutex
	id       task.PipelineID
}

func newPipeline(ctx context.Context, id task.PipelineID, cfg PipelineConfig, r *Registry) (*Pipeline, error) {
	loop, err := eventloop.New(id, append(append([]eventloop.LoopOption{eventloop.WithLogger(r.logger)}, r.loopOpts...), cfg.LoopOptions...)...)
	if err != nil {
		return nil, err
	}
	ref := task.GlobalRef{Kind: task.Window, Pipeline: id}
	p := &Pipeline{
		id:      id,
		url:     cfg.URL,
		loop:    loop,
		ignore:  task.NewCanceller(),
		fetcher: r.fetcher,
		logger:  r.logger,
		onLoad:  cfg.OnLoad,
		done:    make(chan struct{}),
	}

	gopts := []script.Option{script.WithLogger(r.logger)}
	if cfg.TimerPolicy != nil {
		gopts = append(gopts, script.WithTimerPolicy(*cfg.TimerPolicy))
	} else if r.timerPolicy != nil {
		gopts = append(gopts, script.WithTimerPolicy(*r.timerPolicy))
	}
	if r.serviceWorkers != nil && cfg.URL != "" {
		gopts = append(gopts, script.WithServiceWorkers(r.serviceWorkers, cfg.URL))
	}
	if p.global, err = script.New(loop, ref, gopts...); err != nil {
		loop.Teardown()
		return nil, err
	}

	p.document = loader.New(p.Source(task.DOMManipulation), p.loaded, loader.WithLogger(r.logger))

	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = r.maxInFlight
	}
	p.listener = netlistener.New(p.Source(task.Networking),
		netlistener.WithLogger(r.logger),
		netlistener.WithCanceller(p.ignore),
		netlistener.WithMaxInFlight(maxInFlight),
	)

	p.ctx, p.cancel = context.WithCancel(ctx)
	loop.OnTeardown(p.ignore.Cancel)
	loop.OnTeardown(p.cancel)

	go func() {
		defer close(p.done)
		err := loop.Run(ctx)
		p.mu.Lock()
		p.runErr = err
		p.mu.Unlock()
	}()
	return p, nil
}

func (p *Pipeline) loaded() {
	if err := p.global.DispatchEvent("load", nil); err != nil {
		p.logger.Warning().Stringer("pipeline", p.id).Err(err).Log("load event not dispatched")
	}
	if p.onLoad != nil {
		p.onLoad()
	}
}

// ID returns the pipeline's identifier.
func (p *Pipeline) ID() task.PipelineID { return p.id }

// URL returns the document URL.
func (p *Pipeline) URL() string { return p.url }

// Loop returns the pipeline's event loop.
func (p *Pipeline) Loop() *eventloop.Loop { return p.loop }

// Global returns the document's script global.
func (p *Pipeline) Global() *script.Global { return p.global }

// Document returns the document's load blocker.
func (p *Pipeline) Document() *loader.Document { return p.document }

// Timers returns the scheduler behind the document's script timers.
func (p *Pipeline) Timers() *timers.Scheduler { return p.global.Timers() }

// Listener returns the network listener feeding the Networking source.
func (p *Pipeline) Listener() *netlistener.Listener { return p.listener }

// Source returns a task source targeting the document's global.
func (p *Pipeline) Source(name task.SourceName) task.Source {
	return p.loop.Source(name, task.GlobalRef{Kind: task.Window, Pipeline: p.id})
}

// IgnoreEvents makes every queued and future network task of the
// document a no-op, as on navigation away from it.
func (p *Pipeline) IgnoreEvents() {
	p.ignore.Cancel()
	p.document.InhibitEvents()
}

// Evaluate queues src as the document's script. The document's load event
// waits for it, and for every fetch it starts, to finish. done, if set,
// receives the evaluation error on the loop.
func (p *Pipeline) Evaluate(filename, src string, done func(error)) error {
	id := p.document.AddBlockingLoad(loader.Load{URL: filename, Type: loader.Script})
	err := p.global.QueueScript(task.DOMManipulation, filename, src, func(err error) {
		if done != nil {
			done(err)
		}
		if err != nil {
			p.logger.Err().Stringer("pipeline", p.id).Str("script", filename).Err(err).Log("script failed")
		}
		_ = p.document.RemoveBlockingLoad(id)
	})
	if err != nil {
		_ = p.document.RemoveBlockingLoad(id)
		return err
	}
	return nil
}

// Fetch starts req through the configured Fetcher, delivering its events to
// handler as Networking tasks. The load blocks the document until it
// finishes, fails or is cancelled. The fetch itself is aborted once the
// listener stops reading it, whether by ctx, [netlistener.Handle.Cancel] or
// pipeline teardown.
func (p *Pipeline) Fetch(ctx context.Context, req *http.Request, handler netlistener.Handler, typ loader.LoadType) (*netlistener.Handle, error) {
	if p.fetcher == nil {
		return nil, ErrNoFetcher
	}
	if p.loop.IsTornDown() {
		return nil, fmt.Errorf("scriptthread: %s: %w", p.id, task.ErrPipelineGone)
	}
	url := req.URL.String()
	id := p.document.AddBlockingLoad(loader.Load{URL: url, Type: typ})
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	events := p.fetcher.Fetch(ctx, req)
	return p.listener.Listen(ctx, netlistener.Request{
		URL: url,
		Unblock: func() {
			_ = p.document.RemoveBlockingLoad(id)
		},
		OnStop: func() {
			stop()
			cancel()
		},
	}, events, handler), nil
}

// Done is closed once the pipeline's loop has stopped.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the loop stops, returning its Run error.
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.runErr
	}
}

func (p *Pipeline) destroy() {
	p.loop.Teardown()
}
