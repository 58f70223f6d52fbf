package scriptthread

import (
	"context"
	"maps"
	"slices"
	"sync"

	bigbuff "github.com/joeycumines/go-bigbuff"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-scriptthread/eventloop"
	"github.com/joeycumines/go-scriptthread/serviceworker"
	"github.com/joeycumines/go-scriptthread/task"
	"github.com/joeycumines/go-scriptthread/timers"
)

// LifecycleEvent keys the pipeline notifications published by a Registry.
// The published value is always the task.PipelineID concerned.
type LifecycleEvent uint8

const (
	PipelineCreated LifecycleEvent = iota + 1
	PipelineDestroyed
)

func (e LifecycleEvent) String() string {
	switch e {
	case PipelineCreated:
		return "created"
	case PipelineDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Option configures a [Registry].
type Option func(*Registry)

// WithLogger sets the logger shared by every pipeline.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithLoopOptions sets options applied to every pipeline's event loop.
func WithLoopOptions(opts ...eventloop.LoopOption) Option {
	return func(r *Registry) { r.loopOpts = opts }
}

// WithTimerPolicy sets the default timer clamping policy.
func WithTimerPolicy(p timers.Policy) Option {
	return func(r *Registry) { r.timerPolicy = &p }
}

// WithFetcher sets the network collaborator used by Pipeline.Fetch.
func WithFetcher(f Fetcher) Option {
	return func(r *Registry) { r.fetcher = f }
}

// WithMaxInFlight sets the default network back-pressure window.
func WithMaxInFlight(n int) Option {
	return func(r *Registry) { r.maxInFlight = n }
}

// WithServiceWorkers exposes m to every pipeline with a URL, and abandons a
// pipeline's pending job promises when it is destroyed.
func WithServiceWorkers(m *serviceworker.Manager) Option {
	return func(r *Registry) { r.serviceWorkers = m }
}

// Registry creates and destroys pipelines. It is the only holder of
// *Pipeline values keyed by ID.
type Registry struct {
	ctx            context.Context
	cancel         context.CancelFunc
	logger         *logiface.Logger[logiface.Event]
	fetcher        Fetcher
	serviceWorkers *serviceworker.Manager
	timerPolicy    *timers.Policy
	pipelines      map[task.PipelineID]*Pipeline
	unwatch        context.CancelFunc
	notifier       bigbuff.Notifier
	loopOpts       []eventloop.LoopOption
	maxInFlight    int
	mu             sync.Mutex
	closed         bool
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		pipelines: make(map[task.PipelineID]*Pipeline),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	if r.serviceWorkers != nil {
		r.unwatch = r.serviceWorkers.WatchLifecycle(r.ctx, &r.notifier, PipelineDestroyed)
	}
	return r
}

// Subscribe delivers the ID of every pipeline reaching event to target, a
// channel of task.PipelineID. Sends block, so receive promptly. The
// returned func must be called unless ctx is cancelled.
func (r *Registry) Subscribe(ctx context.Context, event LifecycleEvent, target chan<- task.PipelineID) context.CancelFunc {
	return r.notifier.SubscribeCancel(ctx, event, target)
}

func (r *Registry) publish(event LifecycleEvent, id task.PipelineID) {
	r.notifier.PublishContext(r.ctx, event, id)
}

// CreatePipeline creates and starts the pipeline id.
func (r *Registry) CreatePipeline(id task.PipelineID, cfg PipelineConfig) (*Pipeline, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if _, ok := r.pipelines[id]; ok {
		r.mu.Unlock()
		return nil, ErrPipelineExists
	}
	p, err := newPipeline(r.ctx, id, cfg, r)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.pipelines[id] = p
	r.mu.Unlock()

	r.logger.Info().
		Stringer("pipeline", id).
		Str("url", cfg.URL).
		Log("pipeline created")
	r.publish(PipelineCreated, id)
	return p, nil
}

// Pipeline returns the live pipeline id.
func (r *Registry) Pipeline(id task.PipelineID) (*Pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[id]
	return p, ok
}

// IDs returns the IDs of the live pipelines, in ascending order.
func (r *Registry) IDs() []task.PipelineID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.pipelines))
}

// DestroyPipeline tears down pipeline id: queued tasks are dropped, timers
// cancelled, later submissions fail with task.ErrPipelineGone, and the
// pipeline's pending service-worker promises are abandoned. It reports
// whether a live pipeline was destroyed; destroying an unknown or already
// destroyed ID is a no-op. It does not wait for a running task to finish.
func (r *Registry) DestroyPipeline(id task.PipelineID) bool {
	r.mu.Lock()
	p, ok := r.pipelines[id]
	delete(r.pipelines, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	p.destroy()
	r.logger.Info().
		Stringer("pipeline", id).
		Log("pipeline destroyed")
	r.publish(PipelineDestroyed, id)
	return true
}

// Close destroys every pipeline concurrently and waits for their loops to
// stop. Later creations fail with ErrRegistryClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pipelines := slices.Collect(maps.Values(r.pipelines))
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pipelines {
		g.Go(func() error {
			r.DestroyPipeline(p.id)
			if err := p.Wait(gctx); err != nil && gctx.Err() != nil {
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	if r.unwatch != nil {
		r.unwatch()
	}
	r.cancel()
	return err
}
