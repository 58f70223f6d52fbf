package serviceworker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	bigbuff "github.com/joeycumines/go-bigbuff"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/singleflight"

	"github.com/joeycumines/go-scriptthread/eventloop"
	"github.com/joeycumines/go-scriptthread/task"
)

// Option configures a [Manager].
type Option func(*Manager)

// WithExecutor replaces the default [ScriptExecutor].
func WithExecutor(executor Executor) Option {
	return func(m *Manager) {
		m.executor = executor
	}
}

// WithScriptFetcher sets the source of worker scripts.
func WithScriptFetcher(fetcher ScriptFetcher) Option {
	return func(m *Manager) {
		m.fetcher = fetcher
	}
}

// WithEvaluator sets the collaborator that evaluates worker scripts.
// Without one, workers start with an empty global.
func WithEvaluator(evaluator Evaluator) Option {
	return func(m *Manager) {
		m.evaluator = evaluator
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithLoopOptions sets the options used for every worker event loop.
func WithLoopOptions(opts ...eventloop.LoopOption) Option {
	return func(m *Manager) {
		m.loopOpts = opts
	}
}

// WithSoftUpdateRates bounds [Manager.SoftUpdate] per scope, in go-catrate
// format. Nil disables soft updates.
func WithSoftUpdateRates(rates map[time.Duration]int) Option {
	return func(m *Manager) {
		m.softUpdateRates = rates
	}
}

// WithStrictAssertions makes job queue contract violations panic.
func WithStrictAssertions(strict bool) Option {
	return func(m *Manager) {
		m.strict = strict
	}
}

// DefaultSoftUpdateRates allows one soft update per scope per minute, and
// at most ten per hour.
func DefaultSoftUpdateRates() map[time.Duration]int {
	return map[time.Duration]int{
		time.Minute: 1,
		time.Hour:   10,
	}
}

// Manager owns the job queue of every scope, the registrations, and the
// running worker instances.
type Manager struct {
	ctx             context.Context
	executor        Executor
	fetcher         ScriptFetcher
	evaluator       Evaluator
	logger          *logiface.Logger[logiface.Event]
	softUpdate      *catrate.Limiter
	softUpdateRates map[time.Duration]int
	queues          map[ScopeKey]*JobQueue
	registrations   map[ScopeKey]*Registration
	cancel          context.CancelFunc
	loopOpts        []eventloop.LoopOption
	fetches         singleflight.Group
	jobs            sync.WaitGroup
	workers         sync.WaitGroup
	mu              sync.Mutex
	strict          bool
	closed          bool
}

// New constructs a Manager. The rates passed to WithSoftUpdateRates must
// be valid go-catrate rates.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		queues:          make(map[ScopeKey]*JobQueue),
		registrations:   make(map[ScopeKey]*Registration),
		softUpdateRates: DefaultSoftUpdateRates(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.executor == nil {
		m.executor = &ScriptExecutor{m: m}
	}
	if len(m.softUpdateRates) != 0 {
		limiter, err := newLimiter(m.softUpdateRates)
		if err != nil {
			return nil, err
		}
		m.softUpdate = limiter
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

func newLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serviceworker: invalid soft update rates: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// queue returns the job queue for scope, creating it on first use.
func (m *Manager) queue(scope ScopeKey) (*JobQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	q, ok := m.queues[scope]
	if !ok {
		q = newJobQueue(m.ctx, scope, m.executor, m.logger, m.strict, &m.jobs)
		m.queues[scope] = q
	}
	return q, nil
}

// Queue returns the existing job queue for scope.
func (m *Manager) Queue(scope ScopeKey) (*JobQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[scope]
	return q, ok
}

// SubmitJob queues a job on the scope's queue. The returned promise settles
// on the client's ServiceWorker task source.
func (m *Manager) SubmitJob(scope ScopeKey, kind JobKind, scriptURL string, client Client) (*Promise, error) {
	switch kind {
	case Register:
		if scriptURL == "" {
			return nil, fmt.Errorf("serviceworker: register %s: missing script URL", scope)
		}
	case Update, Unregister:
	default:
		return nil, fmt.Errorf("serviceworker: invalid job kind %s", kind)
	}
	q, err := m.queue(scope)
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:        uuid.New(),
		Kind:      kind,
		Scope:     scope,
		ScriptURL: scriptURL,
		Client:    client,
	}
	m.logger.Debug().
		Str("scope", string(scope)).
		Stringer("job", job.ID).
		Str("kind", kind.String()).
		Stringer("client", client.ID).
		Log("serviceworker: job submitted")
	return q.Submit(job)
}

// Registration returns a snapshot of the registration for scope.
func (m *Manager) Registration(scope ScopeKey) (Registration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registrations[scope]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// MatchScope returns the registration with the longest scope containing
// clientURL.
func (m *Manager) MatchScope(clientURL string) (Registration, bool) {
	key, err := ParseScope(clientURL)
	if err != nil {
		return Registration{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Registration
	for scope, reg := range m.registrations {
		if strings.HasPrefix(string(key), string(scope)) && (best == nil || len(scope) > len(best.Scope)) {
			best = reg
		}
	}
	if best == nil {
		return Registration{}, false
	}
	return *best, true
}

// StartWorker starts the active worker of scope, if not already running.
func (m *Manager) StartWorker(ctx context.Context, scope ScopeKey) (*Worker, error) {
	w, err := m.activeWorker(scope)
	if err != nil {
		return nil, err
	}
	if err := m.startWorker(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// TerminateWorker stops the active worker of scope. The registration is
// kept, and the worker restarts on demand.
func (m *Manager) TerminateWorker(scope ScopeKey) error {
	w, err := m.activeWorker(scope)
	if err != nil {
		return err
	}
	w.terminate()
	return nil
}

// PostMessage delivers data to the active worker of scope, starting it if
// needed. data must not contain script values.
func (m *Manager) PostMessage(ctx context.Context, scope ScopeKey, data any) error {
	w, err := m.StartWorker(ctx, scope)
	if err != nil {
		return err
	}
	return w.deliver(data)
}

func (m *Manager) activeWorker(scope ScopeKey) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	reg, ok := m.registrations[scope]
	if !ok || reg.Active == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRegistration, scope)
	}
	return reg.Active, nil
}

// startWorker runs w's event loop and evaluates its script, unless it is
// already running.
func (m *Manager) startWorker(ctx context.Context, w *Worker) error {
	opts := append([]eventloop.LoopOption{eventloop.WithLogger(m.logger)}, m.loopOpts...)
	m.workers.Add(1)
	started, err := w.start(m.ctx, opts, func(err error) {
		defer m.workers.Done()
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warning().
				Str("scope", string(w.Scope)).
				Stringer("worker", w.ID).
				Err(err).
				Log("serviceworker: worker loop exited")
		}
	})
	if !started {
		m.workers.Done()
	}
	if err != nil || !started {
		return err
	}
	m.logger.Debug().
		Str("scope", string(w.Scope)).
		Stringer("worker", w.ID).
		Stringer("pipeline", w.Global().Pipeline).
		Log("serviceworker: worker started")
	if m.evaluator == nil {
		return nil
	}
	if err := m.evaluator.Evaluate(ctx, w); err != nil {
		w.terminate()
		return err
	}
	return nil
}

func (m *Manager) fetchScript(ctx context.Context, scriptURL string) ([]byte, error) {
	if m.fetcher == nil {
		return nil, ErrNoFetcher
	}
	ch := m.fetches.DoChan(scriptURL, func() (any, error) {
		return m.fetcher.FetchScript(m.ctx, scriptURL)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// AbandonClient drops every unsettled promise of clients in pipeline,
// across all scopes. Running jobs still complete.
func (m *Manager) AbandonClient(pipeline task.PipelineID) int {
	m.mu.Lock()
	queues := make([]*JobQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	var n int
	for _, q := range queues {
		n += q.Abandon(pipeline)
	}
	if n != 0 {
		m.logger.Debug().
			Stringer("pipeline", pipeline).
			Int("promises", n).
			Log("serviceworker: abandoned client promises")
	}
	return n
}

// WatchLifecycle abandons client promises whenever a destroyed pipeline ID
// is published to n under key. Published values must be task.PipelineID.
func (m *Manager) WatchLifecycle(ctx context.Context, n *bigbuff.Notifier, key any) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan task.PipelineID)
	unsubscribe := n.SubscribeCancel(ctx, key, ch)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-ch:
				m.AbandonClient(id)
			}
		}
	}()
	return func() {
		cancel()
		unsubscribe()
	}
}

// SoftUpdate queues an internally initiated update of scope, unless the
// scope has no registration or its update budget is exhausted.
func (m *Manager) SoftUpdate(scope ScopeKey) bool {
	if m.softUpdate == nil {
		return false
	}
	if _, ok := m.Registration(scope); !ok {
		return false
	}
	if next, ok := m.softUpdate.Allow(scope); !ok {
		m.logger.Trace().
			Str("scope", string(scope)).
			Time("next", next).
			Log("serviceworker: soft update throttled")
		return false
	}
	_, err := m.SubmitJob(scope, Update, "", Client{})
	return err == nil
}

// Close rejects jobs that have not started, waits for running jobs, then
// terminates every worker. Registrations are discarded.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	queues := make([]*JobQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	m.cancel()

	if err := waitContext(ctx, &m.jobs); err != nil {
		return err
	}

	m.mu.Lock()
	var workers []*Worker
	for _, reg := range m.registrations {
		workers = append(workers, reg.Installing, reg.Active)
	}
	clear(m.registrations)
	m.mu.Unlock()
	for _, w := range workers {
		if w != nil {
			w.terminate()
		}
	}
	return waitContext(ctx, &m.workers)
}

func waitContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
