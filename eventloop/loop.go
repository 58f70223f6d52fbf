package eventloop

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-scriptthread/microtask"
	"github.com/joeycumines/go-scriptthread/task"
)

// Global is the script global a loop's tasks run against.
type Global interface {
	// Enter makes the global current for one task body, or one microtask
	// checkpoint. The returned func is called exactly once, when that work
	// returns, even if it panicked.
	Enter() (exit func())
}

// Loop is the event loop of a single pipeline. Exactly one task runs at a
// time, on the goroutine that called Run (or RunUntilIdle), and the
// microtask queue is drained to exhaustion after each task.
//
// A Loop implements [task.Sink]; producers should hold [task.Source]
// handles, obtained via [Loop.Source], rather than the Loop itself.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	state        *FastState
	logger       *logiface.Logger[logiface.Event]
	panicLimiter *catrate.Limiter
	metrics      *Metrics
	selector     *selector
	microtasks   *microtask.Queue
	ready        func(task.SourceName) bool

	// wake carries at most one pending wake-up for an idle loop
	wake chan struct{}
	// done is closed at teardown
	done chan struct{}
	// driving is held for the duration of Run or RunUntilIdle
	driving chan struct{}

	mu            sync.Mutex
	queues        [task.NumSources]sourceQueue
	global        Global
	teardownHooks []func()
	pending       int
	tornDown      bool

	teardownOnce    sync.Once
	loopGoroutineID atomic.Uint64
	pipeline        task.PipelineID
}

var _ task.Sink = (*Loop)(nil)

// New creates the event loop for a pipeline. The loop does nothing until
// Run or RunUntilIdle is called, but accepts tasks immediately.
func New(pipeline task.PipelineID, opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		state:    NewFastState(),
		logger:   cfg.logger,
		selector: newSelector(cfg.policy),
		global:   cfg.global,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		driving:  make(chan struct{}, 1),
		pipeline: pipeline,
	}
	l.ready = func(name task.SourceName) bool {
		return l.queues[name.Index()].len() != 0
	}
	l.microtasks = microtask.New(microtask.WithPanicHandler(func(v any) {
		l.reportPanic(0, v)
	}))

	if len(cfg.panicLogRates) != 0 {
		if l.panicLimiter, err = newLimiter(cfg.panicLogRates); err != nil {
			return nil, err
		}
	}

	if cfg.metricsEnabled {
		l.metrics = &Metrics{}
	}

	return l, nil
}

// newLimiter converts the panics catrate uses to report invalid rates.
func newLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventloop: invalid panic log rates: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// Pipeline returns the pipeline this loop belongs to.
func (l *Loop) Pipeline() task.PipelineID {
	return l.pipeline
}

// Logger returns the logger configured via WithLogger, possibly nil.
func (l *Loop) Logger() *logiface.Logger[logiface.Event] {
	return l.logger
}

// SetGlobal replaces the script global entered around tasks. It must not be
// called while a task is running.
func (l *Loop) SetGlobal(g Global) {
	l.mu.Lock()
	l.global = g
	l.mu.Unlock()
}

// Source returns a handle for queueing tasks of the given category against
// global.
func (l *Loop) Source(name task.SourceName, global task.GlobalRef) task.Source {
	return task.NewSource(name, global, l)
}

// Microtasks exposes the loop's microtask queue.
func (l *Loop) Microtasks() *microtask.Queue {
	return l.microtasks
}

// QueueMicrotask appends fn to the microtask queue. It may be called from
// any goroutine: an idle loop wakes and performs a checkpoint. It fails with
// an error wrapping task.ErrPipelineGone after teardown.
func (l *Loop) QueueMicrotask(fn func()) error {
	if err := l.microtasks.Enqueue(fn); err != nil {
		return pipelineGone(l.pipeline)
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// EnqueueTask implements [task.Sink]. It never blocks.
func (l *Loop) EnqueueTask(t task.Task) error {
	if t.Run == nil {
		return task.ErrNilRun
	}
	if !t.Source.Valid() {
		t.Discard()
		return fmt.Errorf("eventloop: %w: %s", task.ErrInvalidSource, t.Source)
	}

	l.mu.Lock()
	if l.tornDown {
		l.mu.Unlock()
		t.Discard()
		return pipelineGone(l.pipeline)
	}
	q := &l.queues[t.Source.Index()]
	q.push(t)
	l.pending++
	depth := q.len()
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.Queue.Update(t.Source, depth)
	}

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// IsTornDown implements [task.Sink].
func (l *Loop) IsTornDown() bool {
	return l.state.IsTerminal()
}

// Done returns a channel closed once teardown has begun.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Metrics returns the loop's metrics, or nil if not enabled.
func (l *Loop) Metrics() *Metrics {
	return l.metrics
}

// Len returns the number of queued tasks, across all sources.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// QueueLen returns the number of tasks queued on one source.
func (l *Loop) QueueLen(name task.SourceName) int {
	if !name.Valid() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queues[name.Index()].len()
}

// OnTeardown registers fn to be called once, during teardown. If the loop
// has already been torn down, fn is called immediately.
func (l *Loop) OnTeardown(fn func()) {
	l.mu.Lock()
	if l.tornDown {
		l.mu.Unlock()
		l.safeHook(fn)
		return
	}
	l.teardownHooks = append(l.teardownHooks, fn)
	l.mu.Unlock()
}

// Run drives the loop until it is torn down, or ctx is cancelled, which
// tears it down. It returns nil after an explicit teardown, and ctx.Err()
// otherwise.
func (l *Loop) Run(ctx context.Context) error {
	return l.drive(ctx, false)
}

// RunUntilIdle drives the loop until no task is queued, then returns. It
// may be called repeatedly, but not concurrently with Run. Unlike Run, a
// cancelled ctx does not tear the loop down.
func (l *Loop) RunUntilIdle(ctx context.Context) error {
	return l.drive(ctx, true)
}

func (l *Loop) drive(ctx context.Context, untilIdle bool) error {
	if l.IsLoopThread() {
		return ErrReentrantRun
	}
	if l.state.IsTerminal() {
		return pipelineGone(l.pipeline)
	}
	select {
	case l.driving <- struct{}{}:
	default:
		return ErrLoopAlreadyRunning
	}
	defer func() { <-l.driving }()

	l.state.TryTransition(StateAwake, StateIdle)

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	l.logger.Debug().
		Uint64("pipeline", uint64(l.pipeline)).
		Bool("until_idle", untilIdle).
		Log("event loop started")

	for {
		if err := ctx.Err(); err != nil {
			if !untilIdle {
				l.Teardown()
			}
			return err
		}

		if !l.state.TryTransition(StateIdle, StateSelecting) {
			// only teardown can move the loop out of Idle
			return nil
		}

		t, status := l.next()
		switch status {
		case nextTornDown:
			return nil

		case nextEmpty:
			if l.microtasks.Len() != 0 {
				// queued from outside a task, e.g. by another goroutine
				if l.state.TryTransition(StateSelecting, StateCheckpointing) {
					l.checkpoint()
				}
				if !l.state.TryTransition(StateCheckpointing, StateIdle) {
					return nil
				}
				continue
			}
			if !l.state.TryTransition(StateSelecting, StateIdle) {
				return nil
			}
			if untilIdle {
				return nil
			}
			select {
			case <-l.wake:
			case <-l.done:
			case <-ctx.Done():
			}
			continue
		}

		l.runTask(t)

		if !l.state.TryTransition(StateCheckpointing, StateIdle) {
			return nil
		}
	}
}

type nextStatus int

const (
	nextTask nextStatus = iota
	nextEmpty
	nextTornDown
)

// next dequeues the task chosen by the policy.
func (l *Loop) next() (task.Task, nextStatus) {
	l.mu.Lock()
	if l.tornDown {
		l.mu.Unlock()
		return task.Task{}, nextTornDown
	}
	name, ok := l.selector.next(l.ready)
	if !ok {
		l.mu.Unlock()
		return task.Task{}, nextEmpty
	}
	q := &l.queues[name.Index()]
	t, _ := q.pop()
	l.pending--
	depth := q.len()
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.Queue.Update(name, depth)
	}
	return t, nextTask
}

// runTask runs one dequeued task, then the microtask checkpoint. Cancelled
// tasks are discarded without a checkpoint.
func (l *Loop) runTask(t task.Task) {
	if !l.state.TryTransition(StateSelecting, StateRunning) {
		t.Discard()
		return
	}

	if t.Cancelled() {
		if l.metrics != nil {
			l.metrics.cancelled.Add(1)
		}
		l.logger.Trace().
			Uint64("pipeline", uint64(l.pipeline)).
			Stringer("source", t.Source).
			Log("skipping cancelled task")
		t.Discard()
		l.state.TryTransition(StateRunning, StateCheckpointing)
		return
	}

	l.mu.Lock()
	global := l.global
	l.mu.Unlock()

	var exit func()
	if global != nil {
		exit = global.Enter()
	}

	start := time.Now()
	l.safeExecute(t)
	if l.metrics != nil {
		l.metrics.Latency.Record(time.Since(start))
		l.metrics.executed.Add(1)
	}

	if l.state.TryTransition(StateRunning, StateCheckpointing) {
		l.microtasks.Checkpoint()
	}

	if exit != nil {
		exit()
	}
}

// checkpoint drains the microtask queue outside of any task, with the global
// entered.
func (l *Loop) checkpoint() {
	l.mu.Lock()
	global := l.global
	l.mu.Unlock()
	if global != nil {
		exit := global.Enter()
		defer exit()
	}
	l.microtasks.Checkpoint()
}

// safeExecute runs a task body, recovering and reporting any panic.
func (l *Loop) safeExecute(t task.Task) {
	defer func() {
		if r := recover(); r != nil {
			l.reportPanic(t.Source, r)
		}
	}()
	t.Run()
}

func (l *Loop) reportPanic(source task.SourceName, v any) {
	if l.metrics != nil {
		l.metrics.panicked.Add(1)
	}
	if l.panicLimiter != nil {
		if _, ok := l.panicLimiter.Allow(source); !ok {
			return
		}
	}
	l.logger.Err().
		Err(&TaskPanicError{Value: v, Source: source, Pipeline: l.pipeline}).
		Uint64("pipeline", uint64(l.pipeline)).
		Stringer("source", source).
		Log("task panicked")
}

// Teardown destroys the loop. Queued tasks are discarded (their OnDiscard
// hooks run), pending microtasks are dropped, teardown hooks run, and every
// later submission fails with task.ErrPipelineGone. A task running at the
// time of the call completes normally. Idempotent, and safe to call from any
// goroutine, including from within a task.
func (l *Loop) Teardown() {
	l.teardownOnce.Do(l.teardown)
}

func (l *Loop) teardown() {
	l.mu.Lock()
	l.tornDown = true
	l.state.Store(StateTornDown)
	var dropped []task.Task
	for i := range l.queues {
		dropped = append(dropped, l.queues[i].drain()...)
	}
	l.pending = 0
	hooks := l.teardownHooks
	l.teardownHooks = nil
	l.mu.Unlock()

	close(l.done)

	droppedMicrotasks := l.microtasks.Close()

	for i := range dropped {
		dropped[i].Discard()
	}
	if l.metrics != nil {
		l.metrics.discarded.Add(uint64(len(dropped)))
	}

	for _, fn := range hooks {
		l.safeHook(fn)
	}

	l.logger.Info().
		Uint64("pipeline", uint64(l.pipeline)).
		Int("dropped_tasks", len(dropped)).
		Int("dropped_microtasks", droppedMicrotasks).
		Log("event loop torn down")
}

func (l *Loop) safeHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().
				Uint64("pipeline", uint64(l.pipeline)).
				Any("panic", r).
				Log("teardown hook panicked")
		}
	}()
	fn()
}

// Shutdown tears the loop down, then waits for Run or RunUntilIdle to
// return. Called from within a task, it does not wait.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.Teardown()
	if l.IsLoopThread() {
		return nil
	}
	select {
	case l.driving <- struct{}{}:
		<-l.driving
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsLoopThread reports whether the caller is the goroutine currently
// driving the loop.
func (l *Loop) IsLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
