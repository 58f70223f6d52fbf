package serviceworker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/joeycumines/go-scriptthread/eventloop"
	"github.com/joeycumines/go-scriptthread/task"
)

// WorkerState is the lifecycle state of a worker version.
type WorkerState uint32

const (
	WorkerParsed WorkerState = iota
	WorkerInstalling
	WorkerInstalled
	WorkerActivating
	WorkerActivated
	WorkerRedundant
)

func (s WorkerState) String() string {
	switch s {
	case WorkerParsed:
		return "parsed"
	case WorkerInstalling:
		return "installing"
	case WorkerInstalled:
		return "installed"
	case WorkerActivating:
		return "activating"
	case WorkerActivated:
		return "activated"
	case WorkerRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// ErrWorkerNotRunning is returned when delivering to a worker whose event
// loop is not running.
var ErrWorkerNotRunning = errors.New("serviceworker: worker not running")

// workerPipelineBase keeps worker pipeline IDs clear of document pipelines.
const workerPipelineBase = 1 << 48

var workerPipelineSeq atomic.Uint64

func nextWorkerPipeline() task.PipelineID {
	return task.PipelineID(workerPipelineBase + workerPipelineSeq.Add(1))
}

// Worker is one version of a registration's script. While running it has
// its own event loop and ServiceWorker global.
type Worker struct {
	loop      *eventloop.Loop
	onMessage func(data any)
	Script    []byte
	ScriptURL string
	Scope     ScopeKey
	mu        sync.Mutex
	state     atomic.Uint32
	ID        uuid.UUID
}

func newWorker(scope ScopeKey, scriptURL string, script []byte) *Worker {
	return &Worker{
		ID:        uuid.New(),
		Scope:     scope,
		ScriptURL: scriptURL,
		Script:    script,
	}
}

// State returns the lifecycle state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *Worker) setState(s WorkerState) {
	w.state.Store(uint32(s))
}

// Loop returns the worker's event loop, nil if never started.
func (w *Worker) Loop() *eventloop.Loop {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loop
}

// Running reports whether the worker's event loop is live.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loop != nil && !w.loop.IsTornDown()
}

// Global returns the worker's global, zero if not running.
func (w *Worker) Global() task.GlobalRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loop == nil {
		return task.GlobalRef{}
	}
	return task.GlobalRef{Kind: task.ServiceWorkerGlobal, Pipeline: w.loop.Pipeline()}
}

// Source returns a task source on the worker's global. Tasks queued on it
// fail with task.ErrPipelineGone once the worker is terminated.
func (w *Worker) Source(name task.SourceName) task.Source {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loop == nil {
		return task.Source{}
	}
	return w.loop.Source(name, task.GlobalRef{Kind: task.ServiceWorkerGlobal, Pipeline: w.loop.Pipeline()})
}

// SetMessageHandler installs the receiver for PostMessage. It runs on the
// worker's loop.
func (w *Worker) SetMessageHandler(fn func(data any)) {
	w.mu.Lock()
	w.onMessage = fn
	w.mu.Unlock()
}

// start runs a fresh event loop for the worker, reporting whether one was
// started.
func (w *Worker) start(ctx context.Context, opts []eventloop.LoopOption, onExit func(error)) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loop != nil && !w.loop.IsTornDown() {
		return false, nil
	}
	loop, err := eventloop.New(nextWorkerPipeline(), opts...)
	if err != nil {
		return false, err
	}
	w.loop = loop
	w.onMessage = nil
	go func() {
		onExit(loop.Run(ctx))
	}()
	return true, nil
}

// terminate tears down the worker's event loop, if running.
func (w *Worker) terminate() {
	w.mu.Lock()
	loop := w.loop
	w.mu.Unlock()
	if loop != nil {
		loop.Teardown()
	}
}

// deliver queues data for the message handler on the worker's loop.
func (w *Worker) deliver(data any) error {
	src := w.Source(task.PortMessage)
	if src.IsTornDown() {
		return ErrWorkerNotRunning
	}
	return src.QueueFunc(func() {
		w.mu.Lock()
		fn := w.onMessage
		w.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	})
}
