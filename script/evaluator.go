package script

import (
	"context"
	"fmt"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-scriptthread/serviceworker"
	"github.com/joeycumines/go-scriptthread/task"
	"github.com/joeycumines/go-scriptthread/timers"
)

// WorkerEvaluator implements [serviceworker.Evaluator]: it creates a
// service-worker Global on the worker's loop, runs the worker script there,
// and routes posted messages to the global's message handlers.
type WorkerEvaluator struct {
	Logger      *logiface.Logger[logiface.Event]
	TimerPolicy *timers.Policy
	// OnGlobal, if set, is called with each Global created.
	OnGlobal func(*Global)
}

var _ serviceworker.Evaluator = (*WorkerEvaluator)(nil)

func (e *WorkerEvaluator) Evaluate(ctx context.Context, w *serviceworker.Worker) error {
	loop := w.Loop()
	if loop == nil {
		return serviceworker.ErrWorkerNotRunning
	}
	opts := []Option{WithLogger(e.Logger)}
	if e.TimerPolicy != nil {
		opts = append(opts, WithTimerPolicy(*e.TimerPolicy))
	}
	g, err := New(loop, w.Global(), opts...)
	if err != nil {
		return err
	}
	if e.OnGlobal != nil {
		e.OnGlobal(g)
	}
	w.SetMessageHandler(g.DispatchMessage)

	result := make(chan error, 1)
	err = g.QueueScript(task.ServiceWorker, w.ScriptURL, string(w.Script), func(err error) {
		result <- err
	})
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-loop.Done():
		return fmt.Errorf("script: worker %s: %w", w.ID, task.ErrPipelineGone)
	case err := <-result:
		return err
	}
}
