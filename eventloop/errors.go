package eventloop

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-scriptthread/task"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrReentrantRun is returned when Run() is called from within the loop itself.
	ErrReentrantRun = errors.New("eventloop: cannot call Run() from within the loop")

	// ErrNotLoopThread is returned by operations restricted to the loop goroutine.
	ErrNotLoopThread = errors.New("eventloop: not on the loop goroutine")
)

// TaskPanicError describes a panic recovered from a task or microtask body.
// It is logged, never returned from Run: the loop continues with the next
// task.
type TaskPanicError struct {
	// Value is the recovered panic value.
	Value any
	// Source is the category of the panicking task, zero for microtasks.
	Source   task.SourceName
	Pipeline task.PipelineID
}

// Error implements the error interface.
func (e *TaskPanicError) Error() string {
	if e.Source == 0 {
		return fmt.Sprintf("eventloop: %s: microtask panicked: %v", e.Pipeline, e.Value)
	}
	return fmt.Sprintf("eventloop: %s: %s task panicked: %v", e.Pipeline, e.Source, e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] for error matching
// through the cause chain.
func (e *TaskPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func pipelineGone(id task.PipelineID) error {
	return fmt.Errorf("eventloop: %s: %w", id, task.ErrPipelineGone)
}
