package task

import "errors"

var (
	// ErrPipelineGone is returned when work is submitted to a pipeline whose
	// event loop has been torn down. The work is dropped.
	ErrPipelineGone = errors.New("task: pipeline gone")

	// ErrInvalidSource is returned when a task names an undeclared source.
	ErrInvalidSource = errors.New("task: invalid source name")

	// ErrNilRun is returned when a task has no body.
	ErrNilRun = errors.New("task: nil run func")
)
