// Package eventloop implements the per-pipeline event loop of a web content
// runtime: the single logical thread that interleaves script tasks, timer
// callbacks, network progress, user input and service-worker events.
//
// # Architecture
//
// Each [Loop] owns one FIFO queue per [task.SourceName]. Producers on any
// goroutine submit work through [task.Source] handles obtained from
// [Loop.Source]. The goroutine calling [Loop.Run] repeatedly:
//
//  1. selects a non-empty source, using the loop's [Policy]
//  2. dequeues that source's oldest task, discarding it if its
//     [task.Canceller] has fired
//  3. runs the task with the pipeline's [Global] entered
//  4. performs a microtask checkpoint, draining the microtask queue to
//     exhaustion
//
// When every source is empty, the loop blocks until a task is submitted.
//
// # Priority
//
// A [Policy] groups sources into tiers. [DefaultPolicy] polls
// user-interaction and history-traversal work first, idle work last, and
// visits every other source round-robin. Policies are configurable, see
// [NewPolicy] and [WithPolicy].
//
// # Teardown
//
// [Loop.Teardown] is idempotent. It discards queued tasks and microtasks,
// runs hooks registered with [Loop.OnTeardown], and causes every later
// submission to fail with an error wrapping [task.ErrPipelineGone].
//
// # Error Handling
//
// A task that panics is isolated: the panic is recovered, reported as a
// [TaskPanicError] to the configured logger (rate limited per source), and
// the loop continues.
//
// # Usage
//
//	loop, err := eventloop.New(pipelineID,
//	    eventloop.WithLogger(logger),
//	    eventloop.WithMetrics(true),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	timers := loop.Source(task.Timer, task.GlobalRef{Kind: task.Window, Pipeline: pipelineID})
//	_ = timers.QueueFunc(func() {
//	    fmt.Println("hello from the loop")
//	    loop.Teardown()
//	})
//
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package eventloop
