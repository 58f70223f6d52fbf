// Package scriptthread is a per-pipeline event loop and task scheduling
// runtime for web content.
//
// A [Registry] owns the live pipelines. Each [Pipeline] is one document's
// execution context: a single-threaded [eventloop.Loop] fed by typed task
// sources, with a goja script global, a timer scheduler, a load blocker and
// a network listener all queueing work onto it. Service-worker lifecycle
// jobs run through a shared [serviceworker.Manager], which settles each
// job's promise back on the submitting pipeline's loop.
//
//	reg := scriptthread.NewRegistry(
//	    scriptthread.WithLogger(logger),
//	    scriptthread.WithFetcher(httpfetch.New()),
//	)
//	p, err := reg.CreatePipeline(1, scriptthread.PipelineConfig{URL: "https://example.test/"})
//	if err != nil {
//	    return err
//	}
//	_ = p.Evaluate("main.js", `setTimeout(() => console.log("hi"), 10)`, nil)
//	...
//	reg.DestroyPipeline(1)
//
// Destroying a pipeline is idempotent: its queues are dropped, its timers
// cancelled, and every task.Source that targeted it fails with
// task.ErrPipelineGone from then on.
package scriptthread
