package script

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-scriptthread/eventloop"
	"github.com/joeycumines/go-scriptthread/task"
	"github.com/joeycumines/go-scriptthread/timers"
)

type testEvent struct {
	logiface.UnimplementedEvent
	fields map[string]any
	msg    string
	level  logiface.Level
}

func (e *testEvent) Level() logiface.Level { return e.level }
func (e *testEvent) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = make(map[string]any)
	}
	e.fields[key] = val
}
func (e *testEvent) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

type logRecorder struct {
	mu     sync.Mutex
	events []*testEvent
}

func (r *logRecorder) Write(event *testEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *logRecorder) find(msg string) *testEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.msg == msg {
			return e
		}
	}
	return nil
}

func newTestLogger() (*logiface.Logger[logiface.Event], *logRecorder) {
	rec := &logRecorder{}
	return logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](logiface.EventFactoryFunc[*testEvent](func(level logiface.Level) *testEvent {
			return &testEvent{level: level}
		})),
		logiface.WithWriter[*testEvent](rec),
		logiface.WithLevel[*testEvent](logiface.LevelTrace),
	).Logger(), rec
}

// harness runs a Global on a live loop, collecting values passed to the
// script function report.
type harness struct {
	g       *Global
	loop    *eventloop.Loop
	reports chan any
	errs    chan error
	logs    *logRecorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger, rec := newTestLogger()
	loop, err := eventloop.New(1, eventloop.WithLogger(logger))
	require.NoError(t, err)
	h := &harness{
		loop:    loop,
		reports: make(chan any, 64),
		errs:    make(chan error, 64),
		logs:    rec,
	}
	opts = append([]Option{
		WithLogger(logger),
		WithErrorHandler(func(err error) { h.errs <- err }),
		WithTimerPolicy(timers.Policy{MinInterval: time.Millisecond, NestingThreshold: 5, NestedMinimum: time.Millisecond}),
	}, opts...)
	h.g, err = New(loop, task.GlobalRef{Kind: task.Window, Pipeline: 1}, opts...)
	require.NoError(t, err)
	installReport(h.g, h.reports)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func installReport(g *Global, ch chan<- any) {
	_ = g.Runtime().Set("report", func(call goja.FunctionCall) goja.Value {
		ch <- call.Argument(0).Export()
		return goja.Undefined()
	})
}

func (h *harness) run(t *testing.T, src string) {
	t.Helper()
	done := make(chan error, 1)
	require.NoError(t, h.g.QueueScript(task.DOMManipulation, "test.js", src, func(err error) { done <- err }))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("script did not run")
	}
}

func (h *harness) expect(t *testing.T, want ...any) {
	t.Helper()
	for i, w := range want {
		select {
		case got := <-h.reports:
			assert.Equal(t, w, got, "report %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("report %d: timed out waiting for %v", i, w)
		}
	}
}

func TestGlobal_MicrotasksDrainBeforeTimers(t *testing.T) {
	h := newHarness(t)
	h.run(t, `
		setTimeout(() => report("timer"), 0);
		queueMicrotask(() => {
			report("m1");
			queueMicrotask(() => report("m2"));
		});
		report("sync");
	`)
	h.expect(t, "sync", "m1", "m2", "timer")
}

func TestGlobal_PromiseReactionsShareMicrotaskQueue(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		src  string
		want []any
	}{
		{
			name: "fifo with queueMicrotask",
			src: `
				queueMicrotask(() => report("qm1"));
				Promise.resolve().then(() => report("p1"));
				queueMicrotask(() => report("qm2"));
			`,
			want: []any{"qm1", "p1", "qm2"},
		},
		{
			name: "chained",
			src: `
				Promise.resolve(1)
					.then(v => {
						report(v);
						queueMicrotask(() => report("qm"));
						return v + 1;
					})
					.then(v => report(v));
			`,
			want: []any{int64(1), "qm", int64(2)},
		},
		{
			name: "adopting a promise",
			src: `
				new Promise(r => r(Promise.resolve("inner"))).then(v => report(v));
				Promise.resolve()
					.then(() => report("a"))
					.then(() => report("b"))
					.then(() => report("c"));
			`,
			want: []any{"a", "b", "inner", "c"},
		},
		{
			name: "before timers",
			src: `
				setTimeout(() => report("timer"), 0);
				Promise.resolve().then(() => report("promise"));
			`,
			want: []any{"promise", "timer"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.run(t, tc.src)
			h.expect(t, tc.want...)
		})
	}
}

func TestGlobal_Promise(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		src  string
		want []any
	}{
		{
			name: "catch and finally",
			src: `
				Promise.reject(new Error("x"))
					.catch(e => report(e.message))
					.finally(() => report("finally"));
			`,
			want: []any{"x", "finally"},
		},
		{
			name: "finally keeps the outcome",
			src: `
				Promise.resolve("kept").finally(() => "ignored").then(v => report(v));
				Promise.reject("reason").finally(() => {}).catch(e => report(e));
			`,
			want: []any{"kept", "reason"},
		},
		{
			name: "executor throws",
			src:  `new Promise(() => { throw "bad"; }).then(null, e => report(e));`,
			want: []any{"bad"},
		},
		{
			name: "handler throws",
			src:  `Promise.resolve().then(() => { throw "thrown"; }).catch(e => report(e));`,
			want: []any{"thrown"},
		},
		{
			name: "settles once",
			src: `
				new Promise((resolve, reject) => {
					resolve("first");
					resolve("second");
					reject("third");
				}).then(v => report(v));
			`,
			want: []any{"first"},
		},
		{
			name: "self resolution",
			src: `
				let res;
				const p = new Promise(r => { res = r; });
				res(p);
				p.catch(e => report(e instanceof TypeError));
			`,
			want: []any{true},
		},
		{
			name: "thenable",
			src:  `Promise.resolve({ then(r) { r("thenable"); } }).then(v => report(v));`,
			want: []any{"thenable"},
		},
		{
			name: "instanceof and receiver",
			src: `
				report(new Promise(() => {}) instanceof Promise);
				report(Promise.resolve(1) instanceof Promise);
				try {
					Promise.prototype.then.call({}, () => {});
				} catch (e) {
					report(e instanceof TypeError);
				}
			`,
			want: []any{true, true, true},
		},
		{
			name: "all",
			src: `
				Promise.all([1, Promise.resolve(2), new Promise(r => setTimeout(() => r(3), 1))])
					.then(v => report(v.join(",")));
				Promise.all([]).then(v => report(v.length));
				Promise.all([Promise.reject("no"), new Promise(() => {})]).catch(e => report(e));
			`,
			want: []any{int64(0), "no", "1,2,3"},
		},
		{
			name: "allSettled",
			src: `
				Promise.allSettled([Promise.reject("no"), 1])
					.then(r => report(r.map(x => x.status + ":" + (x.value || x.reason)).join(",")));
			`,
			want: []any{"rejected:no,fulfilled:1"},
		},
		{
			name: "race",
			src:  `Promise.race([new Promise(() => {}), Promise.resolve("fast")]).then(v => report(v));`,
			want: []any{"fast"},
		},
		{
			name: "any",
			src: `
				Promise.any([Promise.reject(1), Promise.resolve(2)]).then(v => report(v));
				Promise.any([]).catch(e => report(e.errors.length));
			`,
			want: []any{int64(0), int64(2)},
		},
		{
			name: "await",
			src:  `(async () => { report(await Promise.resolve("awaited")); })();`,
			want: []any{"awaited"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.run(t, tc.src)
			h.expect(t, tc.want...)
		})
	}
}

func TestGlobal_SetTimeoutArgsAndClear(t *testing.T) {
	h := newHarness(t)
	h.run(t, `
		const cancelled = setTimeout(() => report("cancelled"), 5);
		clearTimeout(cancelled);
		clearTimeout(undefined);
		setTimeout((a, b) => report(a + b), 10, 40, 2);
	`)
	h.expect(t, int64(42))
	select {
	case got := <-h.reports:
		t.Fatalf("unexpected report %v", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestGlobal_SetInterval(t *testing.T) {
	h := newHarness(t)
	h.run(t, `
		let n = 0;
		const id = setInterval(() => {
			n++;
			report(n);
			if (n === 3) clearInterval(id);
		}, 1);
	`)
	h.expect(t, int64(1), int64(2), int64(3))
	select {
	case got := <-h.reports:
		t.Fatalf("interval kept running: %v", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestGlobal_TimerRequiresFunction(t *testing.T) {
	h := newHarness(t)
	done := make(chan error, 1)
	require.NoError(t, h.g.QueueScript(task.DOMManipulation, "bad.js", `setTimeout("nope", 1)`, func(err error) { done <- err }))
	err := <-done
	var ex *goja.Exception
	require.ErrorAs(t, err, &ex)
	assert.Contains(t, err.Error(), "TypeError")
}

func TestGlobal_UncaughtExceptionIsolated(t *testing.T) {
	h := newHarness(t)
	h.run(t, `
		setTimeout(() => { throw new Error("boom") }, 0);
		setTimeout(() => report("after"), 5);
	`)
	select {
	case err := <-h.errs:
		assert.ErrorContains(t, err, "boom")
	case <-time.After(5 * time.Second):
		t.Fatal("exception not reported")
	}
	h.expect(t, "after")
	require.Eventually(t, func() bool { return h.logs.find("script: uncaught exception") != nil }, time.Second, time.Millisecond)
}

func TestGlobal_Console(t *testing.T) {
	h := newHarness(t)
	h.run(t, `console.log("hello", 1); console.warn("careful"); console.error("bad")`)
	for _, msg := range []string{"console.log", "console.warn", "console.error"} {
		require.Eventually(t, func() bool { return h.logs.find(msg) != nil }, time.Second, time.Millisecond, msg)
	}
	assert.Equal(t, "hello 1", h.logs.find("console.log").fields["console"])
	assert.Equal(t, logiface.LevelWarning, h.logs.find("console.warn").level)
}

func TestGlobal_RootReleasedAfterTask(t *testing.T) {
	h := newHarness(t)

	_, err := h.g.Scope()
	assert.ErrorIs(t, err, ErrNotLoopThread)

	roots := make(chan *Root, 1)
	require.NoError(t, h.g.Source(task.DOMManipulation).QueueFunc(func() {
		scope, err := h.g.Scope()
		if !assert.NoError(t, err) {
			return
		}
		r := scope.Root(h.g.Runtime().ToValue(7))
		assert.Equal(t, int64(7), r.Value().Export())
		assert.Equal(t, 1, scope.Len())
		roots <- r
	}))

	var r *Root
	select {
	case r = <-roots:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
	synced := make(chan struct{})
	require.NoError(t, h.g.Source(task.DOMManipulation).QueueFunc(func() { close(synced) }))
	<-synced
	assert.True(t, r.Released())
	assert.PanicsWithError(t, ErrRootReleased.Error(), func() { r.Value() })
}

func TestScope_RootAfterRelease(t *testing.T) {
	s := &Scope{}
	r := s.Root(goja.Undefined())
	s.release()
	assert.True(t, s.Released())
	assert.True(t, r.Released())
	assert.Zero(t, s.Len())
	assert.Panics(t, func() { s.Root(goja.Null()) })
}

func TestGlobal_DispatchMessage(t *testing.T) {
	h := newHarness(t)
	h.run(t, `
		onmessage = e => report("on:" + e.data);
		addEventListener("message", e => report(e.type + ":" + e.data));
	`)
	require.NoError(t, h.g.Source(task.PortMessage).QueueFunc(func() { h.g.DispatchMessage("hi") }))
	h.expect(t, "on:hi", "message:hi")

	assert.Error(t, h.g.DispatchEvent("message", "off-loop"))
}

func TestGlobal_TeardownClosesTimers(t *testing.T) {
	h := newHarness(t)
	h.run(t, `setTimeout(() => report("never"), 20)`)
	h.loop.Teardown()
	_, err := h.g.Timers().SetTimeout(h.g.Source(task.Timer), time.Millisecond, func() {})
	assert.True(t, errors.Is(err, timers.ErrClosed))
	select {
	case got := <-h.reports:
		t.Fatalf("timer fired after teardown: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New(nil, task.GlobalRef{Kind: task.Window, Pipeline: 1})
	assert.Error(t, err)
	loop, err := eventloop.New(1)
	require.NoError(t, err)
	_, err = New(loop, task.GlobalRef{})
	assert.Error(t, err)
}
