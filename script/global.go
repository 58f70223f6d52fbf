package script

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/google/uuid"
	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-scriptthread/eventloop"
	"github.com/joeycumines/go-scriptthread/task"
	"github.com/joeycumines/go-scriptthread/timers"
)

// ErrNotLoopThread is returned when the runtime is used off its loop.
var ErrNotLoopThread = errors.New("script: not on the loop goroutine")

// Option configures a [Global].
type Option func(*Global)

// WithLogger sets the logger used for console output and uncaught
// exceptions.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(g *Global) {
		g.logger = logger
	}
}

// WithTimers shares a timer scheduler. Without one, the Global creates its
// own, closed when the loop is torn down.
func WithTimers(s *timers.Scheduler) Option {
	return func(g *Global) {
		g.timers = s
	}
}

// WithTimerPolicy sets the clamping policy of the Global's own scheduler.
func WithTimerPolicy(p timers.Policy) Option {
	return func(g *Global) {
		g.timerPolicy = &p
	}
}

// WithServiceWorkers exposes navigator.serviceWorker, backed by sw, for a
// document at clientURL.
func WithServiceWorkers(sw ServiceWorkers, clientURL string) Option {
	return func(g *Global) {
		g.serviceWorkers = sw
		g.clientURL = clientURL
	}
}

// WithErrorHandler receives every uncaught script exception, after it is
// logged.
func WithErrorHandler(fn func(error)) Option {
	return func(g *Global) {
		g.onError = fn
	}
}

// Global is a goja runtime bound to one event loop. It implements
// [eventloop.Global]: the loop enters it around every task, opening the
// rooting [Scope] for that task.
//
// The runtime is only touched on the loop goroutine.
type Global struct {
	vm             *goja.Runtime
	loop           *eventloop.Loop
	timers         *timers.Scheduler
	timerPolicy    *timers.Policy
	logger         *logiface.Logger[logiface.Event]
	serviceWorkers ServiceWorkers
	onError        func(error)
	scope          *Scope
	listeners      map[string][]goja.Callable
	promises       promises
	clientURL      string
	closeOnce      sync.Once
	ref            task.GlobalRef
	clientID       uuid.UUID
	ownTimers      bool
}

var _ eventloop.Global = (*Global)(nil)

// New creates the script global identified by ref, installs its bindings,
// and sets it as loop's global.
func New(loop *eventloop.Loop, ref task.GlobalRef, opts ...Option) (*Global, error) {
	if loop == nil {
		return nil, errors.New("script: nil loop")
	}
	if ref.IsZero() {
		return nil, errors.New("script: zero global ref")
	}
	g := &Global{
		vm:        goja.New(),
		loop:      loop,
		ref:       ref,
		clientID:  uuid.New(),
		listeners: make(map[string][]goja.Callable),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.logger == nil {
		g.logger = loop.Logger()
	}
	if g.timers == nil {
		var topts []timers.Option
		topts = append(topts, timers.WithLogger(g.logger))
		if g.timerPolicy != nil {
			topts = append(topts, timers.WithPolicy(*g.timerPolicy))
		}
		s, err := timers.New(topts...)
		if err != nil {
			return nil, fmt.Errorf("script: %w", err)
		}
		g.timers = s
		g.ownTimers = true
	}

	g.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := g.bind(); err != nil {
		g.Close()
		return nil, err
	}

	loop.SetGlobal(g)
	loop.OnTeardown(g.Close)
	return g, nil
}

// Runtime returns the goja runtime. Use it only from tasks on the loop.
func (g *Global) Runtime() *goja.Runtime {
	return g.vm
}

// Ref identifies the global.
func (g *Global) Ref() task.GlobalRef {
	return g.ref
}

// Loop returns the owning event loop.
func (g *Global) Loop() *eventloop.Loop {
	return g.loop
}

// Timers returns the timer scheduler behind setTimeout and setInterval.
func (g *Global) Timers() *timers.Scheduler {
	return g.timers
}

// Source returns a task source targeting this global.
func (g *Global) Source(name task.SourceName) task.Source {
	return g.loop.Source(name, g.ref)
}

// Enter implements eventloop.Global.
func (g *Global) Enter() func() {
	outer := g.scope
	s := &Scope{}
	g.scope = s
	return func() {
		s.release()
		g.scope = outer
	}
}

// Scope returns the rooting scope of the running task.
func (g *Global) Scope() (*Scope, error) {
	if !g.loop.IsLoopThread() {
		return nil, ErrNotLoopThread
	}
	if g.scope == nil {
		return nil, ErrNoScope
	}
	return g.scope, nil
}

// Close stops the Global's own timer scheduler, if any. It runs
// automatically at loop teardown.
func (g *Global) Close() {
	g.closeOnce.Do(func() {
		if g.ownTimers {
			g.timers.Close()
		}
	})
}

func (g *Global) bind() error {
	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(&consolePrinter{g: g}))
	registry.Enable(g.vm)
	console.Enable(g.vm)

	global := g.vm.GlobalObject()
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"setTimeout":       g.setTimeout,
		"setInterval":      g.setInterval,
		"clearTimeout":     g.clearTimer,
		"clearInterval":    g.clearTimer,
		"queueMicrotask":   g.queueMicrotask,
		"addEventListener": g.addEventListener,
	} {
		if err := global.Set(name, fn); err != nil {
			return fmt.Errorf("script: binding %s: %w", name, err)
		}
	}
	if err := g.bindPromise(); err != nil {
		return fmt.Errorf("script: binding Promise: %w", err)
	}
	if err := global.Set("self", global); err != nil {
		return err
	}
	if g.ref.Kind == task.Window {
		if err := global.Set("window", global); err != nil {
			return err
		}
	}
	if g.serviceWorkers != nil {
		if err := g.bindServiceWorkers(); err != nil {
			return fmt.Errorf("script: binding navigator.serviceWorker: %w", err)
		}
	}
	return nil
}

// RunScript evaluates src on the calling task. It must be called on the
// loop goroutine; exceptions are returned rather than reported.
func (g *Global) RunScript(name, src string) (goja.Value, error) {
	if !g.loop.IsLoopThread() {
		return nil, ErrNotLoopThread
	}
	return g.vm.RunScript(name, src)
}

// QueueScript queues evaluation of src as a task on the given source. done,
// if non-nil, receives the result on the loop; without it, exceptions are
// reported.
func (g *Global) QueueScript(name task.SourceName, filename, src string, done func(error)) error {
	return g.Source(name).QueueFunc(func() {
		_, err := g.vm.RunScript(filename, src)
		if done != nil {
			done(err)
		} else if err != nil {
			g.report(err)
		}
	})
}

// call invokes fn, reporting an uncaught exception.
func (g *Global) call(fn goja.Callable, args ...goja.Value) {
	if _, err := fn(goja.Undefined(), args...); err != nil {
		g.report(err)
	}
}

// report logs an uncaught exception. The exception never escapes the task.
func (g *Global) report(err error) {
	b := g.logger.Err().
		Stringer("pipeline", g.ref.Pipeline).
		Stringer("global", g.ref)
	var ex *goja.Exception
	if errors.As(err, &ex) {
		b = b.Str("stack", ex.String())
	}
	b.Err(err).Log("script: uncaught exception")
	if g.onError != nil {
		g.onError(err)
	}
}

func (g *Global) callable(call goja.FunctionCall, what string) goja.Callable {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(g.vm.NewTypeError(what + " requires a function as first argument"))
	}
	return fn
}

func (g *Global) setTimeout(call goja.FunctionCall) goja.Value {
	return g.armTimer(call, false, "setTimeout")
}

func (g *Global) setInterval(call goja.FunctionCall) goja.Value {
	return g.armTimer(call, true, "setInterval")
}

func (g *Global) armTimer(call goja.FunctionCall, repeating bool, what string) goja.Value {
	fn := g.callable(call, what)
	delay := milliseconds(call.Argument(1))
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	h, err := g.timers.SetTimer(g.Source(task.Timer), delay, repeating, func() {
		g.call(fn, args...)
	})
	if err != nil {
		panic(g.vm.NewGoError(err))
	}
	return g.vm.ToValue(int64(h))
}

func (g *Global) clearTimer(call goja.FunctionCall) goja.Value {
	if v := call.Argument(0); !goja.IsUndefined(v) && !goja.IsNull(v) {
		g.timers.ClearTimer(timers.Handle(v.ToInteger()))
	}
	return goja.Undefined()
}

func (g *Global) queueMicrotask(call goja.FunctionCall) goja.Value {
	fn := g.callable(call, "queueMicrotask")
	if err := g.loop.QueueMicrotask(func() { g.call(fn) }); err != nil {
		panic(g.vm.NewGoError(err))
	}
	return goja.Undefined()
}

func (g *Global) addEventListener(call goja.FunctionCall) goja.Value {
	kind := call.Argument(0).String()
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(g.vm.NewTypeError("addEventListener requires a function as second argument"))
	}
	g.listeners[kind] = append(g.listeners[kind], fn)
	return goja.Undefined()
}

// DispatchEvent runs the "on"+kind handler and every listener for kind,
// with an event object carrying data. It must run in a task on the loop.
func (g *Global) DispatchEvent(kind string, data any) error {
	scope, err := g.Scope()
	if err != nil {
		return err
	}
	ev := g.vm.NewObject()
	_ = ev.Set("type", kind)
	_ = ev.Set("data", data)
	root := scope.Root(ev)

	if fn, ok := goja.AssertFunction(g.vm.GlobalObject().Get("on" + kind)); ok {
		g.call(fn, root.Value())
	}
	for _, fn := range g.listeners[kind] {
		g.call(fn, root.Value())
	}
	return nil
}

// DispatchMessage delivers a "message" event. Its signature suits
// serviceworker.Worker.SetMessageHandler.
func (g *Global) DispatchMessage(data any) {
	if err := g.DispatchEvent("message", data); err != nil {
		g.report(err)
	}
}

func milliseconds(v goja.Value) time.Duration {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	ms := v.ToFloat()
	if math.IsNaN(ms) || ms <= 0 {
		return 0
	}
	if ms > float64(maxDelay/time.Millisecond) {
		return maxDelay
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// maxDelay is the largest delay accepted by setTimeout, 2^31-1 ms.
const maxDelay = (1<<31 - 1) * time.Millisecond
