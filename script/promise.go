package script

import (
	"errors"
	"strconv"

	"github.com/dop251/goja"
)

// promiseSlot holds the *promise behind a Promise object. It is not
// enumerable, writable or configurable.
const promiseSlot = "__scriptthread_promise__"

type promiseState uint8

const (
	promisePending promiseState = iota
	promiseFulfilled
	promiseRejected
)

type reaction struct {
	onFulfilled func(goja.Value)
	onRejected  func(goja.Value)
}

// promise is the state of a script Promise. Reactions run as microtasks on
// the loop, in the same queue as queueMicrotask. It is only touched on the
// loop goroutine.
type promise struct {
	g         *Global
	obj       *goja.Object
	value     goja.Value
	reactions []reaction
	state     promiseState
}

// promises holds the bindings shared by every promise of a Global.
type promises struct {
	proto   *goja.Object
	getThen goja.Callable
	from    goja.Callable
	array   goja.Value
}

func (g *Global) bindPromise() error {
	vm := g.vm

	getThen, err := vm.RunString(`(function (o) { return o.then; })`)
	if err != nil {
		return err
	}
	var ok bool
	if g.promises.getThen, ok = goja.AssertFunction(getThen); !ok {
		return errors.New("script: then accessor not callable")
	}
	g.promises.array = vm.GlobalObject().Get("Array")
	if g.promises.from, ok = goja.AssertFunction(g.promises.array.ToObject(vm).Get("from")); !ok {
		return errors.New("script: Array.from not callable")
	}

	ctor := vm.ToValue(g.promiseConstructor).ToObject(vm)
	proto, _ := ctor.Get("prototype").(*goja.Object)
	if proto == nil {
		proto = vm.NewObject()
		if err := ctor.Set("prototype", proto); err != nil {
			return err
		}
		if err := proto.Set("constructor", ctor); err != nil {
			return err
		}
	}
	g.promises.proto = proto

	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"then":    g.promiseThen,
		"catch":   g.promiseCatch,
		"finally": g.promiseFinally,
	} {
		if err := proto.Set(name, fn); err != nil {
			return err
		}
	}
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"resolve":    g.promiseResolveStatic,
		"reject":     g.promiseRejectStatic,
		"all":        g.promiseAll,
		"allSettled": g.promiseAllSettled,
		"race":       g.promiseRace,
		"any":        g.promiseAny,
	} {
		if err := ctor.Set(name, fn); err != nil {
			return err
		}
	}
	return vm.GlobalObject().Set("Promise", ctor)
}

// newPromise attaches a pending promise to obj, or to a new object if obj is
// nil.
func (g *Global) newPromise(obj *goja.Object) *promise {
	if obj == nil {
		obj = g.vm.NewObject()
		obj.SetPrototype(g.promises.proto)
	}
	p := &promise{g: g, obj: obj}
	_ = obj.DefineDataProperty(promiseSlot, g.vm.ToValue(p), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	return p
}

// NewPromise returns a pending script Promise with its resolving functions.
// It must be called on the loop goroutine, as must resolve and reject.
func (g *Global) NewPromise() (*goja.Object, func(goja.Value), func(goja.Value)) {
	p := g.newPromise(nil)
	resolve, reject := p.resolvingFunctions()
	return p.obj, resolve, reject
}

// asPromise returns the promise behind v, if v is one of ours.
func (g *Global) asPromise(v goja.Value) (*promise, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	slot := obj.Get(promiseSlot)
	if slot == nil {
		return nil, false
	}
	p, ok := slot.Export().(*promise)
	if !ok || p.g != g {
		return nil, false
	}
	return p, true
}

func (g *Global) thisPromise(this goja.Value, method string) *promise {
	p, ok := g.asPromise(this)
	if !ok {
		panic(g.vm.NewTypeError("Promise.prototype." + method + " called on incompatible receiver"))
	}
	return p
}

// thrown converts an error returned from a goja call into the value thrown.
func (g *Global) thrown(err error) goja.Value {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value()
	}
	return g.vm.NewGoError(err)
}

func (g *Global) enqueue(fn func()) {
	if err := g.loop.QueueMicrotask(fn); err != nil {
		g.logger.Debug().
			Stringer("global", g.ref).
			Err(err).
			Log("script: promise job dropped")
	}
}

// function wraps fn as a script function of one argument.
func (g *Global) function(fn func(goja.Value)) goja.Value {
	return g.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		fn(call.Argument(0))
		return goja.Undefined()
	})
}

// resolvingFunctions returns a resolve and reject pair, of which only the
// first call has any effect.
func (p *promise) resolvingFunctions() (resolve, reject func(goja.Value)) {
	var done bool
	resolve = func(v goja.Value) {
		if done {
			return
		}
		done = true
		p.resolve(v)
	}
	reject = func(v goja.Value) {
		if done {
			return
		}
		done = true
		p.settle(promiseRejected, v)
	}
	return resolve, reject
}

func (p *promise) resolve(v goja.Value) {
	obj, ok := v.(*goja.Object)
	if !ok {
		p.settle(promiseFulfilled, v)
		return
	}
	if obj == p.obj {
		p.settle(promiseRejected, p.g.vm.NewTypeError("Chaining cycle detected for promise"))
		return
	}
	then, err := p.g.promises.getThen(goja.Undefined(), obj)
	if err != nil {
		p.settle(promiseRejected, p.g.thrown(err))
		return
	}
	fn, ok := goja.AssertFunction(then)
	if !ok {
		p.settle(promiseFulfilled, v)
		return
	}
	p.g.enqueue(func() {
		resolve, reject := p.resolvingFunctions()
		if _, err := fn(obj, p.g.function(resolve), p.g.function(reject)); err != nil {
			reject(p.g.thrown(err))
		}
	})
}

func (p *promise) settle(state promiseState, v goja.Value) {
	if p.state != promisePending {
		return
	}
	p.state, p.value = state, v
	reactions := p.reactions
	p.reactions = nil
	for _, r := range reactions {
		p.schedule(r)
	}
}

func (p *promise) schedule(r reaction) {
	state, v := p.state, p.value
	p.g.enqueue(func() {
		if state == promiseFulfilled {
			r.onFulfilled(v)
		} else {
			r.onRejected(v)
		}
	})
}

func (p *promise) react(r reaction) {
	if p.state == promisePending {
		p.reactions = append(p.reactions, r)
		return
	}
	p.schedule(r)
}

// then derives a promise settled by the outcome of onFulfilled or
// onRejected. A handler that isn't callable passes the outcome through.
func (p *promise) then(onFulfilled, onRejected goja.Value) *promise {
	derived := p.g.newPromise(nil)
	resolve, reject := derived.resolvingFunctions()
	p.react(reaction{
		onFulfilled: p.g.handler(onFulfilled, resolve, reject, resolve),
		onRejected:  p.g.handler(onRejected, resolve, reject, reject),
	})
	return derived
}

func (g *Global) handler(fn goja.Value, resolve, reject, passthrough func(goja.Value)) func(goja.Value) {
	cb, ok := goja.AssertFunction(fn)
	if !ok {
		return passthrough
	}
	return func(v goja.Value) {
		res, err := cb(goja.Undefined(), v)
		if err != nil {
			reject(g.thrown(err))
			return
		}
		resolve(res)
	}
}

// promiseResolve returns v if it is one of ours, otherwise a new promise
// resolved with v.
func (g *Global) promiseResolve(v goja.Value) *promise {
	if p, ok := g.asPromise(v); ok {
		return p
	}
	p := g.newPromise(nil)
	p.resolve(v)
	return p
}

func (g *Global) promiseConstructor(call goja.ConstructorCall) *goja.Object {
	executor, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(g.vm.NewTypeError("Promise resolver is not a function"))
	}
	p := g.newPromise(call.This)
	resolve, reject := p.resolvingFunctions()
	if _, err := executor(goja.Undefined(), g.function(resolve), g.function(reject)); err != nil {
		reject(g.thrown(err))
	}
	return nil
}

func (g *Global) promiseThen(call goja.FunctionCall) goja.Value {
	p := g.thisPromise(call.This, "then")
	return p.then(call.Argument(0), call.Argument(1)).obj
}

func (g *Global) promiseCatch(call goja.FunctionCall) goja.Value {
	p := g.thisPromise(call.This, "catch")
	return p.then(goja.Undefined(), call.Argument(0)).obj
}

func (g *Global) promiseFinally(call goja.FunctionCall) goja.Value {
	p := g.thisPromise(call.This, "finally")
	cb, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return p.then(call.Argument(0), call.Argument(0)).obj
	}
	derived := g.newPromise(nil)
	resolve, reject := derived.resolvingFunctions()
	// the outcome of p is kept unless onFinally throws or rejects
	after := func(settle func()) {
		res, err := cb(goja.Undefined())
		if err != nil {
			reject(g.thrown(err))
			return
		}
		g.promiseResolve(res).react(reaction{
			onFulfilled: func(goja.Value) { settle() },
			onRejected:  reject,
		})
	}
	p.react(reaction{
		onFulfilled: func(v goja.Value) { after(func() { resolve(v) }) },
		onRejected:  func(v goja.Value) { after(func() { reject(v) }) },
	})
	return derived.obj
}

func (g *Global) promiseResolveStatic(call goja.FunctionCall) goja.Value {
	return g.promiseResolve(call.Argument(0)).obj
}

func (g *Global) promiseRejectStatic(call goja.FunctionCall) goja.Value {
	p := g.newPromise(nil)
	p.settle(promiseRejected, call.Argument(0))
	return p.obj
}

// elements reads an iterable into a slice, using Array.from.
func (g *Global) elements(iterable goja.Value) ([]goja.Value, error) {
	arr, err := g.promises.from(g.promises.array, iterable)
	if err != nil {
		return nil, err
	}
	obj := arr.ToObject(g.vm)
	n := obj.Get("length").ToInteger()
	items := make([]goja.Value, 0, n)
	for i := int64(0); i < n; i++ {
		items = append(items, obj.Get(strconv.FormatInt(i, 10)))
	}
	return items, nil
}

// combine runs each element of call's iterable through promiseResolve,
// passing the results to fn along with the resolving functions of the
// returned promise.
func (g *Global) combine(call goja.FunctionCall, fn func(items []*promise, resolve, reject func(goja.Value))) goja.Value {
	result := g.newPromise(nil)
	resolve, reject := result.resolvingFunctions()
	values, err := g.elements(call.Argument(0))
	if err != nil {
		reject(g.thrown(err))
		return result.obj
	}
	items := make([]*promise, len(values))
	for i, v := range values {
		items[i] = g.promiseResolve(v)
	}
	fn(items, resolve, reject)
	return result.obj
}

func (g *Global) array(values []goja.Value) goja.Value {
	items := make([]any, len(values))
	for i, v := range values {
		items[i] = v
	}
	return g.vm.NewArray(items...)
}

func (g *Global) promiseAll(call goja.FunctionCall) goja.Value {
	return g.combine(call, func(items []*promise, resolve, reject func(goja.Value)) {
		values := make([]goja.Value, len(items))
		remaining := len(items)
		if remaining == 0 {
			resolve(g.array(values))
			return
		}
		for i, p := range items {
			p.react(reaction{
				onFulfilled: func(v goja.Value) {
					values[i] = v
					if remaining--; remaining == 0 {
						resolve(g.array(values))
					}
				},
				onRejected: reject,
			})
		}
	})
}

func (g *Global) promiseAllSettled(call goja.FunctionCall) goja.Value {
	return g.combine(call, func(items []*promise, resolve, _ func(goja.Value)) {
		values := make([]goja.Value, len(items))
		remaining := len(items)
		if remaining == 0 {
			resolve(g.array(values))
			return
		}
		record := func(i int, status, key string, v goja.Value) {
			obj := g.vm.NewObject()
			_ = obj.Set("status", status)
			_ = obj.Set(key, v)
			values[i] = obj
			if remaining--; remaining == 0 {
				resolve(g.array(values))
			}
		}
		for i, p := range items {
			p.react(reaction{
				onFulfilled: func(v goja.Value) { record(i, "fulfilled", "value", v) },
				onRejected:  func(v goja.Value) { record(i, "rejected", "reason", v) },
			})
		}
	})
}

func (g *Global) promiseRace(call goja.FunctionCall) goja.Value {
	return g.combine(call, func(items []*promise, resolve, reject func(goja.Value)) {
		for _, p := range items {
			p.react(reaction{onFulfilled: resolve, onRejected: reject})
		}
	})
}

func (g *Global) promiseAny(call goja.FunctionCall) goja.Value {
	return g.combine(call, func(items []*promise, resolve, reject func(goja.Value)) {
		reasons := make([]goja.Value, len(items))
		remaining := len(items)
		if remaining == 0 {
			reject(g.aggregateError(reasons))
			return
		}
		for i, p := range items {
			p.react(reaction{
				onFulfilled: resolve,
				onRejected: func(v goja.Value) {
					reasons[i] = v
					if remaining--; remaining == 0 {
						reject(g.aggregateError(reasons))
					}
				},
			})
		}
	})
}

// aggregateError builds the rejection of Promise.any, an AggregateError
// where the runtime has one, otherwise an Error carrying errors.
func (g *Global) aggregateError(reasons []goja.Value) goja.Value {
	const msg = "All promises were rejected"
	errs := g.array(reasons)
	if ctor := g.vm.GlobalObject().Get("AggregateError"); ctor != nil && !goja.IsUndefined(ctor) {
		if obj, err := g.vm.New(ctor, errs, g.vm.ToValue(msg)); err == nil {
			return obj
		}
	}
	obj := g.vm.NewGoError(errors.New(msg))
	_ = obj.Set("errors", errs)
	return obj
}
