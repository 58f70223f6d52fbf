package script

import (
	"net/url"
	"path"
	"strings"

	"github.com/dop251/goja"

	"github.com/joeycumines/go-scriptthread/serviceworker"
	"github.com/joeycumines/go-scriptthread/task"
)

// ServiceWorkers is the part of [serviceworker.Manager] used by
// navigator.serviceWorker.
type ServiceWorkers interface {
	SubmitJob(scope serviceworker.ScopeKey, kind serviceworker.JobKind, scriptURL string, client serviceworker.Client) (*serviceworker.Promise, error)
	MatchScope(clientURL string) (serviceworker.Registration, bool)
}

// Client returns the service-worker client representing this global.
func (g *Global) Client() serviceworker.Client {
	return serviceworker.Client{
		ID:     g.clientID,
		Source: g.Source(task.ServiceWorker),
	}
}

func (g *Global) bindServiceWorkers() error {
	container := g.vm.NewObject()
	if err := container.Set("register", g.swRegister); err != nil {
		return err
	}
	if err := container.Set("getRegistration", g.swGetRegistration); err != nil {
		return err
	}
	if err := container.Set("unregister", g.swUnregister); err != nil {
		return err
	}
	navigator := g.vm.NewObject()
	if err := navigator.Set("serviceWorker", container); err != nil {
		return err
	}
	return g.vm.GlobalObject().Set("navigator", navigator)
}

// resolve resolves ref against the client URL.
func (g *Global) resolve(ref string) (*url.URL, error) {
	base, err := url.Parse(g.clientURL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(u), nil
}

// register(scriptURL, {scope}) resolves with a registration object.
func (g *Global) swRegister(call goja.FunctionCall) goja.Value {
	script, err := g.resolve(call.Argument(0).String())
	if err != nil {
		panic(g.vm.NewTypeError("invalid script URL: " + err.Error()))
	}
	scopeRef := "./"
	if opts := call.Argument(1); !goja.IsUndefined(opts) && !goja.IsNull(opts) {
		if s := opts.ToObject(g.vm).Get("scope"); s != nil && !goja.IsUndefined(s) {
			scopeRef = s.String()
		}
	}
	var scopeURL *url.URL
	if scopeRef == "./" {
		dir := path.Dir(script.Path)
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
		scopeURL = script.ResolveReference(&url.URL{Path: dir})
	} else if scopeURL, err = g.resolve(scopeRef); err != nil {
		panic(g.vm.NewTypeError("invalid scope: " + err.Error()))
	}
	return g.submit(scopeURL.String(), serviceworker.Register, script.String(), g.registrationValue)
}

// getRegistration(clientURL?) resolves with the matching registration, or
// undefined.
func (g *Global) swGetRegistration(call goja.FunctionCall) goja.Value {
	target := g.clientURL
	if v := call.Argument(0); !goja.IsUndefined(v) {
		u, err := g.resolve(v.String())
		if err != nil {
			panic(g.vm.NewTypeError("invalid URL: " + err.Error()))
		}
		target = u.String()
	}
	promise, resolve, _ := g.NewPromise()
	if reg, ok := g.serviceWorkers.MatchScope(target); ok {
		resolve(g.registrationValue(serviceworker.Result{Registration: reg}))
	} else {
		resolve(goja.Undefined())
	}
	return promise
}

// unregister(scope) resolves with whether a registration was removed.
func (g *Global) swUnregister(call goja.FunctionCall) goja.Value {
	u, err := g.resolve(call.Argument(0).String())
	if err != nil {
		panic(g.vm.NewTypeError("invalid scope: " + err.Error()))
	}
	return g.submit(u.String(), serviceworker.Unregister, "", func(r serviceworker.Result) goja.Value {
		return g.vm.ToValue(r.Unregistered)
	})
}

// submit queues a job, returning a promise settled as a ServiceWorker task
// on this global.
func (g *Global) submit(rawScope string, kind serviceworker.JobKind, scriptURL string, value func(serviceworker.Result) goja.Value) goja.Value {
	promise, resolve, reject := g.NewPromise()
	scope, err := serviceworker.ParseScope(rawScope)
	if err != nil {
		reject(g.vm.NewTypeError(err.Error()))
		return promise
	}
	job, err := g.serviceWorkers.SubmitJob(scope, kind, scriptURL, g.Client())
	if err != nil {
		reject(g.vm.NewGoError(err))
		return promise
	}
	job.Then(func(r serviceworker.Result) {
		if r.Err != nil {
			reject(g.vm.NewGoError(r.Err))
			return
		}
		v := value(r)
		if scope, err := g.Scope(); err == nil {
			v = scope.Root(v).Value()
		}
		resolve(v)
	})
	return promise
}

func (g *Global) registrationValue(r serviceworker.Result) goja.Value {
	reg := r.Registration
	obj := g.vm.NewObject()
	_ = obj.Set("scope", string(reg.Scope))
	_ = obj.Set("id", reg.ID.String())
	if w := reg.Active; w != nil {
		active := g.vm.NewObject()
		_ = active.Set("scriptURL", w.ScriptURL)
		_ = active.Set("state", w.State().String())
		_ = obj.Set("active", active)
	} else {
		_ = obj.Set("active", goja.Null())
	}
	scope := string(reg.Scope)
	_ = obj.Set("unregister", func(goja.FunctionCall) goja.Value {
		return g.submit(scope, serviceworker.Unregister, "", func(r serviceworker.Result) goja.Value {
			return g.vm.ToValue(r.Unregistered)
		})
	})
	return obj
}
