package serviceworker

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ScriptFetcher retrieves worker scripts.
type ScriptFetcher interface {
	FetchScript(ctx context.Context, scriptURL string) ([]byte, error)
}

// ScriptFetcherFunc adapts a function to [ScriptFetcher].
type ScriptFetcherFunc func(ctx context.Context, scriptURL string) ([]byte, error)

func (f ScriptFetcherFunc) FetchScript(ctx context.Context, scriptURL string) ([]byte, error) {
	return f(ctx, scriptURL)
}

// Evaluator runs a worker's script in its freshly started global. It is
// called on install and on every later start of the worker.
type Evaluator interface {
	Evaluate(ctx context.Context, w *Worker) error
}

// EvaluatorFunc adapts a function to [Evaluator].
type EvaluatorFunc func(ctx context.Context, w *Worker) error

func (f EvaluatorFunc) Evaluate(ctx context.Context, w *Worker) error {
	return f(ctx, w)
}

// Registration is a snapshot of the worker registered for a scope.
type Registration struct {
	Active     *Worker
	Installing *Worker
	ScriptURL  string
	Scope      ScopeKey
	Updated    time.Time
	ID         uuid.UUID
}

// IsZero reports whether r is the zero Registration.
func (r Registration) IsZero() bool {
	return r.ID == uuid.Nil
}

// newest returns the most recent worker version.
func (r *Registration) newest() *Worker {
	if r.Installing != nil {
		return r.Installing
	}
	return r.Active
}

// ScriptExecutor is the default [Executor]. It fetches, evaluates and
// installs worker scripts, maintaining the Manager's registrations.
type ScriptExecutor struct {
	m *Manager
}

func (x *ScriptExecutor) Execute(ctx context.Context, job *Job, done func(Result)) {
	var (
		r   Result
		err error
	)
	switch job.Kind {
	case Register:
		r, err = x.register(ctx, job)
	case Update:
		r, err = x.update(ctx, job)
	case Unregister:
		r = x.unregister(job)
	default:
		err = fmt.Errorf("unknown job kind %s", job.Kind)
	}
	if err != nil {
		r.Err = err
	}
	done(r)
}

func (x *ScriptExecutor) register(ctx context.Context, job *Job) (Result, error) {
	if err := sameOrigin(job.Scope, job.ScriptURL); err != nil {
		return Result{}, err
	}
	m := x.m

	m.mu.Lock()
	reg, ok := m.registrations[job.Scope]
	if ok && reg.ScriptURL == job.ScriptURL && reg.Installing == nil && reg.Active != nil {
		snapshot := *reg
		m.mu.Unlock()
		return Result{Registration: snapshot}, nil
	}
	created := !ok
	if created {
		reg = &Registration{ID: uuid.New(), Scope: job.Scope, ScriptURL: job.ScriptURL}
		m.registrations[job.Scope] = reg
	}
	m.mu.Unlock()

	r, err := x.install(ctx, reg, job.ScriptURL)
	if err != nil && created {
		m.mu.Lock()
		if m.registrations[job.Scope] == reg && reg.Active == nil {
			delete(m.registrations, job.Scope)
		}
		m.mu.Unlock()
	}
	return r, err
}

func (x *ScriptExecutor) update(ctx context.Context, job *Job) (Result, error) {
	m := x.m
	m.mu.Lock()
	reg, ok := m.registrations[job.Scope]
	if !ok {
		m.mu.Unlock()
		return Result{}, ErrNoRegistration
	}
	scriptURL := reg.ScriptURL
	m.mu.Unlock()
	if job.ScriptURL != "" && job.ScriptURL != scriptURL {
		return Result{}, fmt.Errorf("update script %q does not match registered %q", job.ScriptURL, scriptURL)
	}
	return x.install(ctx, reg, scriptURL)
}

// install fetches the script and, if it changed, runs a new worker version
// through install and activation.
func (x *ScriptExecutor) install(ctx context.Context, reg *Registration, scriptURL string) (Result, error) {
	m := x.m
	script, err := m.fetchScript(ctx, scriptURL)
	if err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	if newest := reg.newest(); newest != nil && newest.ScriptURL == scriptURL && bytes.Equal(newest.Script, script) {
		reg.ScriptURL = scriptURL
		snapshot := *reg
		m.mu.Unlock()
		return Result{Registration: snapshot}, nil
	}
	w := newWorker(reg.Scope, scriptURL, script)
	w.setState(WorkerInstalling)
	reg.Installing = w
	m.mu.Unlock()

	m.logger.Info().
		Str("scope", string(reg.Scope)).
		Stringer("worker", w.ID).
		Str("script", scriptURL).
		Log("serviceworker: installing worker")

	if err := m.startWorker(ctx, w); err != nil {
		w.setState(WorkerRedundant)
		w.terminate()
		m.mu.Lock()
		if reg.Installing == w {
			reg.Installing = nil
		}
		m.mu.Unlock()
		return Result{}, err
	}
	w.setState(WorkerInstalled)

	m.mu.Lock()
	old := reg.Active
	w.setState(WorkerActivating)
	reg.Active = w
	if reg.Installing == w {
		reg.Installing = nil
	}
	// the script URL only changes once a worker running it is active
	reg.ScriptURL = scriptURL
	reg.Updated = time.Now()
	w.setState(WorkerActivated)
	snapshot := *reg
	m.mu.Unlock()

	if old != nil {
		old.setState(WorkerRedundant)
		old.terminate()
	}
	return Result{Registration: snapshot}, nil
}

func (x *ScriptExecutor) unregister(job *Job) Result {
	m := x.m
	m.mu.Lock()
	reg, ok := m.registrations[job.Scope]
	if !ok {
		m.mu.Unlock()
		return Result{}
	}
	delete(m.registrations, job.Scope)
	snapshot := *reg
	m.mu.Unlock()

	for _, w := range []*Worker{snapshot.Installing, snapshot.Active} {
		if w != nil {
			w.setState(WorkerRedundant)
			w.terminate()
		}
	}
	return Result{Registration: snapshot, Unregistered: true}
}

func sameOrigin(scope ScopeKey, scriptURL string) error {
	u, err := url.Parse(scriptURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid script URL %q", scriptURL)
	}
	origin := ScopeKey(u.Scheme + "://" + u.Host + "/").Origin()
	if !strings.EqualFold(origin, scope.Origin()) {
		return ErrOriginMismatch
	}
	return nil
}

