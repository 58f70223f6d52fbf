package serviceworker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-scriptthread/eventloop"
	"github.com/joeycumines/go-scriptthread/task"
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

type testEventFactory struct{}

func (testEventFactory) NewEvent(level logiface.Level) *testEvent {
	return &testEvent{level: level}
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

func (r *logRecorder) count(level logiface.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, e := range r.events {
		if e.level == level {
			n++
		}
	}
	return n
}

func newTestLogger() (*logiface.Logger[logiface.Event], *logRecorder) {
	rec := &logRecorder{}
	return logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](testEventFactory{}),
		logiface.WithWriter[*testEvent](rec),
		logiface.WithLevel[*testEvent](logiface.LevelTrace),
	).Logger(), rec
}

// newClient runs an event loop standing in for a document, returning a
// client on its ServiceWorker source.
func newClient(t *testing.T, id task.PipelineID) (Client, *eventloop.Loop) {
	t.Helper()
	loop, err := eventloop.New(id)
	require.NoError(t, err)
	go func() { _ = loop.Run(context.Background()) }()
	t.Cleanup(loop.Teardown)
	return Client{
		ID:     uuid.New(),
		Source: loop.Source(task.ServiceWorker, task.GlobalRef{Kind: task.Window, Pipeline: id}),
	}, loop
}

func mustScope(t *testing.T, raw string) ScopeKey {
	t.Helper()
	s, err := ParseScope(raw)
	require.NoError(t, err)
	return s
}

func waitPromise(t *testing.T, p *Promise) Result {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("promise did not settle")
	}
	r, ok := p.Result()
	require.True(t, ok)
	return r
}

// gatedExecutor blocks each job until released, recording start order.
type gatedExecutor struct {
	started chan *Job
	release chan Result
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{
		started: make(chan *Job, 16),
		release: make(chan Result),
	}
}

func (g *gatedExecutor) Execute(ctx context.Context, job *Job, done func(Result)) {
	g.started <- job
	select {
	case r := <-g.release:
		done(r)
	case <-ctx.Done():
		done(Result{Err: ctx.Err()})
	}
}

func (g *gatedExecutor) next(t *testing.T) *Job {
	t.Helper()
	select {
	case j := <-g.started:
		return j
	case <-time.After(5 * time.Second):
		t.Fatal("no job started")
		return nil
	}
}

func (g *gatedExecutor) idle(t *testing.T) {
	t.Helper()
	select {
	case j := <-g.started:
		t.Fatalf("unexpected job started: %s", j)
	case <-time.After(50 * time.Millisecond):
	}
}

// scripts is an in-memory ScriptFetcher.
type scripts struct {
	mu    sync.Mutex
	body  map[string]string
	calls int
}

func (s *scripts) set(url, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body == nil {
		s.body = make(map[string]string)
	}
	s.body[url] = body
}

func (s *scripts) FetchScript(_ context.Context, url string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	body, ok := s.body[url]
	if !ok {
		return nil, errNotFound
	}
	return []byte(body), nil
}

func (s *scripts) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

var errNotFound error = notFoundError{}
