package eventloop

import (
	"sync"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-scriptthread/task"
)

// testEvent is a minimal logiface.Event implementation, recording fields.
type testEvent struct {
	logiface.UnimplementedEvent
	fields map[string]any
	level  logiface.Level
}

func (e *testEvent) Level() logiface.Level { return e.level }
func (e *testEvent) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = make(map[string]any)
	}
	e.fields[key] = val
}

type testEventFactory struct{}

func (f *testEventFactory) NewEvent(level logiface.Level) *testEvent {
	return &testEvent{level: level}
}

// logRecorder collects written events.
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
	typed := logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](&testEventFactory{}),
		logiface.WithWriter[*testEvent](rec),
		logiface.WithLevel[*testEvent](logiface.LevelTrace),
	)
	return typed.Logger(), rec
}

func window(id task.PipelineID) task.GlobalRef {
	return task.GlobalRef{Kind: task.Window, Pipeline: id}
}

// countingGlobal records Enter/exit pairs and whether it is active.
type countingGlobal struct {
	mu      sync.Mutex
	entered int
	exited  int
	active  bool
}

func (g *countingGlobal) Enter() func() {
	g.mu.Lock()
	g.entered++
	g.active = true
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.exited++
		g.active = false
		g.mu.Unlock()
	}
}

func (g *countingGlobal) isActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
