package eventloop

import (
	"testing"

	"github.com/joeycumines/go-scriptthread/task"
)

func TestSourceQueue_FIFOAcrossChunks(t *testing.T) {
	var q sourceQueue
	const n = chunkSize*3 + 7
	for i := range n {
		q.push(task.Task{Source: task.SourceName(i%task.NumSources + 1)})
	}
	if q.len() != n {
		t.Fatalf("expected %d, got %d", n, q.len())
	}
	for i := range n {
		tk, ok := q.pop()
		if !ok {
			t.Fatalf("pop %d failed", i)
		}
		if want := task.SourceName(i%task.NumSources + 1); tk.Source != want {
			t.Fatalf("pop %d: expected %s, got %s", i, want, tk.Source)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestSourceQueue_InterleavedPushPop(t *testing.T) {
	var q sourceQueue
	next := 0
	pushed := 0
	for round := range 50 {
		for range round % 7 {
			q.push(task.Task{Target: task.GlobalRef{Pipeline: task.PipelineID(pushed)}})
			pushed++
		}
		for range round % 5 {
			tk, ok := q.pop()
			if !ok {
				break
			}
			if int(tk.Target.Pipeline) != next {
				t.Fatalf("expected %d, got %d", next, tk.Target.Pipeline)
			}
			next++
		}
	}
	if q.len() != pushed-next {
		t.Fatalf("length mismatch: %d vs %d", q.len(), pushed-next)
	}
}

func TestSourceQueue_Drain(t *testing.T) {
	var q sourceQueue
	if q.drain() != nil {
		t.Fatal("expected nil drain of empty queue")
	}
	for range chunkSize + 1 {
		q.push(task.Task{})
	}
	if got := len(q.drain()); got != chunkSize+1 {
		t.Fatalf("expected %d, got %d", chunkSize+1, got)
	}
	if q.len() != 0 {
		t.Fatal("expected empty queue")
	}
	q.push(task.Task{Source: task.Timer})
	if tk, ok := q.pop(); !ok || tk.Source != task.Timer {
		t.Fatal("queue unusable after drain")
	}
}
