package timers

import (
	"time"

	"github.com/joeycumines/go-scriptthread/task"
)

type timer struct {
	deadline  time.Time
	source    task.Source
	callback  func()
	canceller *task.Canceller
	interval  time.Duration
	id        Handle
	seq       uint64
	// level is the nesting level tasks for this timer run at
	level int
	// index in the heap, -1 while not pending
	index int
	repeat bool
}

// timerHeap orders timers by deadline, ties broken by creation sequence.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
