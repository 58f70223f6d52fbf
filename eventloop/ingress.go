package eventloop

import (
	"sync"

	"github.com/joeycumines/go-scriptthread/task"
)

// chunkSize is the number of tasks per node in the sourceQueue linked list.
const chunkSize = 64

// sourceQueue is a chunked linked-list FIFO holding the pending tasks of
// one task source.
//
// Thread Safety: This struct is NOT thread-safe.
// The caller must hold the Loop's queue mutex.
type sourceQueue struct { // betteralign:ignore
	head   *chunk
	tail   *chunk
	length int
}

// chunkPool recycles chunks across all loops.
var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk is a fixed-size node in the chunked linked-list.
// It uses readPos/writePos cursors for O(1) push/pop without shifting.
type chunk struct {
	tasks   [chunkSize]task.Task
	next    *chunk
	readPos int // First unread slot (index into tasks)
	pos     int // First unused slot / writePos (index into tasks)
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears any retained task closures, then pools c.
func returnChunk(c *chunk) {
	clear(c.tasks[:c.pos])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

// push adds a task to the back of the queue.
func (q *sourceQueue) push(t task.Task) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.tasks) {
		newTail := newChunk()
		q.tail.next = newTail
		q.tail = newTail
	}

	q.tail.tasks[q.tail.pos] = t
	q.tail.pos++
	q.length++
}

// pop removes and returns the task at the front of the queue.
func (q *sourceQueue) pop() (task.Task, bool) {
	if q.head == nil || q.length == 0 {
		return task.Task{}, false
	}

	// exhausted chunks are released eagerly, below, so head always has data
	t := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = task.Task{}
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			oldHead := q.head
			q.head = q.head.next
			returnChunk(oldHead)
		}
	}

	return t, true
}

// drain removes every task, returning them in FIFO order.
func (q *sourceQueue) drain() []task.Task {
	if q.length == 0 {
		return nil
	}
	out := make([]task.Task, 0, q.length)
	for {
		t, ok := q.pop()
		if !ok {
			break
		}
		out = append(out, t)
	}
	if q.head != nil {
		returnChunk(q.head)
	}
	q.head, q.tail = nil, nil
	return out
}

func (q *sourceQueue) len() int {
	return q.length
}
