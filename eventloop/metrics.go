package eventloop

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-scriptthread/task"
)

// Metrics tracks runtime statistics for the event loop.
// All metrics are optional and can be attached to a Loop via WithMetrics.
//
// Thread Safety:
//   - All Metrics methods are thread-safe and can be called from any goroutine.
//   - Counters are atomic; latency and depth tracking are mutex protected.
//
// Example:
//
//	loop, _ := eventloop.New(1, eventloop.WithMetrics(true))
//	// ...
//	snap := loop.Metrics().Snapshot()
//	fmt.Printf("ran: %d, P99 latency: %v\n", snap.Executed, snap.Latency.P99)
type Metrics struct {
	Latency LatencyMetrics
	Queue   QueueMetrics

	executed  atomic.Uint64
	cancelled atomic.Uint64
	discarded atomic.Uint64
	panicked  atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of [Metrics].
type MetricsSnapshot struct {
	Latency   LatencySnapshot
	QueueMax  map[task.SourceName]int
	Executed  uint64
	Cancelled uint64
	Discarded uint64
	Panicked  uint64
}

// Snapshot computes percentiles and copies every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Latency:   m.Latency.Sample(),
		QueueMax:  m.Queue.MaxDepths(),
		Executed:  m.executed.Load(),
		Cancelled: m.cancelled.Load(),
		Discarded: m.discarded.Load(),
		Panicked:  m.panicked.Load(),
	}
}

// LatencyMetrics tracks task run-time distribution with percentiles.
type LatencyMetrics struct {
	mu          sync.Mutex
	samples     [sampleSize]time.Duration
	sum         time.Duration
	sampleIdx   int
	sampleCount int
}

// LatencySnapshot holds percentiles computed by [LatencyMetrics.Sample].
type LatencySnapshot struct {
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

// sampleSize is the maximum number of latency samples to retain.
// We keep a rolling buffer of 1000 samples to compute percentiles.
const sampleSize = 1000

// Record records a latency sample.
// This is called internally by the loop after each task execution.
func (l *LatencyMetrics) Record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// If buffer is full, subtract the old sample that we're replacing
	if l.sampleCount >= sampleSize {
		l.sum -= l.samples[l.sampleIdx]
	}

	l.samples[l.sampleIdx] = duration
	l.sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// Sample computes percentiles from the retained samples.
func (l *LatencyMetrics) Sample() LatencySnapshot {
	l.mu.Lock()
	count := l.sampleCount
	sorted := slices.Clone(l.samples[:count])
	sum := l.sum
	l.mu.Unlock()

	if count == 0 {
		return LatencySnapshot{}
	}
	slices.Sort(sorted)
	return LatencySnapshot{
		P50:   sorted[percentileIndex(count, 50)],
		P90:   sorted[percentileIndex(count, 90)],
		P99:   sorted[percentileIndex(count, 99)],
		Max:   sorted[count-1],
		Mean:  sum / time.Duration(count),
		Count: count,
	}
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// QueueMetrics tracks per-source queue depth.
type QueueMetrics struct {
	mu      sync.Mutex
	current [task.NumSources]int
	max     [task.NumSources]int
}

// Update records the depth of one source queue.
func (q *QueueMetrics) Update(name task.SourceName, depth int) {
	if !name.Valid() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	i := name.Index()
	q.current[i] = depth
	if depth > q.max[i] {
		q.max[i] = depth
	}
}

// Depth returns the last recorded depth of a source queue.
func (q *QueueMetrics) Depth(name task.SourceName) int {
	if !name.Valid() {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current[name.Index()]
}

// MaxDepths returns the maximum observed depth of every source that has
// ever held a task.
func (q *QueueMetrics) MaxDepths() map[task.SourceName]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[task.SourceName]int)
	for _, name := range task.AllSources() {
		if v := q.max[name.Index()]; v != 0 {
			out[name] = v
		}
	}
	return out
}
