package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-scriptthread/task"
)

func TestLoop_FIFOWithinSource(t *testing.T) {
	loop, err := New(1)
	require.NoError(t, err)
	src := loop.Source(task.Timer, window(1))

	var got []int
	for i := range 300 {
		require.NoError(t, src.QueueFunc(func() { got = append(got, i) }))
	}
	require.NoError(t, loop.RunUntilIdle(context.Background()))

	require.Len(t, got, 300)
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d: got %d", i, v)
		}
	}
}

// Timer prioritized below networking: A(timer), B(network), C(timer) must
// run B, A, C.
func TestLoop_CrossSourcePriority(t *testing.T) {
	loop, err := New(1, WithPolicy(MustPolicy(
		[]task.SourceName{task.Networking},
		[]task.SourceName{task.Timer},
	)))
	require.NoError(t, err)

	var order []string
	timers := loop.Source(task.Timer, window(1))
	network := loop.Source(task.Networking, window(1))
	require.NoError(t, timers.QueueFunc(func() { order = append(order, "A") }))
	require.NoError(t, network.QueueFunc(func() { order = append(order, "B") }))
	require.NoError(t, timers.QueueFunc(func() { order = append(order, "C") }))

	require.NoError(t, loop.RunUntilIdle(context.Background()))
	assert.Equal(t, []string{"B", "A", "C"}, order)
}

func TestLoop_DefaultPolicy(t *testing.T) {
	loop, err := New(1)
	require.NoError(t, err)

	var order []string
	queue := func(name task.SourceName, label string) {
		require.NoError(t, loop.Source(name, window(1)).QueueFunc(func() { order = append(order, label) }))
	}
	queue(task.Idle, "idle")
	queue(task.Timer, "t1")
	queue(task.Timer, "t2")
	queue(task.Networking, "n1")
	queue(task.Networking, "n2")
	queue(task.UserInteraction, "ui")

	require.NoError(t, loop.RunUntilIdle(context.Background()))
	// networking precedes timer in declaration order, and the middle tier
	// alternates between its non-empty sources
	assert.Equal(t, []string{"ui", "n1", "t1", "n2", "t2", "idle"}, order)
}

// M1 enqueued by T enqueues M2; both must run before the next task.
func TestLoop_MicrotasksDrainBetweenTasks(t *testing.T) {
	loop, err := New(1)
	require.NoError(t, err)
	src := loop.Source(task.DOMManipulation, window(1))

	var order []string
	require.NoError(t, src.QueueFunc(func() {
		order = append(order, "T")
		require.NoError(t, loop.QueueMicrotask(func() {
			order = append(order, "M1")
			require.NoError(t, loop.QueueMicrotask(func() {
				order = append(order, "M2")
			}))
		}))
	}))
	require.NoError(t, src.QueueFunc(func() { order = append(order, "T2") }))

	require.NoError(t, loop.RunUntilIdle(context.Background()))
	assert.Equal(t, []string{"T", "M1", "M2", "T2"}, order)
}

func TestLoop_CancelledTaskSkipped(t *testing.T) {
	loop, err := New(1, WithMetrics(true))
	require.NoError(t, err)
	src := loop.Source(task.Timer, window(1))

	c := task.NewCanceller()
	var ran, discarded bool
	require.NoError(t, src.Queue(task.Task{
		Run:       func() { ran = true },
		OnDiscard: func() { discarded = true },
		Canceller: c,
	}))
	c.Cancel()

	require.NoError(t, loop.RunUntilIdle(context.Background()))
	assert.False(t, ran)
	assert.True(t, discarded)
	assert.Equal(t, uint64(1), loop.Metrics().Snapshot().Cancelled)
}

func TestLoop_Teardown(t *testing.T) {
	loop, err := New(7, WithMetrics(true))
	require.NoError(t, err)
	src := loop.Source(task.Networking, window(7))

	var discarded atomic.Int32
	for range 3 {
		require.NoError(t, src.Queue(task.Task{
			Run:       func() { t.Error("must not run") },
			OnDiscard: func() { discarded.Add(1) },
		}))
	}
	require.NoError(t, loop.QueueMicrotask(func() { t.Error("must not run") }))

	var hooks int
	loop.OnTeardown(func() { hooks++ })

	loop.Teardown()
	loop.Teardown()

	assert.Equal(t, int32(3), discarded.Load())
	assert.Equal(t, 1, hooks)
	assert.Equal(t, StateTornDown, loop.State())
	assert.True(t, loop.IsTornDown())
	assert.True(t, src.IsTornDown())
	assert.Zero(t, loop.Len())
	assert.Equal(t, uint64(3), loop.Metrics().Snapshot().Discarded)

	err = src.QueueFunc(func() {})
	assert.True(t, errors.Is(err, task.ErrPipelineGone), "got %v", err)
	assert.ErrorIs(t, loop.QueueMicrotask(func() {}), task.ErrPipelineGone)
	assert.ErrorIs(t, loop.Run(context.Background()), task.ErrPipelineGone)

	// late hooks run immediately
	loop.OnTeardown(func() { hooks++ })
	assert.Equal(t, 2, hooks)

	select {
	case <-loop.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestLoop_TeardownFromTask(t *testing.T) {
	loop, err := New(1)
	require.NoError(t, err)
	src := loop.Source(task.DOMManipulation, window(1))

	var after bool
	require.NoError(t, src.QueueFunc(func() {
		loop.Teardown()
		require.NoError(t, loop.Shutdown(context.Background()))
	}))
	require.NoError(t, src.QueueFunc(func() { after = true }))

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, after)
}

func TestLoop_RunBlocksUntilWork(t *testing.T) {
	loop, err := New(1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	ran := make(chan struct{})
	src := loop.Source(task.PortMessage, window(1))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, src.QueueFunc(func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func TestLoop_MicrotaskWakesIdleLoop(t *testing.T) {
	g := &countingGlobal{}
	loop, err := New(1, WithGlobal(g))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	require.Eventually(t, func() bool { return loop.State() == StateIdle }, 5*time.Second, time.Millisecond)

	ran := make(chan bool, 2)
	require.NoError(t, loop.QueueMicrotask(func() {
		ran <- g.isActive()
		_ = loop.QueueMicrotask(func() { ran <- true })
	}))

	for range 2 {
		select {
		case active := <-ran:
			assert.True(t, active)
		case <-time.After(5 * time.Second):
			t.Fatal("microtask never ran")
		}
	}
	assert.Zero(t, loop.Microtasks().Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func TestLoop_RunUntilIdleDrainsMicrotasks(t *testing.T) {
	loop, err := New(1)
	require.NoError(t, err)

	var ran bool
	require.NoError(t, loop.QueueMicrotask(func() { ran = true }))
	require.NoError(t, loop.RunUntilIdle(context.Background()))
	assert.True(t, ran)
}

func TestLoop_RunContextCancelTearsDown(t *testing.T) {
	loop, err := New(1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, loop.IsTornDown())
}

func TestLoop_RunAlreadyRunning(t *testing.T) {
	loop, err := New(1)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, loop.Source(task.Timer, window(1)).QueueFunc(func() {
		close(started)
		<-release
	}))

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	<-started

	assert.ErrorIs(t, loop.RunUntilIdle(context.Background()), ErrLoopAlreadyRunning)
	close(release)

	require.NoError(t, loop.Shutdown(context.Background()))
	assert.NoError(t, <-done)
}

func TestLoop_ReentrantRun(t *testing.T) {
	loop, err := New(1)
	require.NoError(t, err)

	var reentrant error
	require.NoError(t, loop.Source(task.Timer, window(1)).QueueFunc(func() {
		assert.True(t, loop.IsLoopThread())
		reentrant = loop.Run(context.Background())
	}))
	require.NoError(t, loop.RunUntilIdle(context.Background()))
	assert.ErrorIs(t, reentrant, ErrReentrantRun)
	assert.False(t, loop.IsLoopThread())
}

func TestLoop_PanicIsolatedAndRateLimited(t *testing.T) {
	logger, rec := newTestLogger()
	loop, err := New(3,
		WithLogger(logger),
		WithMetrics(true),
		WithPanicLogRates(map[time.Duration]int{time.Hour: 1}),
	)
	require.NoError(t, err)
	src := loop.Source(task.Timer, window(3))

	var ran []int
	for i := range 3 {
		require.NoError(t, src.QueueFunc(func() {
			ran = append(ran, i)
			panic(errors.New("boom"))
		}))
	}
	require.NoError(t, loop.RunUntilIdle(context.Background()))

	assert.Equal(t, []int{0, 1, 2}, ran)
	assert.Equal(t, uint64(3), loop.Metrics().Snapshot().Panicked)
	assert.Equal(t, 1, rec.count(logiface.LevelError))
}

func TestLoop_MicrotaskPanicIsolated(t *testing.T) {
	logger, rec := newTestLogger()
	loop, err := New(1, WithLogger(logger), WithPanicLogRates(nil))
	require.NoError(t, err)

	var after bool
	require.NoError(t, loop.Source(task.Timer, window(1)).QueueFunc(func() {
		_ = loop.QueueMicrotask(func() { panic("micro") })
		_ = loop.QueueMicrotask(func() { after = true })
	}))
	require.NoError(t, loop.RunUntilIdle(context.Background()))
	assert.True(t, after)
	assert.Equal(t, 1, rec.count(logiface.LevelError))
}

func TestLoop_GlobalEnteredAroundTaskAndCheckpoint(t *testing.T) {
	g := &countingGlobal{}
	loop, err := New(1, WithGlobal(g))
	require.NoError(t, err)

	var inTask, inMicrotask bool
	require.NoError(t, loop.Source(task.Timer, window(1)).QueueFunc(func() {
		inTask = g.isActive()
		_ = loop.QueueMicrotask(func() { inMicrotask = g.isActive() })
	}))
	require.NoError(t, loop.RunUntilIdle(context.Background()))

	assert.True(t, inTask)
	assert.True(t, inMicrotask)
	assert.False(t, g.isActive())
	assert.Equal(t, 1, g.entered)
	assert.Equal(t, 1, g.exited)

	other := &countingGlobal{}
	loop.SetGlobal(other)
	require.NoError(t, loop.Source(task.Timer, window(1)).QueueFunc(func() {}))
	require.NoError(t, loop.RunUntilIdle(context.Background()))
	assert.Equal(t, 1, other.entered)
}

func TestLoop_ConcurrentProducers(t *testing.T) {
	loop, err := New(1)
	require.NoError(t, err)

	const producers, each = 8, 250
	var count atomic.Int64
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		name := task.AllSources()[p%task.NumSources]
		src := loop.Source(name, window(1))
		go func() {
			defer wg.Done()
			for range each {
				if err := src.QueueFunc(func() { count.Add(1) }); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	wg.Wait()

	require.Eventually(t, func() bool { return count.Load() == producers*each }, 5*time.Second, time.Millisecond)
	require.NoError(t, loop.Shutdown(context.Background()))
	assert.NoError(t, <-done)
}

func TestLoop_InvalidTasks(t *testing.T) {
	loop, err := New(1)
	require.NoError(t, err)
	assert.ErrorIs(t, loop.EnqueueTask(task.Task{Source: task.Timer}), task.ErrNilRun)

	var discarded bool
	err = loop.EnqueueTask(task.Task{Run: func() {}, OnDiscard: func() { discarded = true }})
	assert.ErrorIs(t, err, task.ErrInvalidSource)
	assert.True(t, discarded)
	assert.Zero(t, loop.QueueLen(0))
}

func TestLoop_QueueLen(t *testing.T) {
	loop, err := New(1)
	require.NoError(t, err)
	for range 4 {
		require.NoError(t, loop.Source(task.Websocket, window(1)).QueueFunc(func() {}))
	}
	assert.Equal(t, 4, loop.QueueLen(task.Websocket))
	assert.Equal(t, 4, loop.Len())
	require.NoError(t, loop.RunUntilIdle(context.Background()))
	assert.Zero(t, loop.Len())
	assert.Equal(t, StateIdle, loop.State())
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(1, WithPolicy(nil))
	assert.Error(t, err)

	_, err = New(1, WithPanicLogRates(map[time.Duration]int{time.Second: 10, time.Minute: 5}))
	assert.Error(t, err)

	loop, err := New(1, nil)
	require.NoError(t, err)
	assert.Nil(t, loop.Metrics())
	assert.Equal(t, task.PipelineID(1), loop.Pipeline())
	assert.Nil(t, loop.Logger())
}
