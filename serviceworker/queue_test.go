package serviceworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-scriptthread/task"
)

func newTestQueue(scope ScopeKey, executor Executor) *JobQueue {
	return newJobQueue(context.Background(), scope, executor, nil, false, nil)
}

func job(kind JobKind, scope ScopeKey, script string, client Client) *Job {
	return &Job{ID: uuid.New(), Kind: kind, Scope: scope, ScriptURL: script, Client: client}
}

func TestParseScope(t *testing.T) {
	for _, tc := range []struct {
		in, want string
		err      bool
	}{
		{in: "https://Example.test/app/", want: "https://example.test/app/"},
		{in: "https://example.test", want: "https://example.test/"},
		{in: "https://example.test/a?q=1#x", want: "https://example.test/a"},
		{in: "/relative", err: true},
		{in: "::", err: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseScope(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ScopeKey(tc.want), got)
		})
	}

	s := ScopeKey("https://example.test/app/")
	assert.Equal(t, "https://example.test", s.Origin())
	assert.True(t, s.Matches("https://example.test/app/page.html"))
	assert.False(t, s.Matches("https://example.test/other/"))
}

func TestJob_Equivalent(t *testing.T) {
	scope := ScopeKey("https://a.test/")
	base := job(Register, scope, "https://a.test/sw.js", Client{})
	assert.True(t, base.equivalent(job(Register, scope, "https://a.test/sw.js", Client{})))
	assert.False(t, base.equivalent(job(Register, scope, "https://a.test/sw2.js", Client{})))
	assert.False(t, base.equivalent(job(Update, scope, "https://a.test/sw.js", Client{})))
	assert.True(t, job(Unregister, scope, "", Client{}).equivalent(job(Unregister, scope, "x", Client{})))
}

// Two register jobs submitted back to back: the second does not start until
// the first settles, and they settle in order.
func TestJobQueue_SerializesJobs(t *testing.T) {
	scope := ScopeKey("https://a.test/")
	exec := newGatedExecutor()
	q := newTestQueue(scope, exec)

	p1, err := q.Submit(job(Register, scope, "https://a.test/one.js", Client{}))
	require.NoError(t, err)
	p2, err := q.Submit(job(Register, scope, "https://a.test/two.js", Client{}))
	require.NoError(t, err)

	first := exec.next(t)
	assert.Equal(t, "https://a.test/one.js", first.ScriptURL)
	exec.idle(t)
	assert.Equal(t, []EntryState{EntryRunning, EntryPending}, q.States())
	assert.Equal(t, Pending, p2.State())

	exec.release <- Result{}
	waitPromise(t, p1)
	second := exec.next(t)
	assert.Equal(t, "https://a.test/two.js", second.ScriptURL)
	assert.Equal(t, Pending, p2.State())

	exec.release <- Result{Unregistered: true}
	r := waitPromise(t, p2)
	assert.True(t, r.Unregistered)
	assert.Zero(t, q.Len())
}

func TestJobQueue_ScopesIndependent(t *testing.T) {
	exec := newGatedExecutor()
	qa := newTestQueue("https://a.test/", exec)
	qb := newTestQueue("https://b.test/", exec)

	_, err := qa.Submit(job(Register, "https://a.test/", "https://a.test/sw.js", Client{}))
	require.NoError(t, err)
	_, err = qb.Submit(job(Register, "https://b.test/", "https://b.test/sw.js", Client{}))
	require.NoError(t, err)

	seen := map[ScopeKey]bool{}
	seen[exec.next(t).Scope] = true
	seen[exec.next(t).Scope] = true
	assert.Len(t, seen, 2)
	exec.release <- Result{}
	exec.release <- Result{}
}

func TestJobQueue_Coalesces(t *testing.T) {
	scope := ScopeKey("https://a.test/")
	exec := newGatedExecutor()
	q := newTestQueue(scope, exec)

	p1, err := q.Submit(job(Register, scope, "https://a.test/sw.js", Client{}))
	require.NoError(t, err)
	exec.next(t)
	p2, err := q.Submit(job(Register, scope, "https://a.test/sw.js", Client{}))
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())

	exec.release <- Result{Unregistered: true}
	assert.True(t, waitPromise(t, p1).Unregistered)
	assert.True(t, waitPromise(t, p2).Unregistered)
	exec.idle(t)
}

func TestJobQueue_FailureAdvances(t *testing.T) {
	scope := ScopeKey("https://a.test/")
	exec := newGatedExecutor()
	q := newTestQueue(scope, exec)

	p1, err := q.Submit(job(Update, scope, "", Client{}))
	require.NoError(t, err)
	p2, err := q.Submit(job(Unregister, scope, "", Client{}))
	require.NoError(t, err)

	exec.next(t)
	cause := errors.New("boom")
	exec.release <- Result{Err: cause}
	r := waitPromise(t, p1)
	assert.Equal(t, Rejected, p1.State())

	var failure *JobFailureError
	require.ErrorAs(t, r.Err, &failure)
	assert.Equal(t, Update, failure.Kind)
	assert.Equal(t, scope, failure.Scope)
	assert.ErrorIs(t, r.Err, cause)

	exec.next(t)
	exec.release <- Result{}
	waitPromise(t, p2)
	assert.Equal(t, Fulfilled, p2.State())
}

func TestJobQueue_DoubleCompletion(t *testing.T) {
	logger, rec := newTestLogger()
	scope := ScopeKey("https://a.test/")
	var calls int
	var mu sync.Mutex
	exec := ExecutorFunc(func(_ context.Context, _ *Job, done func(Result)) {
		mu.Lock()
		calls++
		mu.Unlock()
		done(Result{})
		done(Result{Err: errors.New("late")})
	})
	q := newJobQueue(context.Background(), scope, exec, logger, false, nil)

	p, err := q.Submit(job(Register, scope, "https://a.test/sw.js", Client{}))
	require.NoError(t, err)
	r := waitPromise(t, p)
	require.NoError(t, r.Err)

	require.Eventually(t, func() bool { return rec.count(logiface.LevelError) == 1 }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestJobQueue_StrictViolationPanics(t *testing.T) {
	q := newJobQueue(context.Background(), "https://a.test/", nil, nil, true, nil)
	assert.PanicsWithError(t, ErrQueueInvariant.Error(), func() {
		_ = q.violation(ErrQueueInvariant)
	})
}

func TestJobQueue_ExecutorPanicRejects(t *testing.T) {
	scope := ScopeKey("https://a.test/")
	q := newTestQueue(scope, ExecutorFunc(func(context.Context, *Job, func(Result)) {
		panic("bad executor")
	}))
	p, err := q.Submit(job(Register, scope, "https://a.test/sw.js", Client{}))
	require.NoError(t, err)
	r := waitPromise(t, p)
	assert.ErrorContains(t, r.Err, "bad executor")
}

func TestPromise_ThenRunsOnClientLoop(t *testing.T) {
	client, loop := newClient(t, 3)
	scope := ScopeKey("https://a.test/")
	exec := newGatedExecutor()
	q := newTestQueue(scope, exec)

	p, err := q.Submit(job(Register, scope, "https://a.test/sw.js", client))
	require.NoError(t, err)

	got := make(chan bool, 2)
	p.Then(func(Result) { got <- loop.IsLoopThread() })
	exec.next(t)
	exec.release <- Result{}
	waitPromise(t, p)
	p.Then(func(Result) { got <- loop.IsLoopThread() })

	for range 2 {
		select {
		case onLoop := <-got:
			assert.True(t, onLoop)
		case <-time.After(5 * time.Second):
			t.Fatal("callback did not run")
		}
	}
}

func TestPromise_SettledWhenClientGone(t *testing.T) {
	client, loop := newClient(t, 4)
	scope := ScopeKey("https://a.test/")
	exec := newGatedExecutor()
	q := newTestQueue(scope, exec)

	p, err := q.Submit(job(Register, scope, "https://a.test/sw.js", client))
	require.NoError(t, err)
	p.Then(func(Result) { t.Error("callback ran after teardown") })
	exec.next(t)

	loop.Teardown()
	exec.release <- Result{Unregistered: true}
	<-p.Done()
	require.Eventually(t, p.Undelivered, time.Second, time.Millisecond)
	assert.Equal(t, Fulfilled, p.State())
	r, ok := p.Result()
	assert.True(t, ok)
	assert.NoError(t, r.Err)
	assert.True(t, r.Unregistered)

	p.Then(func(Result) { t.Error("callback ran after teardown") })
	assert.True(t, p.Undelivered())
}

func TestJobQueue_Abandon(t *testing.T) {
	doc, _ := newClient(t, 5)
	other, _ := newClient(t, 6)
	scope := ScopeKey("https://a.test/")
	exec := newGatedExecutor()
	q := newTestQueue(scope, exec)

	running, err := q.Submit(job(Register, scope, "https://a.test/one.js", doc))
	require.NoError(t, err)
	exec.next(t)
	_, err = q.Submit(job(Register, scope, "https://a.test/two.js", doc))
	require.NoError(t, err)
	kept, err := q.Submit(job(Unregister, scope, "", other))
	require.NoError(t, err)
	require.Equal(t, 3, q.Len())

	assert.Equal(t, 2, q.Abandon(task.PipelineID(5)))
	assert.Equal(t, Abandoned, running.State())
	assert.Equal(t, []EntryState{EntryRunning, EntryPending}, q.States())

	exec.release <- Result{}
	exec.next(t)
	exec.release <- Result{}
	waitPromise(t, kept)
	assert.Equal(t, Fulfilled, kept.State())
}

func TestJobQueue_CloseRejectsPending(t *testing.T) {
	scope := ScopeKey("https://a.test/")
	exec := newGatedExecutor()
	q := newTestQueue(scope, exec)

	running, err := q.Submit(job(Register, scope, "https://a.test/one.js", Client{}))
	require.NoError(t, err)
	exec.next(t)
	pending, err := q.Submit(job(Unregister, scope, "", Client{}))
	require.NoError(t, err)

	q.close()
	assert.ErrorIs(t, waitPromise(t, pending).Err, ErrClosed)
	_, err = q.Submit(job(Update, scope, "", Client{}))
	assert.ErrorIs(t, err, ErrClosed)

	exec.release <- Result{}
	require.NoError(t, waitPromise(t, running).Err)
	exec.idle(t)
}
