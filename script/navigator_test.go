package script

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-scriptthread/serviceworker"
)

func TestNavigator_ServiceWorkerLifecycle(t *testing.T) {
	workerReports := make(chan any, 16)
	var mu sync.Mutex
	var workers []*Global

	fetcher := serviceworker.ScriptFetcherFunc(func(_ context.Context, url string) ([]byte, error) {
		require.Equal(t, "https://a.test/app/sw.js", url)
		return []byte(`onmessage = e => report("worker:" + e.data);`), nil
	})
	m, err := serviceworker.New(
		serviceworker.WithScriptFetcher(fetcher),
		serviceworker.WithEvaluator(&WorkerEvaluator{
			OnGlobal: func(g *Global) {
				installReport(g, workerReports)
				mu.Lock()
				workers = append(workers, g)
				mu.Unlock()
			},
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, m.Close(ctx))
	})

	h := newHarness(t, WithServiceWorkers(m, "https://a.test/app/index.html"))
	h.run(t, `
		navigator.serviceWorker.register("sw.js").then(
			r => report(r.scope + "|" + r.active.state + "|" + r.active.scriptURL),
			e => report("rejected: " + e),
		);
	`)
	h.expect(t, "https://a.test/app/|activated|https://a.test/app/sw.js")

	mu.Lock()
	require.Len(t, workers, 1)
	assert.Equal(t, "service-worker", workers[0].Ref().Kind.String())
	mu.Unlock()

	scope := serviceworker.ScopeKey("https://a.test/app/")
	require.NoError(t, m.PostMessage(context.Background(), scope, "ping"))
	select {
	case got := <-workerReports:
		assert.Equal(t, "worker:ping", got)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not receive message")
	}

	h.run(t, `
		navigator.serviceWorker.getRegistration().then(r => report(r === undefined ? "none" : r.scope));
		navigator.serviceWorker.getRegistration("https://b.test/").then(r => report(r === undefined ? "none" : r.scope));
		report(navigator.serviceWorker.getRegistration() instanceof Promise);
	`)
	h.expect(t, true, "https://a.test/app/", "none")

	h.run(t, `
		navigator.serviceWorker.getRegistration()
			.then(r => r.unregister())
			.then(ok => report(ok));
	`)
	h.expect(t, true)

	h.run(t, `navigator.serviceWorker.unregister("/app/").then(ok => report(ok));`)
	h.expect(t, false)
}

func TestNavigator_RegisterRejects(t *testing.T) {
	m, err := serviceworker.New(serviceworker.WithScriptFetcher(serviceworker.ScriptFetcherFunc(
		func(context.Context, string) ([]byte, error) { return []byte(""), nil },
	)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	h := newHarness(t, WithServiceWorkers(m, "https://a.test/"))
	h.run(t, `
		navigator.serviceWorker.register("https://evil.test/sw.js", {scope: "/"})
			.then(() => report("resolved"), e => report("rejected"));
	`)
	h.expect(t, "rejected")
}
