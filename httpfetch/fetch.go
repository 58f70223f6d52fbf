// Package httpfetch is the network collaborator: it performs HTTP requests
// and reports their progress as netlistener event streams.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-scriptthread/netlistener"
)

const (
	// DefaultChunkSize is the largest body slice carried by one Chunk event.
	DefaultChunkSize = 32 << 10

	// DefaultMaxScriptSize bounds FetchScript responses.
	DefaultMaxScriptSize = 4 << 20
)

// ErrScriptTooLarge is returned by FetchScript for oversized scripts.
var ErrScriptTooLarge = errors.New("httpfetch: script exceeds size limit")

// StatusError reports a non-2xx script response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpfetch: %s: unexpected status %d", e.URL, e.Status)
}

// Option configures a [Fetcher].
type Option func(*Fetcher)

// WithClient sets the HTTP client. Defaults to http.DefaultClient.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithLogger sets the structured logger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// WithChunkSize sets the maximum Chunk size. Values below one are ignored.
func WithChunkSize(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.chunkSize = n
		}
	}
}

// WithMaxScriptSize bounds FetchScript. Values below one are ignored.
func WithMaxScriptSize(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxScript = n
		}
	}
}

// WithUserAgent sets the User-Agent of every request.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// Fetcher performs fetches over HTTP.
type Fetcher struct {
	client    *http.Client
	logger    *logiface.Logger[logiface.Event]
	userAgent string
	maxScript int64
	chunkSize int
}

// New returns a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    http.DefaultClient,
		chunkSize: DefaultChunkSize,
		maxScript: DefaultMaxScriptSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Fetch performs req, streaming its events. The channel is unbuffered, so a
// slow consumer slows the body read, and it is closed after the terminal
// event. Cancelling ctx aborts the request with an Errored event, if the
// consumer is still receiving.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) <-chan netlistener.Event {
	events := make(chan netlistener.Event)
	go func() {
		defer close(events)
		f.stream(ctx, req, events)
	}()
	return events
}

func (f *Fetcher) stream(ctx context.Context, req *http.Request, events chan<- netlistener.Event) {
	send := func(ev netlistener.Event) bool {
		select {
		case <-ctx.Done():
			return false
		case events <- ev:
			return true
		}
	}
	fail := func(err error) {
		f.logger.Debug().Str("url", req.URL.String()).Err(err).Log("httpfetch: fetch failed")
		send(netlistener.Event{Kind: netlistener.Errored, Err: err})
	}

	req = req.WithContext(ctx)
	if f.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		fail(err)
		return
	}
	defer resp.Body.Close()

	meta := &netlistener.Metadata{
		Header:     resp.Header.Clone(),
		URL:        resp.Request.URL.String(),
		StatusText: http.StatusText(resp.StatusCode),
		Status:     resp.StatusCode,
	}
	if !send(netlistener.Event{Kind: netlistener.MetadataReceived, Metadata: meta}) {
		return
	}

	buf := make([]byte, f.chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !send(netlistener.Event{Kind: netlistener.Chunk, Data: data}) {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			send(netlistener.Event{Kind: netlistener.Done})
			return
		}
		if err != nil {
			fail(err)
			return
		}
	}
}

// FetchScript GETs a worker script, implementing the serviceworker
// ScriptFetcher collaborator.
func (f *Fetcher) FetchScript(ctx context.Context, scriptURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scriptURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Service-Worker", "script")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: scriptURL, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxScript+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.maxScript {
		return nil, ErrScriptTooLarge
	}
	f.logger.Debug().
		Str("url", scriptURL).
		Int("bytes", len(body)).
		Log("httpfetch: fetched script")
	return body, nil
}
