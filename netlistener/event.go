package netlistener

import (
	"errors"
	"fmt"
	"net/http"
)

// EventKind discriminates the events of a fetch.
type EventKind uint8

const (
	// MetadataReceived carries the response status and headers.
	MetadataReceived EventKind = iota + 1
	// Chunk carries a slice of the response body.
	Chunk
	// Done marks successful completion. Terminal.
	Done
	// Errored marks failure. Terminal.
	Errored
)

func (k EventKind) String() string {
	switch k {
	case MetadataReceived:
		return "metadata"
	case Chunk:
		return "chunk"
	case Done:
		return "done"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Terminal reports whether no event may follow one of this kind.
func (k EventKind) Terminal() bool {
	return k == Done || k == Errored
}

// Metadata describes a response, before its body.
type Metadata struct {
	Header     http.Header
	URL        string
	StatusText string
	Status     int
}

// Event is one step of a fetch, as produced by the network collaborator.
type Event struct {
	Metadata *Metadata
	Err      error
	Data     []byte
	Kind     EventKind
}

// ErrStreamClosed is reported when an event stream closes without a
// terminal event.
var ErrStreamClosed = errors.New("netlistener: event stream closed before completion")

// Handler receives the events of one fetch, on the event loop goroutine,
// in order. ProcessEOF is called at most once, and nothing follows it.
type Handler interface {
	ProcessResponse(meta Metadata)
	ProcessChunk(data []byte)
	// ProcessEOF receives nil on success.
	ProcessEOF(err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Response func(meta Metadata)
	Chunk    func(data []byte)
	EOF      func(err error)
}

func (h HandlerFuncs) ProcessResponse(meta Metadata) {
	if h.Response != nil {
		h.Response(meta)
	}
}

func (h HandlerFuncs) ProcessChunk(data []byte) {
	if h.Chunk != nil {
		h.Chunk(data)
	}
}

func (h HandlerFuncs) ProcessEOF(err error) {
	if h.EOF != nil {
		h.EOF(err)
	}
}
