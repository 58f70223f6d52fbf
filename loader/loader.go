// Package loader tracks the resource loads that block a document's load
// event, and signals when the last of them completes.
package loader

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-scriptthread/task"
)

// LoadType is the kind of resource a blocking load fetches.
type LoadType uint8

const (
	// Anonymous loads are those added via [Document.Add].
	Anonymous LoadType = iota
	Image
	Script
	Stylesheet
	Subframe
	PageSource
	Media
)

func (t LoadType) String() string {
	switch t {
	case Anonymous:
		return "anonymous"
	case Image:
		return "image"
	case Script:
		return "script"
	case Stylesheet:
		return "stylesheet"
	case Subframe:
		return "subframe"
	case PageSource:
		return "page-source"
	case Media:
		return "media"
	default:
		return fmt.Sprintf("LoadType(%d)", uint8(t))
	}
}

// Load describes one outstanding blocking load.
type Load struct {
	URL  string
	Type LoadType
}

// LoadID identifies a load added via [Document.AddBlockingLoad].
type LoadID uint64

var (
	// ErrNegativeCount is returned when a removal would take the counter
	// below zero. The counter is left unchanged.
	ErrNegativeCount = errors.New("loader: blocking load count would go negative")

	// ErrUnknownLoad is returned when removing a LoadID that is not
	// outstanding.
	ErrUnknownLoad = errors.New("loader: unknown load")
)

// Document is the load blocker of one document. Safe for concurrent use.
type Document struct {
	logger     *logiface.Logger[logiface.Event]
	onComplete func()
	source     task.Source

	mu          sync.Mutex
	loads       map[LoadID]Load
	count       int
	nextID      LoadID
	completions int
	inhibited   bool
	strict      bool
}

// Option configures a Document.
type Option func(d *Document)

// WithLogger sets the structured logger. Nil disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(d *Document) { d.logger = logger }
}

// WithStrictAssertions makes contract violations, such as removing more
// loads than were added, panic rather than being logged and ignored.
func WithStrictAssertions(strict bool) Option {
	return func(d *Document) { d.strict = strict }
}

// New returns a Document with no outstanding loads. Each time the number of
// outstanding loads falls to zero, one task running onComplete is queued on
// src (conventionally the DOMManipulation source of the document's global).
func New(src task.Source, onComplete func(), opts ...Option) *Document {
	d := &Document{
		onComplete: onComplete,
		source:     src,
		loads:      make(map[LoadID]Load),
		nextID:     1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Add increments the counter for an untracked load.
func (d *Document) Add() {
	d.mu.Lock()
	d.count++
	d.mu.Unlock()
}

// Remove decrements the counter for an untracked load, queueing the
// completion task if it reaches zero.
func (d *Document) Remove() error {
	d.mu.Lock()
	if d.count-len(d.loads) <= 0 {
		d.mu.Unlock()
		return d.violation(ErrNegativeCount)
	}
	d.count--
	fire := d.count == 0 && !d.inhibited
	d.mu.Unlock()
	if fire {
		d.queueCompletion()
	}
	return nil
}

// AddBlockingLoad registers an outstanding load.
func (d *Document) AddBlockingLoad(load Load) LoadID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.loads[id] = load
	d.count++
	return id
}

// RemoveBlockingLoad marks a load finished, queueing the completion task if
// it was the last one outstanding.
func (d *Document) RemoveBlockingLoad(id LoadID) error {
	d.mu.Lock()
	load, ok := d.loads[id]
	if !ok {
		d.mu.Unlock()
		return d.violation(ErrUnknownLoad)
	}
	delete(d.loads, id)
	d.count--
	fire := d.count == 0 && !d.inhibited
	d.mu.Unlock()

	d.logger.Trace().
		Stringer("type", load.Type).
		Str("url", load.URL).
		Log("blocking load finished")

	if fire {
		d.queueCompletion()
	}
	return nil
}

// InhibitEvents suppresses further completion signals, e.g. once the
// document has started unloading. Counting continues.
func (d *Document) InhibitEvents() {
	d.mu.Lock()
	d.inhibited = true
	d.mu.Unlock()
}

// IsBlocked reports whether any load is outstanding.
func (d *Document) IsBlocked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count != 0
}

// Count returns the number of outstanding loads.
func (d *Document) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Outstanding returns the tracked loads still blocking, ordered by ID.
func (d *Document) Outstanding() []Load {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]LoadID, 0, len(d.loads))
	for id := range d.loads {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Load, len(ids))
	for i, id := range ids {
		out[i] = d.loads[id]
	}
	return out
}

// Completions returns how many completion tasks have been queued.
func (d *Document) Completions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completions
}

func (d *Document) queueCompletion() {
	d.mu.Lock()
	d.completions++
	d.mu.Unlock()

	if d.onComplete == nil {
		return
	}
	if err := d.source.QueueFunc(d.onComplete); err != nil {
		d.logger.Debug().Err(err).Log("dropping loads complete signal")
	}
}

func (d *Document) violation(err error) error {
	if d.strict {
		panic(err)
	}
	d.logger.Warning().Err(err).Log("blocking load contract violated")
	return err
}
