package script

import (
	"errors"

	"github.com/dop251/goja"
)

var (
	// ErrRootReleased is the panic value on use of a Root after its Scope
	// has exited.
	ErrRootReleased = errors.New("script: rooted handle used after release")

	// ErrNoScope is returned when rooting is attempted outside a task.
	ErrNoScope = errors.New("script: no active task scope")
)

// Scope is the rooting scope of one task, including its microtask
// checkpoint. Every Root created in it is released when the task returns.
type Scope struct {
	roots    []*Root
	released bool
}

// Root keeps value reachable until its Scope exits.
type Root struct {
	value    goja.Value
	released bool
}

// Root roots v for the remainder of the task.
func (s *Scope) Root(v goja.Value) *Root {
	if s.released {
		panic(ErrRootReleased)
	}
	r := &Root{value: v}
	s.roots = append(s.roots, r)
	return r
}

// Len returns the number of live roots.
func (s *Scope) Len() int {
	return len(s.roots)
}

// Released reports whether the task owning the scope has returned.
func (s *Scope) Released() bool {
	return s.released
}

func (s *Scope) release() {
	for _, r := range s.roots {
		r.released = true
		r.value = nil
	}
	clear(s.roots)
	s.roots = nil
	s.released = true
}

// Value returns the rooted value. It panics with ErrRootReleased once the
// owning scope has exited.
func (r *Root) Value() goja.Value {
	if r.released {
		panic(ErrRootReleased)
	}
	return r.value
}

// Released reports whether the root may no longer be used.
func (r *Root) Released() bool {
	return r.released
}
