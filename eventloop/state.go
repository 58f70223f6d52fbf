package eventloop

import (
	"sync/atomic"
)

// LoopState represents the current phase of a pipeline's event loop.
//
// State Machine:
//
//	StateAwake         → StateIdle          [Run()]
//	StateIdle          → StateSelecting     [wake]
//	StateSelecting     → StateRunning       [task dequeued]
//	StateSelecting     → StateIdle          [all sources empty]
//	StateSelecting     → StateCheckpointing [no task, microtasks pending]
//	StateRunning       → StateCheckpointing [task body returned]
//	StateCheckpointing → StateIdle          [microtasks drained]
//	(any)              → StateTornDown      [Teardown()]
//	StateTornDown      → (terminal)
//
// Transitions out of StateTornDown are never permitted, so every transition
// other than teardown uses TryTransition (CAS) and teardown uses Store.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateIdle indicates the loop is blocked, waiting for work.
	StateIdle
	// StateSelecting indicates the loop is choosing the next source.
	StateSelecting
	// StateRunning indicates a task body is executing.
	StateRunning
	// StateCheckpointing indicates the loop is draining microtasks.
	StateCheckpointing
	// StateTornDown indicates the pipeline is gone. Terminal.
	StateTornDown
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateIdle:
		return "Idle"
	case StateSelecting:
		return "Selecting"
	case StateRunning:
		return "Running"
	case StateCheckpointing:
		return "Checkpointing"
	case StateTornDown:
		return "TornDown"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding.
type FastState struct { // betteralign:ignore
	_ [64]byte      // Cache line padding (before value) //nolint:unused
	v atomic.Uint64 // State value
	_ [56]byte      // Pad to complete cache line (64 - 8 = 56) //nolint:unused
}

// NewFastState creates a new state machine in the Awake state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state atomically.
func (s *FastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state. Only used for StateTornDown.
func (s *FastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *FastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsTerminal returns true if the loop has been torn down.
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateTornDown
}

// IsActive returns true if the loop is between Run and teardown.
func (s *FastState) IsActive() bool {
	switch s.Load() {
	case StateIdle, StateSelecting, StateRunning, StateCheckpointing:
		return true
	default:
		return false
	}
}
