// Package timers implements the timer scheduler backing setTimeout and
// setInterval: a deadline-ordered set of pending timers, a background
// waiter, and the clamping policy for short and deeply nested timers.
//
// Due timers are never run directly. They are converted into tasks on the
// [task.Source] they were armed with, so they interleave with all other work
// on the owning event loop.
package timers

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-scriptthread/task"
)

// Handle identifies a timer. Handles are positive, unique per Scheduler,
// and stay within the range of integers exactly representable by script.
type Handle int64

// maxHandle is 2^53 - 1.
const maxHandle Handle = 1<<53 - 1

var (
	// ErrClosed is returned when arming a timer on a closed Scheduler.
	ErrClosed = errors.New("timers: scheduler closed")

	// ErrNilCallback is returned when arming a timer without a callback.
	ErrNilCallback = errors.New("timers: nil callback")

	// ErrHandlesExhausted is returned once every handle has been issued.
	ErrHandlesExhausted = errors.New("timers: handle space exhausted")
)

// Scheduler owns the pending timers of one global.
type Scheduler struct {
	logger *logiface.Logger[logiface.Event]
	policy Policy

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	mu          sync.Mutex
	pending     timerHeap
	byHandle    map[Handle]*timer
	suspendedAt time.Time
	nextHandle  Handle
	nextSeq     uint64
	suspended   bool
	closed      bool

	closeOnce sync.Once
	// nesting is the level of the timer task currently running, zero when
	// no timer task is running
	nesting atomic.Int64
}

// Option configures a Scheduler.
type Option interface {
	applyScheduler(*Scheduler) error
}

type optionImpl struct {
	applyFunc func(*Scheduler) error
}

func (o *optionImpl) applyScheduler(s *Scheduler) error { return o.applyFunc(s) }

// WithPolicy overrides [DefaultPolicy].
func WithPolicy(policy Policy) Option {
	return &optionImpl{func(s *Scheduler) error {
		if err := policy.Validate(); err != nil {
			return err
		}
		s.policy = policy
		return nil
	}}
}

// WithLogger sets the structured logger. Nil disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(s *Scheduler) error {
		s.logger = logger
		return nil
	}}
}

// New starts a Scheduler and its waiter goroutine. Call Close to stop it.
func New(opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		policy:     DefaultPolicy(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		byHandle:   make(map[Handle]*timer),
		nextHandle: 1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(s); err != nil {
			return nil, err
		}
	}
	s.wg.Add(1)
	go s.waiter()
	return s, nil
}

// Policy returns the clamping policy in effect.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// SetTimeout arms a one-shot timer firing no earlier than delay from now.
func (s *Scheduler) SetTimeout(src task.Source, delay time.Duration, callback func()) (Handle, error) {
	return s.arm(src, delay, false, callback)
}

// SetInterval arms a repeating timer with the given period.
func (s *Scheduler) SetInterval(src task.Source, period time.Duration, callback func()) (Handle, error) {
	return s.arm(src, period, true, callback)
}

// SetTimer arms a one-shot or repeating timer, as the script timer
// functions do.
func (s *Scheduler) SetTimer(src task.Source, delay time.Duration, repeating bool, callback func()) (Handle, error) {
	return s.arm(src, delay, repeating, callback)
}

// Schedule arms a timer due at deadline. A positive interval makes it
// repeat with that period. Clamping may move the deadline later, never
// earlier.
func (s *Scheduler) Schedule(deadline time.Time, interval time.Duration, src task.Source, callback func()) (Handle, error) {
	if interval > 0 {
		return s.armAt(src, deadline, interval, true, callback)
	}
	return s.armAt(src, deadline, 0, false, callback)
}

func (s *Scheduler) arm(src task.Source, delay time.Duration, repeat bool, callback func()) (Handle, error) {
	now := time.Now()
	var interval time.Duration
	if repeat {
		interval = delay
	}
	return s.armAt(src, now.Add(delay), interval, repeat, callback)
}

func (s *Scheduler) armAt(src task.Source, deadline time.Time, interval time.Duration, repeat bool, callback func()) (Handle, error) {
	if callback == nil {
		return 0, ErrNilCallback
	}
	now := time.Now()
	current := int(s.nesting.Load())

	requested := max(deadline.Sub(now), 0)
	if repeat {
		interval = s.policy.clamp(interval, current, true)
	}
	delay := s.policy.clamp(requested, current, repeat)
	at := now.Add(delay)
	if delay == requested && deadline.After(now) {
		at = deadline
	}
	if delay != requested {
		s.logger.Trace().
			Dur("requested", requested).
			Dur("clamped", delay).
			Int("nesting", current).
			Log("timer delay clamped")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.nextHandle > maxHandle {
		return 0, ErrHandlesExhausted
	}
	t := &timer{
		deadline:  at,
		source:    src,
		callback:  callback,
		canceller: task.NewCanceller(),
		interval:  interval,
		id:        s.nextHandle,
		seq:       s.nextSeq,
		level:     current + 1,
		repeat:    repeat,
	}
	s.nextHandle++
	s.nextSeq++
	s.byHandle[t.id] = t
	heap.Push(&s.pending, t)
	if t.index == 0 {
		s.signal()
	}
	return t.id, nil
}

// Cancel disarms a timer. If the timer has already been converted into a
// queued task, that task is cancelled instead. Cancelling an unknown, fired
// or already cancelled handle is a no-op.
func (s *Scheduler) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byHandle[h]
	if !ok {
		return
	}
	delete(s.byHandle, h)
	if t.index >= 0 {
		heap.Remove(&s.pending, t.index)
	}
	t.canceller.Cancel()
}

// ClearTimer is Cancel, named for the script timer functions.
func (s *Scheduler) ClearTimer(h Handle) {
	s.Cancel(h)
}

// Active reports whether h refers to a timer that may still run.
func (s *Scheduler) Active(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byHandle[h]
	return ok
}

// Len returns the number of timers that may still run, including those
// already queued as tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHandle)
}

// Nesting returns the nesting level of the timer task currently running,
// zero if none is.
func (s *Scheduler) Nesting() int {
	return int(s.nesting.Load())
}

// Suspend stops timers from firing, e.g. while the document is frozen.
// Time spent suspended does not count towards any deadline.
func (s *Scheduler) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended || s.closed {
		return
	}
	s.suspended = true
	s.suspendedAt = time.Now()
}

// Resume undoes Suspend, shifting every pending deadline by the time spent
// suspended.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		return
	}
	s.suspended = false
	shift := time.Since(s.suspendedAt)
	for _, t := range s.pending {
		t.deadline = t.deadline.Add(shift)
	}
	s.signal()
}

// Close cancels every timer and stops the waiter goroutine. Idempotent.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		n := len(s.byHandle)
		for h, t := range s.byHandle {
			t.canceller.Cancel()
			delete(s.byHandle, h)
		}
		clear(s.pending)
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
		s.logger.Debug().Int("cancelled", n).Log("timer scheduler closed")
	})
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// waiter sleeps until the earliest deadline, then queues every due timer.
func (s *Scheduler) waiter() {
	defer s.wg.Done()
	wait := time.NewTimer(time.Hour)
	defer wait.Stop()
	for {
		due, next, ok := s.collectDue()
		if !ok {
			return
		}
		for _, t := range due {
			s.fire(t)
		}
		if next < 0 {
			wait.Stop()
		} else {
			wait.Reset(next)
		}
		select {
		case <-s.wake:
		case <-wait.C:
		case <-s.done:
			return
		}
	}
}

// collectDue removes due timers from the heap in deadline order. It
// returns the time until the next deadline, -1 if there is none.
func (s *Scheduler) collectDue() (due []*timer, next time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, false
	}
	if s.suspended {
		return nil, -1, true
	}
	now := time.Now()
	for len(s.pending) != 0 && !s.pending[0].deadline.After(now) {
		due = append(due, heap.Pop(&s.pending).(*timer))
	}
	if len(s.pending) == 0 {
		return due, -1, true
	}
	return due, s.pending[0].deadline.Sub(now), true
}

func (s *Scheduler) fire(t *timer) {
	err := t.source.Queue(task.Task{
		Run:       func() { s.run(t) },
		OnDiscard: func() { s.forget(t) },
		Canceller: t.canceller,
	})
	if err != nil {
		s.forget(t)
		if !errors.Is(err, task.ErrPipelineGone) {
			s.logger.Err().Err(err).Int64("timer", int64(t.id)).Log("failed to queue timer task")
		}
	}
}

// forget removes a timer that will not run again.
func (s *Scheduler) forget(t *timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byHandle[t.id] == t {
		delete(s.byHandle, t.id)
	}
	t.canceller.Cancel()
}

// run executes a timer's callback on the event loop.
func (s *Scheduler) run(t *timer) {
	if !t.repeat {
		s.forget(t)
	}

	prev := s.nesting.Swap(int64(t.level))
	defer s.nesting.Store(prev)

	t.callback()

	if t.repeat {
		s.rearm(t)
	}
}

func (s *Scheduler) rearm(t *timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || t.canceller.Cancelled() || s.byHandle[t.id] != t {
		return
	}
	period := s.policy.clamp(t.interval, t.level, true)
	t.deadline = time.Now().Add(period)
	t.level++
	t.seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.pending, t)
	if t.index == 0 {
		s.signal()
	}
}

func (h Handle) String() string {
	return fmt.Sprintf("timer-%d", int64(h))
}
