package eventloop

import (
	"fmt"
	"slices"

	"github.com/joeycumines/go-scriptthread/task"
)

// Policy decides which task source the loop services next. Sources are
// grouped into tiers: a tier is only consulted when every tier above it is
// empty. Within a tier, non-empty sources are visited round-robin. Within a
// source, tasks are always FIFO.
//
// A Policy is immutable and may be shared between loops.
type Policy struct {
	tiers [][]task.SourceName
	// starvationLimit, when positive, bounds how many consecutive selections
	// may be made from a tier while a lower tier has work waiting.
	starvationLimit int
}

// NewPolicy builds a policy from tiers, highest priority first. Every
// source name not listed is placed in an implicit lowest tier. A name may
// appear at most once.
func NewPolicy(tiers ...[]task.SourceName) (*Policy, error) {
	var seen [task.NumSources]bool
	p := &Policy{}
	for _, tier := range tiers {
		if len(tier) == 0 {
			continue
		}
		out := make([]task.SourceName, 0, len(tier))
		for _, name := range tier {
			if !name.Valid() {
				return nil, fmt.Errorf("eventloop: policy: %w: %s", task.ErrInvalidSource, name)
			}
			if seen[name.Index()] {
				return nil, fmt.Errorf("eventloop: policy: source %s listed more than once", name)
			}
			seen[name.Index()] = true
			out = append(out, name)
		}
		p.tiers = append(p.tiers, out)
	}
	var rest []task.SourceName
	for _, name := range task.AllSources() {
		if !seen[name.Index()] {
			rest = append(rest, name)
		}
	}
	if len(rest) != 0 {
		p.tiers = append(p.tiers, rest)
	}
	return p, nil
}

// MustPolicy is like NewPolicy but panics on error.
func MustPolicy(tiers ...[]task.SourceName) *Policy {
	p, err := NewPolicy(tiers...)
	if err != nil {
		panic(err)
	}
	return p
}

// DefaultPolicy polls user interaction and history traversal first, idle
// work last, and everything else in between.
func DefaultPolicy() *Policy {
	var middle []task.SourceName
	for _, name := range task.AllSources() {
		switch name {
		case task.UserInteraction, task.HistoryTraversal, task.Idle:
		default:
			middle = append(middle, name)
		}
	}
	return MustPolicy(
		[]task.SourceName{task.UserInteraction, task.HistoryTraversal},
		middle,
		[]task.SourceName{task.Idle},
	)
}

// WithStarvationLimit returns a copy of p that, after n consecutive
// selections from one tier while some lower tier has work, services the next
// non-empty lower tier once. Zero disables the guard.
func (p *Policy) WithStarvationLimit(n int) *Policy {
	if n < 0 {
		n = 0
	}
	cp := *p
	cp.starvationLimit = n
	return &cp
}

// Tiers returns a copy of the resolved tiers.
func (p *Policy) Tiers() [][]task.SourceName {
	out := make([][]task.SourceName, len(p.tiers))
	for i, tier := range p.tiers {
		out[i] = slices.Clone(tier)
	}
	return out
}

// StarvationLimit returns the configured limit, zero if disabled.
func (p *Policy) StarvationLimit() int {
	return p.starvationLimit
}

// selector carries the per-loop mutable state for a Policy.
type selector struct {
	policy *Policy
	cursor []int
	// streak counts consecutive selections from streakTier while a lower
	// tier had work.
	streak     int
	streakTier int
}

func newSelector(p *Policy) *selector {
	return &selector{policy: p, cursor: make([]int, len(p.tiers))}
}

// next picks a source with work, as reported by ready. Returns false if
// none has work.
func (s *selector) next(ready func(task.SourceName) bool) (task.SourceName, bool) {
	tiers := s.policy.tiers
	top := -1
	for i, tier := range tiers {
		if s.tierReady(tier, ready) {
			top = i
			break
		}
	}
	if top < 0 {
		s.streak = 0
		return 0, false
	}

	chosen := top
	if limit := s.policy.starvationLimit; limit > 0 {
		lower := -1
		for i := top + 1; i < len(tiers); i++ {
			if s.tierReady(tiers[i], ready) {
				lower = i
				break
			}
		}
		switch {
		case lower < 0:
			s.streak = 0
		case s.streakTier == top && s.streak >= limit:
			chosen = lower
			s.streak = 0
		default:
			if s.streakTier != top {
				s.streakTier, s.streak = top, 0
			}
			s.streak++
		}
	}

	return s.pickInTier(chosen, ready), true
}

func (s *selector) tierReady(tier []task.SourceName, ready func(task.SourceName) bool) bool {
	for _, name := range tier {
		if ready(name) {
			return true
		}
	}
	return false
}

// pickInTier performs the round-robin scan for tier i, which must have at
// least one ready source.
func (s *selector) pickInTier(i int, ready func(task.SourceName) bool) task.SourceName {
	tier := s.policy.tiers[i]
	start := s.cursor[i]
	for n := range tier {
		j := (start + n) % len(tier)
		if ready(tier[j]) {
			s.cursor[i] = (j + 1) % len(tier)
			return tier[j]
		}
	}
	panic("eventloop: selector: tier has no ready source")
}
