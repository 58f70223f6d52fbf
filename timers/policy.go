package timers

import (
	"errors"
	"time"
)

// Policy holds the clamping rules applied when a timer is armed. Clamping
// adjusts a deadline, it never rejects or drops a timer.
type Policy struct {
	// MinInterval is the smallest period a repeating timer may use.
	MinInterval time.Duration `mapstructure:"min_interval" validate:"gte=0"`

	// NestingThreshold is the nesting level above which NestedMinimum
	// applies. A timer armed from a timer callback is one level deeper than
	// the timer that ran it.
	NestingThreshold int `mapstructure:"nesting_threshold" validate:"gte=0"`

	// NestedMinimum is the smallest delay a timer armed beyond the nesting
	// threshold may use.
	NestedMinimum time.Duration `mapstructure:"nested_minimum" validate:"gte=0"`
}

// DefaultPolicy returns the standard web throttling values: more than five
// levels of nesting clamps delays to at least 4ms.
func DefaultPolicy() Policy {
	return Policy{
		MinInterval:      time.Millisecond,
		NestingThreshold: 5,
		NestedMinimum:    4 * time.Millisecond,
	}
}

// Validate reports whether every field is non-negative.
func (p Policy) Validate() error {
	if p.MinInterval < 0 || p.NestedMinimum < 0 || p.NestingThreshold < 0 {
		return errors.New("timers: policy values must not be negative")
	}
	return nil
}

// clamp returns the effective delay for a timer armed at the given nesting
// level (the level of the running task, zero outside timer tasks).
func (p Policy) clamp(delay time.Duration, nesting int, repeat bool) time.Duration {
	if delay < 0 {
		delay = 0
	}
	if repeat && delay < p.MinInterval {
		delay = p.MinInterval
	}
	if nesting > p.NestingThreshold && delay < p.NestedMinimum {
		delay = p.NestedMinimum
	}
	return delay
}
