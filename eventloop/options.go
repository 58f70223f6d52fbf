// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger         *logiface.Logger[logiface.Event]
	policy         *Policy
	global         Global
	panicLogRates  map[time.Duration]int
	metricsEnabled bool
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the structured logger. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPolicy sets the cross-source selection policy. Defaults to
// [DefaultPolicy].
func WithPolicy(policy *Policy) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if policy == nil {
			return errors.New("eventloop: nil policy")
		}
		opts.policy = policy
		return nil
	}}
}

// WithGlobal sets the script global entered around each task. It may also
// be set later, before Run, using [Loop.SetGlobal].
func WithGlobal(global Global) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.global = global
		return nil
	}}
}

// WithPanicLogRates bounds how often task panics are logged, per source,
// using the go-catrate rate format (window to max events). Panics beyond
// the limit are still recovered and counted, but not logged. A nil or empty
// map disables limiting.
func WithPanicLogRates(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.panicLogRates = rates
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Loop.
// When enabled, metrics can be accessed via Loop.Metrics().
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// DefaultPanicLogRates limits panic logging to 10 per second and 100 per
// minute, per source.
func DefaultPanicLogRates() map[time.Duration]int {
	return map[time.Duration]int{
		time.Second: 10,
		time.Minute: 100,
	}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		panicLogRates: DefaultPanicLogRates(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.policy == nil {
		cfg.policy = DefaultPolicy()
	}
	return cfg, nil
}
