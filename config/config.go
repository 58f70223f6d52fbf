package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-scriptthread/eventloop"
	"github.com/joeycumines/go-scriptthread/task"
	"github.com/joeycumines/go-scriptthread/timers"
)

// Config holds the runtime configuration.
type Config struct {
	Log           LogConfig           `mapstructure:"log" validate:"required"`
	Loop          LoopConfig          `mapstructure:"loop"`
	Timers        timers.Policy       `mapstructure:"timers"`
	Network       NetworkConfig       `mapstructure:"network"`
	ServiceWorker ServiceWorkerConfig `mapstructure:"service_worker"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=trace debug info notice warning error critical alert emergency disabled"`
}

// LoopConfig contains event loop settings.
type LoopConfig struct {
	// Tiers lists source names by priority: tiers are separated by ";" and
	// names within a tier by ",", e.g. "user-interaction;networking,timer".
	// Empty selects the default policy.
	Tiers           string `mapstructure:"tiers" validate:"omitempty,tiers"`
	StarvationLimit int    `mapstructure:"starvation_limit" validate:"gte=0"`
	Metrics         bool   `mapstructure:"metrics"`
}

// NetworkConfig contains network listener and fetcher settings.
type NetworkConfig struct {
	UserAgent     string `mapstructure:"user_agent"`
	MaxInFlight   int    `mapstructure:"max_in_flight" validate:"gt=0"`
	ChunkSize     int    `mapstructure:"chunk_size" validate:"gt=0"`
	MaxScriptSize int64  `mapstructure:"max_script_size" validate:"gt=0"`
}

// ServiceWorkerConfig contains service-worker manager settings.
type ServiceWorkerConfig struct {
	// SoftUpdateRates maps a window (a Go duration string) to the number of
	// soft updates allowed per scope within it. Empty disables soft updates.
	SoftUpdateRates map[string]int `mapstructure:"soft_update_rates" validate:"dive,keys,duration,endkeys,gt=0"`
}

// LogifaceLevel converts the configured log level.
func (c LogConfig) LogifaceLevel() logiface.Level {
	switch c.Level {
	case "trace":
		return logiface.LevelTrace
	case "debug":
		return logiface.LevelDebug
	case "info":
		return logiface.LevelInformational
	case "notice":
		return logiface.LevelNotice
	case "warning":
		return logiface.LevelWarning
	case "error":
		return logiface.LevelError
	case "critical":
		return logiface.LevelCritical
	case "alert":
		return logiface.LevelAlert
	case "emergency":
		return logiface.LevelEmergency
	default:
		return logiface.LevelDisabled
	}
}

// Policy builds the event loop policy.
func (c LoopConfig) Policy() (*eventloop.Policy, error) {
	var p *eventloop.Policy
	if strings.TrimSpace(c.Tiers) == "" {
		p = eventloop.DefaultPolicy()
	} else {
		tiers, err := parseTiers(c.Tiers)
		if err != nil {
			return nil, err
		}
		if p, err = eventloop.NewPolicy(tiers...); err != nil {
			return nil, err
		}
	}
	if c.StarvationLimit > 0 {
		p = p.WithStarvationLimit(c.StarvationLimit)
	}
	return p, nil
}

// LoopOptions returns the options for every pipeline's event loop.
func (c LoopConfig) LoopOptions(logger *logiface.Logger[logiface.Event]) ([]eventloop.LoopOption, error) {
	p, err := c.Policy()
	if err != nil {
		return nil, err
	}
	return []eventloop.LoopOption{
		eventloop.WithLogger(logger),
		eventloop.WithPolicy(p),
		eventloop.WithMetrics(c.Metrics),
	}, nil
}

func parseTiers(s string) ([][]task.SourceName, error) {
	var tiers [][]task.SourceName
	for _, group := range strings.Split(s, ";") {
		var tier []task.SourceName
		for _, name := range strings.Split(group, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			n, err := task.ParseSourceName(name)
			if err != nil {
				return nil, err
			}
			tier = append(tier, n)
		}
		if len(tier) != 0 {
			tiers = append(tiers, tier)
		}
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("config: no sources in tiers %q", s)
	}
	return tiers, nil
}

// Rates converts SoftUpdateRates to go-catrate form.
func (c ServiceWorkerConfig) Rates() (map[time.Duration]int, error) {
	if len(c.SoftUpdateRates) == 0 {
		return nil, nil
	}
	out := make(map[time.Duration]int, len(c.SoftUpdateRates))
	for k, v := range c.SoftUpdateRates {
		d, err := time.ParseDuration(k)
		if err != nil {
			return nil, fmt.Errorf("config: soft update window %q: %w", k, err)
		}
		out[d] = v
	}
	return out, nil
}
