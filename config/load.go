package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/joeycumines/go-scriptthread/httpfetch"
	"github.com/joeycumines/go-scriptthread/netlistener"
	"github.com/joeycumines/go-scriptthread/timers"
)

// EnvPrefix prefixes every environment variable read by Load, e.g.
// SCRIPTTHREAD_LOG_LEVEL.
const EnvPrefix = "SCRIPTTHREAD"

// Load reads configuration from defaults, the optional file at path (YAML,
// TOML or JSON, by extension), and environment variables, in increasing
// precedence, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	// viper deep-merges map defaults into file values, so the default rate
	// table only applies when none is configured
	if !v.IsSet("service_worker.soft_update_rates") {
		cfg.ServiceWorker.SoftUpdateRates = Default().ServiceWorker.SoftUpdateRates
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	p := timers.DefaultPolicy()
	return &Config{
		Log:    LogConfig{Level: "info"},
		Timers: p,
		Network: NetworkConfig{
			MaxInFlight:   netlistener.DefaultMaxInFlight,
			ChunkSize:     httpfetch.DefaultChunkSize,
			MaxScriptSize: httpfetch.DefaultMaxScriptSize,
		},
		ServiceWorker: ServiceWorkerConfig{
			SoftUpdateRates: map[string]int{"1m0s": 1, "1h0m0s": 10},
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("loop.tiers", d.Loop.Tiers)
	v.SetDefault("loop.starvation_limit", d.Loop.StarvationLimit)
	v.SetDefault("loop.metrics", d.Loop.Metrics)
	v.SetDefault("timers.min_interval", d.Timers.MinInterval)
	v.SetDefault("timers.nesting_threshold", d.Timers.NestingThreshold)
	v.SetDefault("timers.nested_minimum", d.Timers.NestedMinimum)
	v.SetDefault("network.user_agent", d.Network.UserAgent)
	v.SetDefault("network.max_in_flight", d.Network.MaxInFlight)
	v.SetDefault("network.chunk_size", d.Network.ChunkSize)
	v.SetDefault("network.max_script_size", d.Network.MaxScriptSize)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("tiers", func(fl validator.FieldLevel) bool {
		_, err := parseTiers(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return v
}

// Validate checks struct tags, then the cross-field constraints tags cannot
// express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	if err := cfg.Timers.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := cfg.Loop.Policy(); err != nil {
		return fmt.Errorf("config: loop: %w", err)
	}
	return nil
}
