// Package config loads runtime configuration with viper, from defaults, an
// optional file and SCRIPTTHREAD_* environment variables, and validates it
// with go-playground/validator.
package config
