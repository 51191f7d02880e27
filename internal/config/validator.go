package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "safety.slack")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidParsers returns the build output parsers
func ValidParsers() []string {
	return []string{"msbuild", "tsc", "gcc", "regex"}
}

// ValidBackends returns the state store backends
func ValidBackends() []string {
	return []string{"memory", "sqlite", "badger"}
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the list of valid log formats
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateBuild()...)
	errs = append(errs, c.validateLimits()...)
	errs = append(errs, c.validateState()...)
	errs = append(errs, c.validateLog()...)
	return errs
}

func (c *Config) validateBuild() []ValidationError {
	var errs []ValidationError
	b := c.Build

	if len(b.Command) == 0 || strings.TrimSpace(b.Command[0]) == "" {
		errs = append(errs, ValidationError{Field: "build.command", Value: b.Command, Message: "is required"})
	}
	if b.Timeout <= 0 || b.Timeout > time.Hour {
		errs = append(errs, ValidationError{Field: "build.timeout", Value: b.Timeout, Message: "must be between 0s and 1h"})
	}
	if !slices.Contains(ValidParsers(), b.Parser) {
		errs = append(errs, ValidationError{
			Field:   "build.parser",
			Value:   b.Parser,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidParsers(), ", ")),
		})
	}
	if b.Parser == "regex" && b.Pattern == "" {
		errs = append(errs, ValidationError{Field: "build.pattern", Value: b.Pattern, Message: "is required for the regex parser"})
	}
	for _, code := range b.DiagnosticExitCodes {
		if code <= 0 || code > 255 {
			errs = append(errs, ValidationError{Field: "build.diagnostic_exit_codes", Value: code, Message: "must be between 1 and 255"})
		}
	}
	if b.MaxBuildsPerMinute < 0 || b.MaxBuildsPerMinute > 600 {
		errs = append(errs, ValidationError{Field: "build.max_builds_per_minute", Value: b.MaxBuildsPerMinute, Message: "must be between 0 and 600"})
	}
	return errs
}

func (c *Config) validateLimits() []ValidationError {
	var errs []ValidationError

	if c.Cache.TTL < 0 {
		errs = append(errs, ValidationError{Field: "cache.ttl", Value: c.Cache.TTL, Message: "must be non-negative"})
	}
	if c.Safety.Slack < 0 || c.Safety.Slack > 10000 {
		errs = append(errs, ValidationError{Field: "safety.slack", Value: c.Safety.Slack, Message: "must be between 0 and 10000"})
	}
	if c.Safety.PollInterval < 10*time.Millisecond {
		errs = append(errs, ValidationError{Field: "safety.poll_interval", Value: c.Safety.PollInterval, Message: "must be at least 10ms"})
	}
	if c.Locks.TTL <= 0 {
		errs = append(errs, ValidationError{Field: "locks.ttl", Value: c.Locks.TTL, Message: "must be positive"})
	} else if c.Locks.TTL <= c.Build.Timeout {
		// A lock that expires mid-build lets another coordinator take the file
		errs = append(errs, ValidationError{Field: "locks.ttl", Value: c.Locks.TTL, Message: "must be longer than build.timeout"})
	}
	if c.Locks.Wait < 0 {
		errs = append(errs, ValidationError{Field: "locks.wait", Value: c.Locks.Wait, Message: "must be non-negative"})
	}
	if c.Session.MaxAttempts <= 0 || c.Session.MaxAttempts > 100000 {
		errs = append(errs, ValidationError{Field: "session.max_attempts", Value: c.Session.MaxAttempts, Message: "must be between 1 and 100000"})
	}
	if c.Events.KeepSessions < 0 {
		errs = append(errs, ValidationError{Field: "events.keep_sessions", Value: c.Events.KeepSessions, Message: "must be non-negative"})
	}
	if c.Telemetry.Enabled && c.Telemetry.Interval <= 0 {
		errs = append(errs, ValidationError{Field: "telemetry.interval", Value: c.Telemetry.Interval, Message: "must be positive"})
	}
	return errs
}

func (c *Config) validateState() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidBackends(), c.State.Backend) {
		errs = append(errs, ValidationError{
			Field:   "state.backend",
			Value:   c.State.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	}
	if c.State.Dir == "" && c.State.Backend != "memory" {
		errs = append(errs, ValidationError{Field: "state.dir", Value: c.State.Dir, Message: "is required"})
	}
	return errs
}

func (c *Config) validateLog() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if !slices.Contains(ValidLogFormats(), c.Log.Format) {
		errs = append(errs, ValidationError{
			Field:   "log.format",
			Value:   c.Log.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}
	return errs
}
