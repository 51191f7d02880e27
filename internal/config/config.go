// Package config loads buildfix configuration.
//
// Layers, lowest precedence first: built-in defaults, the config file
// (.buildfix/config.yaml or --config), BUILDFIX_* environment variables,
// then command line flags bound by the CLI.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultStateDir holds the state store, snapshots and the control socket
const DefaultStateDir = ".buildfix"

// EnvPrefix for environment overrides, e.g. BUILDFIX_SAFETY_SLACK
const EnvPrefix = "BUILDFIX"

// Config represents the complete buildfix configuration
type Config struct {
	Build      BuildConfig      `mapstructure:"build"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	Locks      LocksConfig      `mapstructure:"locks"`
	Strategies StrategiesConfig `mapstructure:"strategies"`
	State      StateConfig      `mapstructure:"state"`
	Session    SessionConfig    `mapstructure:"session"`
	Events     EventsConfig     `mapstructure:"events"`
	Control    ControlConfig    `mapstructure:"control"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Log        LogConfig        `mapstructure:"log"`
}

// BuildConfig describes the external build tool
type BuildConfig struct {
	// Command is the build argv; "{target}" is replaced by the build scope
	Command    []string `mapstructure:"command"`
	WorkingDir string   `mapstructure:"working_dir"`
	// Timeout per build invocation (default: 30s)
	Timeout time.Duration `mapstructure:"timeout"`
	// Parser is one of msbuild, tsc, gcc, regex
	Parser string `mapstructure:"parser"`
	// Pattern is the regular expression for the regex parser
	Pattern string `mapstructure:"pattern"`
	// DiagnosticExitCodes mean "compiled with diagnostics" (default: [1])
	DiagnosticExitCodes []int `mapstructure:"diagnostic_exit_codes"`
	// MaxBuildsPerMinute rate limits the build tool (0 = unlimited)
	MaxBuildsPerMinute int `mapstructure:"max_builds_per_minute"`
}

// CacheConfig controls the diagnostic count cache
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// SafetyConfig controls session supervision
type SafetyConfig struct {
	// Slack is how many errors above the initial count a session may reach
	Slack        int           `mapstructure:"slack"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LocksConfig controls advisory file locks
type LocksConfig struct {
	TTL  time.Duration `mapstructure:"ttl"`
	Wait time.Duration `mapstructure:"wait"`
}

// StrategiesConfig locates the strategy tables
type StrategiesConfig struct {
	Dir string `mapstructure:"dir"`
	// Language pins the table; empty selects by file extension
	Language string `mapstructure:"language"`
	// Watch reloads tables when files change (serve only)
	Watch bool `mapstructure:"watch"`
}

// StateConfig selects the state store
type StateConfig struct {
	Dir string `mapstructure:"dir"`
	// Backend is one of memory, sqlite, badger
	Backend string `mapstructure:"backend"`
}

// SessionConfig bounds fix sessions
type SessionConfig struct {
	MaxAttempts   int  `mapstructure:"max_attempts"`
	KeepSnapshots bool `mapstructure:"keep_snapshots"`
}

// EventsConfig controls event retention
type EventsConfig struct {
	// KeepSessions is how many sessions' event logs to keep (0 = keep all)
	KeepSessions int `mapstructure:"keep_sessions"`
}

// ControlConfig configures the control socket
type ControlConfig struct {
	// Socket path; empty means <state.dir>/buildfix.sock
	Socket string `mapstructure:"socket"`
}

// TelemetryConfig controls OpenTelemetry metrics
type TelemetryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig controls structured logging
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Build: BuildConfig{
			Command:             []string{"dotnet", "build", "{target}", "--nologo", "-clp:NoSummary"},
			WorkingDir:          ".",
			Timeout:             30 * time.Second,
			Parser:              "msbuild",
			DiagnosticExitCodes: []int{1},
		},
		Cache:  CacheConfig{TTL: 30 * time.Second},
		Safety: SafetyConfig{Slack: 5, PollInterval: 2 * time.Second},
		Locks:  LocksConfig{TTL: 5 * time.Minute, Wait: 10 * time.Second},
		Strategies: StrategiesConfig{
			Dir: "strategies",
		},
		State:     StateConfig{Dir: DefaultStateDir, Backend: "sqlite"},
		Session:   SessionConfig{MaxAttempts: 100},
		Events:    EventsConfig{KeepSessions: 50},
		Telemetry: TelemetryConfig{Interval: time.Minute},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// SetDefaults registers every key's default on v, so environment
// variables can override keys that appear in no config file
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("build.command", d.Build.Command)
	v.SetDefault("build.working_dir", d.Build.WorkingDir)
	v.SetDefault("build.timeout", d.Build.Timeout)
	v.SetDefault("build.parser", d.Build.Parser)
	v.SetDefault("build.pattern", d.Build.Pattern)
	v.SetDefault("build.diagnostic_exit_codes", d.Build.DiagnosticExitCodes)
	v.SetDefault("build.max_builds_per_minute", d.Build.MaxBuildsPerMinute)

	v.SetDefault("cache.ttl", d.Cache.TTL)

	v.SetDefault("safety.slack", d.Safety.Slack)
	v.SetDefault("safety.poll_interval", d.Safety.PollInterval)

	v.SetDefault("locks.ttl", d.Locks.TTL)
	v.SetDefault("locks.wait", d.Locks.Wait)

	v.SetDefault("strategies.dir", d.Strategies.Dir)
	v.SetDefault("strategies.language", d.Strategies.Language)
	v.SetDefault("strategies.watch", d.Strategies.Watch)

	v.SetDefault("state.dir", d.State.Dir)
	v.SetDefault("state.backend", d.State.Backend)

	v.SetDefault("session.max_attempts", d.Session.MaxAttempts)
	v.SetDefault("session.keep_snapshots", d.Session.KeepSnapshots)

	v.SetDefault("events.keep_sessions", d.Events.KeepSessions)

	v.SetDefault("control.socket", d.Control.Socket)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.interval", d.Telemetry.Interval)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// NewViper returns a viper instance with defaults, the config file and the
// environment wired up. configFile overrides the default search; a missing
// explicit file is an error, a missing default file is not.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultStateDir)
	}

	v.SetEnvPrefix(EnvPrefix)
	// BUILDFIX_SAFETY_SLACK for safety.slack
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load reads the configuration from v into a Config and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// SnapshotDir is where pre-attempt backups live
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.State.Dir, "snapshots")
}

// SocketPath is the control socket location
func (c *Config) SocketPath() string {
	if c.Control.Socket != "" {
		return c.Control.Socket
	}
	return filepath.Join(c.State.Dir, "buildfix.sock")
}
