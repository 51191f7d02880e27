// Package gates runs the external build tool and classifies its result.
//
// The build tool is the only oracle of correctness. Its outcome is one of:
// a clean build, a build that compiled with diagnostics, or a build
// infrastructure failure (timeout, crash, unexpected exit). The last is
// never reported as diagnostics, so callers can tell "the fix made things
// worse" apart from "the tool itself broke".
package gates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/steveyegge/buildfix/internal/telemetry"
	"github.com/steveyegge/buildfix/internal/types"
)

// TargetPlaceholder in a command argument is replaced by the build scope.
// An argument that is exactly the placeholder is dropped for whole builds.
const TargetPlaceholder = "{target}"

// DefaultTimeout bounds one build tool invocation
const DefaultTimeout = 30 * time.Second

// BuildVerifier is what the counter and modifier need from a verifier
type BuildVerifier interface {
	// Verify builds scope ("" = whole build) and returns its diagnostics,
	// or an ErrBuildInfrastructure error
	Verify(ctx context.Context, scope string) (types.DiagnosticSet, error)
}

// Config holds build verifier configuration
type Config struct {
	// Command is the build tool argv, e.g. ["dotnet", "build", "{target}"]
	Command    []string
	WorkingDir string
	// Timeout per invocation. Default: 30s
	Timeout time.Duration
	// Parser for the tool output. Default: msbuild
	Parser Parser
	// DiagnosticExitCodes are the exit codes meaning "compiled with
	// diagnostics". Default: [1]
	DiagnosticExitCodes []int
	// MaxBuildsPerMinute rate limits invocations (0 = unlimited)
	MaxBuildsPerMinute int
	Logger             *slog.Logger
	Metrics            *telemetry.Recorder
}

// DefaultConfig returns a config for command with default limits
func DefaultConfig(command ...string) *Config {
	return &Config{
		Command:             command,
		WorkingDir:          ".",
		Timeout:             DefaultTimeout,
		DiagnosticExitCodes: []int{1},
	}
}

// Verifier runs the build tool. Invocations are serialized: two builds of
// the same tree at once would race on build outputs.
type Verifier struct {
	command     []string
	workingDir  string
	timeout     time.Duration
	parser      Parser
	exitCodes   []int
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	logger      *slog.Logger
	metrics     *telemetry.Recorder
	outputLimit int
}

// NewVerifier creates a verifier
func NewVerifier(cfg *Config) (*Verifier, error) {
	if cfg == nil || len(cfg.Command) == 0 {
		return nil, fmt.Errorf("build command is required")
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be non-negative, got %v", cfg.Timeout)
	}
	if cfg.MaxBuildsPerMinute < 0 {
		return nil, fmt.Errorf("max builds per minute must be non-negative, got %d", cfg.MaxBuildsPerMinute)
	}

	v := &Verifier{
		command:     slices.Clone(cfg.Command),
		workingDir:  cfg.WorkingDir,
		timeout:     cfg.Timeout,
		parser:      cfg.Parser,
		exitCodes:   slices.Clone(cfg.DiagnosticExitCodes),
		sem:         semaphore.NewWeighted(1),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		outputLimit: 2000,
	}
	if v.workingDir == "" {
		v.workingDir = "."
	}
	if v.timeout == 0 {
		v.timeout = DefaultTimeout
	}
	if v.parser == nil {
		p, err := NewParser("msbuild", "")
		if err != nil {
			return nil, err
		}
		v.parser = p
	}
	if len(v.exitCodes) == 0 {
		v.exitCodes = []int{1}
	}
	if cfg.MaxBuildsPerMinute > 0 {
		v.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxBuildsPerMinute)), 1)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v, nil
}

// WorkingDir returns the directory builds run in
func (v *Verifier) WorkingDir() string {
	return v.workingDir
}

// Verify runs the build tool restricted to scope and returns the parsed
// diagnostics. Diagnostics without a target are attributed to scope.
//
// A cancelled ctx returns its cause unchanged; that is a cancellation, not
// an infrastructure failure. Expiry of the verifier's own timeout is.
func (v *Verifier) Verify(ctx context.Context, scope string) (types.DiagnosticSet, error) {
	scope = types.TargetProject(scope)
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return nil, context.Cause(ctx)
	}
	defer v.sem.Release(1)

	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, types.NewError(types.ErrBuildInfrastructure, "verify", scope, err)
		}
	}

	argv := v.argv(scope)
	runCtx, cancel := context.WithTimeoutCause(ctx, v.timeout, errBuildTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = v.workingDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Grandchildren holding the output pipe must not outlive the timeout
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	set, err := v.classify(ctx, runCtx, scope, out.String(), runErr)
	outcome := "clean"
	switch {
	case err != nil:
		outcome = "infrastructure_failure"
	case set.Count() > 0:
		outcome = "diagnostics"
	}
	v.metrics.Build(ctx, elapsed, outcome)
	v.logger.Debug("build finished", "scope", scope, "outcome", outcome,
		"diagnostics", len(set), "duration", elapsed)
	return set, err
}

var errBuildTimeout = errors.New("build timed out")

func (v *Verifier) classify(ctx, runCtx context.Context, scope, output string, runErr error) (types.DiagnosticSet, error) {
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if errors.Is(context.Cause(runCtx), errBuildTimeout) {
		return nil, types.NewError(types.ErrBuildInfrastructure, "verify", scope,
			fmt.Errorf("timed out after %v", v.timeout))
	}

	parsed, err := v.parser.Parse(output)
	if err != nil {
		// A partial parse would undercount the errors
		return nil, types.NewError(types.ErrBuildInfrastructure, "verify", scope, err)
	}
	set := v.normalize(parsed, scope)
	if runErr == nil {
		return set, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return nil, types.NewError(types.ErrBuildInfrastructure, "verify", scope,
			fmt.Errorf("failed to run %s: %w", v.command[0], runErr))
	}
	code := exitErr.ExitCode()
	if slices.Contains(v.exitCodes, code) && len(set.Errors()) > 0 {
		return set, nil
	}
	return nil, types.NewError(types.ErrBuildInfrastructure, "verify", scope,
		fmt.Errorf("build tool exited with code %d and %d parsable errors: %s",
			code, len(set.Errors()), v.tail(output)))
}

// normalize makes file paths relative to the working directory and
// attributes untargeted diagnostics to scope
func (v *Verifier) normalize(set types.DiagnosticSet, scope string) types.DiagnosticSet {
	root, rootErr := filepath.Abs(v.workingDir)
	for i := range set {
		d := &set[i]
		if rootErr == nil && filepath.IsAbs(d.File) {
			if rel, err := filepath.Rel(root, d.File); err == nil && !strings.HasPrefix(rel, "..") {
				d.File = rel
			}
		}
		d.File = filepath.ToSlash(d.File)
		if d.Target == "" {
			d.Target = scope
		}
	}
	return set
}

func (v *Verifier) argv(scope string) []string {
	out := make([]string, 0, len(v.command))
	for _, a := range v.command {
		if a == TargetPlaceholder && scope == "" {
			continue
		}
		out = append(out, strings.ReplaceAll(a, TargetPlaceholder, scope))
	}
	return out
}

func (v *Verifier) tail(output string) string {
	output = strings.TrimSpace(output)
	if len(output) > v.outputLimit {
		return "..." + output[len(output)-v.outputLimit:]
	}
	return output
}
