package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Severity is the level a toolchain reported a diagnostic at
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is a single compiler-reported issue
type Diagnostic struct {
	Code     string   `json:"code" yaml:"code"`
	File     string   `json:"file" yaml:"file"`
	Line     int      `json:"line" yaml:"line"`
	Column   int      `json:"column" yaml:"column"`
	Message  string   `json:"message" yaml:"message"`
	Severity Severity `json:"severity" yaml:"severity"`
	// Target is the build target (e.g. project file) the toolchain attributed
	// the diagnostic to. Empty when the toolchain does not report one.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// DiagnosticKey is the deduplication identity of a diagnostic.
// Multi-target builds report the same error once per target; the key
// collapses those repeats.
type DiagnosticKey struct {
	File string
	Line int
	Code string
}

// Key returns the (file, line, code) identity of the diagnostic
func (d Diagnostic) Key() DiagnosticKey {
	return DiagnosticKey{File: d.File, Line: d.Line, Code: d.Code}
}

// Signature identifies a diagnostic independent of its line number, so it
// survives line shifts caused by edits earlier in the same file.
func (d Diagnostic) Signature() string {
	return d.File + "\x00" + d.Code + "\x00" + d.Message
}

// IsError reports whether the diagnostic counts toward the error total.
// Diagnostics with no severity are treated as errors.
func (d Diagnostic) IsError() bool {
	return d.Severity == "" || d.Severity == SeverityError
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s(%d,%d): %s %s: %s", d.File, d.Line, d.Column, d.Severity, d.Code, d.Message)
}

// DiagnosticSet is an ordered sequence of diagnostics
type DiagnosticSet []Diagnostic

// Dedup returns the set with repeats of the same (file, line, code) removed.
// The first occurrence wins and order is preserved.
func (s DiagnosticSet) Dedup() DiagnosticSet {
	seen := make(map[DiagnosticKey]struct{}, len(s))
	out := make(DiagnosticSet, 0, len(s))
	for _, d := range s {
		k := d.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Errors returns only error-severity diagnostics
func (s DiagnosticSet) Errors() DiagnosticSet {
	out := make(DiagnosticSet, 0, len(s))
	for _, d := range s {
		if d.IsError() {
			out = append(out, d)
		}
	}
	return out
}

// Count returns the number of deduplicated errors in the set
func (s DiagnosticSet) Count() int {
	return len(s.Errors().Dedup())
}

// TargetProject strips the per-framework suffix msbuild appends to the
// project of a multi-targeted build ("app.csproj::TargetFramework=net8.0"),
// leaving the project path that can be passed back to the build tool.
func TargetProject(target string) string {
	if i := strings.Index(target, "::"); i >= 0 {
		return target[:i]
	}
	return target
}

// ForTarget returns the diagnostics attributed to target's project.
// An empty target selects the whole set.
func (s DiagnosticSet) ForTarget(target string) DiagnosticSet {
	if target == "" {
		return s
	}
	project := TargetProject(target)
	out := make(DiagnosticSet, 0, len(s))
	for _, d := range s {
		if TargetProject(d.Target) == project {
			out = append(out, d)
		}
	}
	return out
}

// CountCode counts deduplicated errors with the given code in file
func (s DiagnosticSet) CountCode(file, code string) int {
	n := 0
	for _, d := range s.Errors().Dedup() {
		if d.File == file && d.Code == code {
			n++
		}
	}
	return n
}

// Sorted returns a copy ordered by file, line, column, code
func (s DiagnosticSet) Sorted() DiagnosticSet {
	out := append(DiagnosticSet(nil), s...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return a.Code < b.Code
	})
	return out
}

// StrategyKind is the closed set of transformations the modifier knows
type StrategyKind string

const (
	KindRemoveDuplicateDefinition StrategyKind = "remove_duplicate_definition"
	KindAddMissingReference       StrategyKind = "add_missing_reference"
	KindFixOverrideSignature      StrategyKind = "fix_override_signature"
	KindImplementInterfaceMember  StrategyKind = "implement_interface_member"
	KindGenericReplace            StrategyKind = "generic_replace"
)

// IsValid checks if the strategy kind value is valid
func (k StrategyKind) IsValid() bool {
	switch k {
	case KindRemoveDuplicateDefinition, KindAddMissingReference, KindFixOverrideSignature,
		KindImplementInterfaceMember, KindGenericReplace:
		return true
	}
	return false
}

// StrategyScope controls how many occurrences a find/replace touches
type StrategyScope string

const (
	ScopeSingle StrategyScope = "single"
	ScopeAll    StrategyScope = "all"
)

// IsValid checks if the scope value is valid. Empty means single.
func (s StrategyScope) IsValid() bool {
	return s == "" || s == ScopeSingle || s == ScopeAll
}

// FixStrategy is a resolved, parameterized transformation for one diagnostic
type FixStrategy struct {
	Kind StrategyKind `json:"kind"`
	// Code is the diagnostic code this strategy was resolved for
	Code string `json:"code"`
	// Pattern locates the text to change. For RemoveDuplicateDefinition it is
	// a regular expression matching a definition header; for
	// FixOverrideSignature it is the literal signature to replace; otherwise
	// a regular expression.
	Pattern string `json:"pattern"`
	// Replacement is the replacement text (may use $1 / ${name} group refs)
	Replacement string `json:"replacement,omitempty"`
	// Params are the expanded table parameters and message captures
	Params map[string]string `json:"params,omitempty"`
	Scope  StrategyScope     `json:"scope,omitempty"`
	// TableVersion is the version of the table the strategy came from
	TableVersion string `json:"table_version,omitempty"`
}

// CacheEntry is the persisted diagnostic count
type CacheEntry struct {
	Count     int           `json:"count" validate:"gte=0"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl" validate:"gte=0"`
}

// IsFresh reports whether the entry is still valid at now.
// An entry is invalid once its age reaches its ttl.
func (c CacheEntry) IsFresh(now time.Time) bool {
	if c.Timestamp.IsZero() || c.TTL <= 0 {
		return false
	}
	return now.Sub(c.Timestamp) < c.TTL
}

// LockRecord is an advisory, ttl-bounded lock on a named resource
type LockRecord struct {
	Key        string        `json:"key" validate:"required"`
	Holder     string        `json:"holder"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl" validate:"gte=0"`
}

// Free reports whether the record holds nothing (canonical empty lock)
func (l LockRecord) Free() bool {
	return l.Holder == ""
}

// Expired reports whether the lock has outlived its ttl at now
func (l LockRecord) Expired(now time.Time) bool {
	return now.Sub(l.AcquiredAt) >= l.TTL
}

// ExpiresAt returns when the lock is considered abandoned
func (l LockRecord) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// Outcome is the final state of a fix session
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeNoImprovement Outcome = "no_improvement"
	OutcomeRolledBack    Outcome = "rolled_back"
)

// IsValid checks if the outcome value is valid
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeNoImprovement, OutcomeRolledBack:
		return true
	}
	return false
}

// Session is a bounded sequence of fix attempts supervised against a
// safety threshold
type Session struct {
	ID           string        `json:"id"`
	InitialCount int           `json:"initial_count"`
	FinalCount   int           `json:"final_count"`
	Slack        int           `json:"slack"`
	Outcome      Outcome       `json:"outcome,omitempty"`
	Attempts     []*FixAttempt `json:"attempts,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at,omitempty"`
	// Snapshots lists the backup references taken during the session
	Snapshots []string `json:"snapshots,omitempty"`
	// Reason explains a RolledBack outcome
	Reason string `json:"reason,omitempty"`
}

// Threshold is the highest diagnostic count the session may reach
func (s *Session) Threshold() int {
	return s.InitialCount + s.Slack
}

// Committed returns the attempts that ended committed
func (s *Session) Committed() []*FixAttempt {
	return s.filter(ResultCommitted)
}

// Rejected returns the attempts that ended rejected or rolled back
func (s *Session) Rejected() []*FixAttempt {
	out := s.filter(ResultRejected)
	out = append(out, s.filter(ResultRolledBack)...)
	return append(out, s.filter(ResultRestoreFailed)...)
}

func (s *Session) filter(r AttemptResult) []*FixAttempt {
	var out []*FixAttempt
	for _, a := range s.Attempts {
		if a.Result == r {
			out = append(out, a)
		}
	}
	return out
}
