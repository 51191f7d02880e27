// Package report renders the outcome of a fix session.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/buildfix/internal/types"
)

// AttemptSummary is one attempt as reported to the user
type AttemptSummary struct {
	ID       string `json:"id" yaml:"id"`
	Code     string `json:"code" yaml:"code"`
	File     string `json:"file" yaml:"file"`
	Line     int    `json:"line" yaml:"line"`
	Strategy string `json:"strategy" yaml:"strategy"`
	Result   string `json:"result" yaml:"result"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Diff     string `json:"diff,omitempty" yaml:"diff,omitempty"`
}

// SessionReport states the initial and final counts, the committed and
// rejected attempts and the final outcome of a session
type SessionReport struct {
	SessionID    string           `json:"session_id" yaml:"session_id"`
	Outcome      types.Outcome    `json:"outcome" yaml:"outcome"`
	Reason       string           `json:"reason,omitempty" yaml:"reason,omitempty"`
	InitialCount int              `json:"initial_count" yaml:"initial_count"`
	FinalCount   int              `json:"final_count" yaml:"final_count"`
	Slack        int              `json:"slack" yaml:"slack"`
	Committed    []AttemptSummary `json:"committed" yaml:"committed"`
	Rejected     []AttemptSummary `json:"rejected" yaml:"rejected"`
	// Unfixable lists diagnostics no strategy matched
	Unfixable []types.Diagnostic `json:"unfixable,omitempty" yaml:"unfixable,omitempty"`
	StartedAt time.Time          `json:"started_at" yaml:"started_at"`
	Duration  time.Duration      `json:"duration" yaml:"duration"`
}

// FromSession builds the report for a finished session
func FromSession(sess *types.Session, unfixable []types.Diagnostic) *SessionReport {
	r := &SessionReport{
		SessionID:    sess.ID,
		Outcome:      sess.Outcome,
		Reason:       sess.Reason,
		InitialCount: sess.InitialCount,
		FinalCount:   sess.FinalCount,
		Slack:        sess.Slack,
		Committed:    []AttemptSummary{},
		Rejected:     []AttemptSummary{},
		Unfixable:    unfixable,
		StartedAt:    sess.StartedAt,
	}
	if !sess.EndedAt.IsZero() {
		r.Duration = sess.EndedAt.Sub(sess.StartedAt)
	}
	for _, a := range sess.Attempts {
		s := summarize(a)
		if a.Result == types.ResultCommitted {
			r.Committed = append(r.Committed, s)
		} else {
			r.Rejected = append(r.Rejected, s)
		}
	}
	return r
}

func summarize(a *types.FixAttempt) AttemptSummary {
	return AttemptSummary{
		ID:       a.ID,
		Code:     a.Diagnostic.Code,
		File:     a.Diagnostic.File,
		Line:     a.Diagnostic.Line,
		Strategy: string(a.Strategy.Kind),
		Result:   string(a.Result),
		Reason:   a.Reason,
		Diff:     a.Diff,
	}
}

// Fixed is how many errors the session removed. A rolled back session or
// an unknown final count fixed nothing.
func (r *SessionReport) Fixed() int {
	if r.Outcome == types.OutcomeRolledBack || r.FinalCount < 0 {
		return 0
	}
	return r.InitialCount - r.FinalCount
}

// WriteJSON writes the report as indented JSON
func (r *SessionReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteYAML writes the report as YAML
func (r *SessionReport) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

// WriteText writes a colored, human readable report. Diffs of committed
// attempts are included when withDiff is set.
func (r *SessionReport) WriteText(w io.Writer, withDiff bool) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(w, "\n%s\n\n", cyan("=== Fix Session "+r.SessionID+" ==="))

	outcome := string(r.Outcome)
	switch r.Outcome {
	case types.OutcomeSuccess:
		outcome = green("✓ " + outcome)
	case types.OutcomeNoImprovement:
		outcome = yellow("○ " + outcome)
	case types.OutcomeRolledBack:
		outcome = red("✗ " + outcome)
	}
	fmt.Fprintf(w, "  Outcome:  %s\n", outcome)
	if r.Reason != "" {
		fmt.Fprintf(w, "  Reason:   %s\n", r.Reason)
	}

	final := fmt.Sprintf("%d", r.FinalCount)
	if r.FinalCount < 0 {
		final = red("unknown")
	}
	fmt.Fprintf(w, "  Errors:   %d → %s (slack %d)\n", r.InitialCount, final, r.Slack)
	fmt.Fprintf(w, "  Duration: %v\n\n", r.Duration.Round(time.Millisecond))

	fmt.Fprintf(w, "%s\n", yellow(fmt.Sprintf("Committed (%d):", len(r.Committed))))
	if len(r.Committed) == 0 {
		fmt.Fprintf(w, "  %s\n", gray("none"))
	}
	for _, a := range r.Committed {
		fmt.Fprintf(w, "  %s %s:%d %s via %s\n", green("✓"), a.File, a.Line, a.Code, a.Strategy)
		if withDiff && a.Diff != "" {
			for _, line := range strings.Split(strings.TrimRight(a.Diff, "\n"), "\n") {
				fmt.Fprintf(w, "      %s\n", diffLine(line))
			}
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%s\n", yellow(fmt.Sprintf("Rejected (%d):", len(r.Rejected))))
	if len(r.Rejected) == 0 {
		fmt.Fprintf(w, "  %s\n", gray("none"))
	}
	for _, a := range r.Rejected {
		fmt.Fprintf(w, "  %s %s:%d %s via %s: %s\n", red("✗"), a.File, a.Line, a.Code, a.Strategy, gray(a.Reason))
	}

	if len(r.Unfixable) > 0 {
		fmt.Fprintf(w, "\n%s\n", yellow(fmt.Sprintf("No automated remedy (%d):", len(r.Unfixable))))
		for _, d := range r.Unfixable {
			fmt.Fprintf(w, "  %s %s\n", gray("·"), d.String())
		}
	}
	fmt.Fprintln(w)
}

func diffLine(line string) string {
	switch {
	case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		return color.New(color.Bold).Sprint(line)
	case strings.HasPrefix(line, "+"):
		return color.GreenString(line)
	case strings.HasPrefix(line, "-"):
		return color.RedString(line)
	case strings.HasPrefix(line, "@@"):
		return color.CyanString(line)
	}
	return line
}
