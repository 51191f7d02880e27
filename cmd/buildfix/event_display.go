package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/steveyegge/buildfix/internal/events"
)

// writeEvent prints one event in a two-line format: icon, time, type and
// message, then its key data fields
func writeEvent(w io.Writer, e *events.Event) {
	typeColor := color.New(color.FgMagenta)
	fmt.Fprintf(w, "%s [%s] %s: %s\n",
		eventIcon(e),
		e.Timestamp.Format("15:04:05"),
		typeColor.Sprint(e.Type),
		severityColor(e.Severity).Sprint(truncateString(e.Message, 70-len(e.Type))),
	)
	if meta := eventMetadata(e); meta != "" {
		gray := color.New(color.FgHiBlack)
		fmt.Fprintf(w, "  %s\n", gray.Sprint(meta))
	}
}

func eventIcon(e *events.Event) string {
	switch e.Type {
	case events.EventTypeSessionStarted:
		return "▶"
	case events.EventTypeSessionCompleted, events.EventTypeAttemptCommitted:
		return "✓"
	case events.EventTypeAttemptRejected:
		return "✗"
	case events.EventTypeSessionRolledBack, events.EventTypeAttemptRolledBack:
		return "↺"
	case events.EventTypeSafetyThresholdExceeded:
		return "⚠"
	case events.EventTypeNoStrategy:
		return "?"
	}
	switch e.Severity {
	case events.SeverityError, events.SeverityCritical:
		return "✗"
	case events.SeverityWarning:
		return "⚠"
	}
	return "•"
}

func severityColor(s events.EventSeverity) *color.Color {
	switch s {
	case events.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case events.SeverityError:
		return color.New(color.FgRed)
	case events.SeverityWarning:
		return color.New(color.FgYellow)
	}
	return color.New(color.Reset)
}

// metadataKeys are shown in this order; other data fields are omitted
var metadataKeys = []string{"code", "file", "line", "kind", "reason", "initial_count", "final_count", "count", "threshold", "outcome"}

// eventMetadata renders the event's key data fields, pipe-separated
func eventMetadata(e *events.Event) string {
	if len(e.Data) == 0 {
		return ""
	}
	var parts []string
	for _, k := range metadataKeys {
		v, ok := e.Data[k]
		if !ok || v == nil || v == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	if len(parts) == 0 {
		// Unknown shape; show whatever keys there are
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Data[k]))
		}
	}
	return strings.Join(parts, " | ")
}

func truncateString(s string, max int) string {
	if max < 4 {
		max = 4
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
