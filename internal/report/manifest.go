package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
)

// AgentEntry is one higher-level agent listed in the agent manifest.
// The manifest is read for reporting only; nothing in it steers a session.
type AgentEntry struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	TasksCompleted int       `json:"tasks_completed,omitempty"`
	TasksTotal     int       `json:"tasks_total,omitempty"`
}

// Running reports whether the agent says it is running
func (a AgentEntry) Running() bool {
	return a.Status == "running"
}

// LoadManifest reads the agent manifest at path. A missing file is an empty
// manifest. Entries are returned running first, then by start time.
func LoadManifest(path string) ([]AgentEntry, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent manifest: %w", err)
	}

	var entries []AgentEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse agent manifest %s: %w", path, err)
	}
	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("agent manifest %s: entry %d has no id", path, i+1)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Running() != entries[j].Running() {
			return entries[i].Running()
		}
		return entries[i].StartedAt.Before(entries[j].StartedAt)
	})
	return entries, nil
}

// WriteAgents prints the manifest the way `buildfix status` shows it
func WriteAgents(w io.Writer, entries []AgentEntry, now time.Time) {
	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	if len(entries) == 0 {
		fmt.Fprintf(w, "  %s\n", gray("No agents in manifest"))
		return
	}
	running := 0
	for _, e := range entries {
		statusColor := gray
		icon := "○"
		if e.Running() {
			running++
			statusColor = green
			icon = "●"
		}
		name := e.Name
		if name == "" {
			name = e.ID
		}
		fmt.Fprintf(w, "  %s %s (%s) %s\n", statusColor(icon), name, e.Kind, statusColor(e.Status))
		if !e.StartedAt.IsZero() {
			fmt.Fprintf(w, "    Started: %s (%v ago)\n",
				e.StartedAt.Format("2006-01-02 15:04:05"), now.Sub(e.StartedAt).Round(time.Second))
		}
		if e.TasksTotal > 0 {
			fmt.Fprintf(w, "    Tasks:   %d/%d\n", e.TasksCompleted, e.TasksTotal)
		}
	}
	fmt.Fprintf(w, "  Total: %s running, %d listed\n", green(fmt.Sprintf("%d", running)), len(entries))
}
