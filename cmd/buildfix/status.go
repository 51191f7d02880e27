package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/buildfix/internal/control"
	"github.com/steveyegge/buildfix/internal/events"
	"github.com/steveyegge/buildfix/internal/report"
)

var (
	statusManifest string
	statusEvents   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator, session and agent status",
	Long: `Display the running coordinator (if any), the events of the most recent
fix session, and the agents listed in the agent manifest.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== buildfix Status ==="))

		fmt.Printf("%s\n", yellow("Coordinator:"))
		showCoordinator()
		fmt.Println()

		if statusEvents {
			fmt.Printf("%s\n", yellow("Last Session:"))
			if err := showLastSession(ctx); err != nil {
				fmt.Printf("  %s\n", gray(fmt.Sprintf("unavailable: %v", err)))
			}
			fmt.Println()
		}

		fmt.Printf("%s\n", yellow("Agents:"))
		manifest := statusManifest
		if manifest == "" {
			manifest = filepath.Join(cfg.State.Dir, "agents.json")
		}
		entries, err := report.LoadManifest(manifest)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("  %s\n", gray("No agent manifest at "+manifest))
		} else {
			report.WriteAgents(os.Stdout, entries, time.Now())
		}
		fmt.Println()
		return nil
	},
}

// showCoordinator prints the live state of a running 'buildfix serve'
func showCoordinator() {
	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	client := control.NewClient(cfg.SocketPath())
	client.SetTimeout(2 * time.Second)
	resp, err := client.Status()
	if err != nil || !resp.Success {
		fmt.Printf("  %s %s\n", gray("○"), gray("not running"))
		return
	}

	fmt.Printf("  %s running\n", green("●"))
	fmt.Printf("    Holder:   %v\n", resp.Data["holder"])
	fmt.Printf("    Sessions: %v\n", resp.Data["sessions"])
	active, ok := resp.Data["active"].(map[string]interface{})
	if !ok {
		fmt.Printf("    %s\n", gray("idle"))
		return
	}
	fmt.Printf("    Active:   %v (%v)\n", active["id"], active["kind"])
	fmt.Printf("    Errors:   %v initial, slack %v\n", active["initial_count"], active["slack"])
	fmt.Printf("    Attempts: %v (%v committed)\n", active["attempts"], active["committed"])
	if ns, ok := active["elapsed"].(float64); ok {
		fmt.Printf("    Elapsed:  %v\n", time.Duration(ns).Round(time.Second))
	}
}

// showLastSession prints the event log of the most recent session. The
// store is opened under a throwaway holder; it takes no locks.
func showLastSession(ctx context.Context) error {
	store, err := openStore(cfg, "")
	if err != nil {
		return err
	}
	defer store.Close()

	rec := events.NewRecorder(store, slog.Default())
	session, err := rec.LastSession(ctx)
	if err != nil {
		return err
	}
	if session == "" {
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("  %s\n", gray("No sessions recorded"))
		return nil
	}
	evs, err := rec.Session(ctx, session)
	if err != nil {
		return err
	}
	fmt.Printf("  %s\n", session)
	for _, e := range evs {
		writeEvent(os.Stdout, e)
	}
	return nil
}

func init() {
	statusCmd.Flags().StringVar(&statusManifest, "manifest", "", "agent manifest (default <state-dir>/agents.json)")
	statusCmd.Flags().BoolVar(&statusEvents, "events", true, "show the last session's events")
	statusCmd.Flags().String("socket", "", "control socket path (default <state-dir>/buildfix.sock)")
	rootCmd.AddCommand(statusCmd)
}
