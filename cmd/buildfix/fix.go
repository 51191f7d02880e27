package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	fixJSON bool
	fixYAML bool
	fixDiff bool
)

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Run a supervised fix session",
	Long: `Run the build, apply every matching strategy one attempt at a time and
keep only the fixes that lower the error count. If the total error count
rises above the initial count plus --slack, every file the session touched
is restored.

Interrupting the session (Ctrl-C) also restores every touched file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withProcessLock(cfg, func() error {
			return runFix(ctx)
		})
	},
}

func runFix(ctx context.Context) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	rep, err := a.exec.RunSafeSession(ctx, cfg.Safety.Slack)
	if rep == nil {
		return err
	}

	switch {
	case fixJSON:
		if werr := rep.WriteJSON(os.Stdout); werr != nil {
			return werr
		}
	case fixYAML:
		if werr := rep.WriteYAML(os.Stdout); werr != nil {
			return werr
		}
	default:
		rep.WriteText(os.Stdout, fixDiff)
	}

	if err != nil {
		return fmt.Errorf("session %s rolled back: %w", rep.SessionID, err)
	}
	return nil
}

func init() {
	fixCmd.Flags().Int("slack", 0, "errors allowed above the initial count before rollback (default safety.slack)")
	fixCmd.Flags().BoolVar(&fixJSON, "json", false, "print the report as JSON")
	fixCmd.Flags().BoolVar(&fixYAML, "yaml", false, "print the report as YAML")
	fixCmd.Flags().BoolVar(&fixDiff, "diff", false, "show the diff of each committed fix")
	fixCmd.MarkFlagsMutuallyExclusive("json", "yaml")
	fixCmd.Flags().String("strategies", "", "strategy table directory (default strategies)")
	fixCmd.Flags().String("language", "", "pin the strategy table language")
	rootCmd.AddCommand(fixCmd)
}
