package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/buildfix/internal/types"
)

var (
	applyCode string
	applyFile string
	applyLine int
	applyDiff bool
)

var applyCmd = &cobra.Command{
	Use:   "apply --code CODE --file FILE --line N",
	Short: "Attempt the fix for a single diagnostic",
	Long: `Apply the strategy matching one diagnostic and keep the change only if
the build reports fewer errors afterwards. The diagnostic's message is
taken from the current build output.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withProcessLock(cfg, func() error {
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			d := types.Diagnostic{Code: applyCode, File: applyFile, Line: applyLine}
			attempt, err := a.exec.RequestFix(ctx, d)
			if attempt == nil {
				return err
			}

			green := color.New(color.FgGreen).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()
			gray := color.New(color.FgHiBlack).SprintFunc()

			where := fmt.Sprintf("%s:%d %s", applyFile, applyLine, applyCode)
			if attempt.Result == types.ResultCommitted {
				fmt.Printf("%s %s via %s\n", green("✓"), where, attempt.Strategy.Kind)
				if applyDiff && attempt.Diff != "" {
					fmt.Println(gray(attempt.Diff))
				}
			} else {
				fmt.Printf("%s %s: %s\n", red("✗"), where, attempt.Reason)
			}
			return err
		})
	},
}

func init() {
	applyCmd.Flags().StringVar(&applyCode, "code", "", "diagnostic code, e.g. CS0246")
	applyCmd.Flags().StringVar(&applyFile, "file", "", "file the diagnostic points at")
	applyCmd.Flags().IntVar(&applyLine, "line", 0, "1-based line of the diagnostic")
	applyCmd.Flags().BoolVar(&applyDiff, "diff", false, "show the diff of a committed fix")
	_ = applyCmd.MarkFlagRequired("code")
	_ = applyCmd.MarkFlagRequired("file")
	_ = applyCmd.MarkFlagRequired("line")
	applyCmd.Flags().String("strategies", "", "strategy table directory (default strategies)")
	applyCmd.Flags().String("language", "", "pin the strategy table language")
	rootCmd.AddCommand(applyCmd)
}
