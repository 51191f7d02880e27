package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/buildfix/internal/strategy"
)

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "Inspect strategy tables",
}

var strategiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the loaded strategy tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := strategy.LoadDir(cfg.Strategies.Dir)
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		tables := reg.Tables()
		if len(tables) == 0 {
			fmt.Println(gray("No strategy tables in " + cfg.Strategies.Dir))
			return nil
		}
		for _, t := range tables {
			fmt.Printf("%s %s\n", cyan(t.Language), gray(t.Version))
			fmt.Printf("  Source:     %s\n", t.Source)
			if len(t.Extensions) > 0 {
				fmt.Printf("  Extensions: %s\n", strings.Join(t.Extensions, " "))
			}
			codes := t.Codes()
			fmt.Printf("  Codes (%d): %s\n", len(codes), strings.Join(codes, " "))
			fmt.Println()
		}
		return nil
	},
}

func init() {
	strategiesListCmd.Flags().String("dir", "", "strategy table directory (default strategies)")
	strategiesCmd.AddCommand(strategiesListCmd)
	rootCmd.AddCommand(strategiesCmd)
}
