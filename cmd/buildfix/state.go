package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and repair the state store",
}

var stateValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Report corrupted cache and lock records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg, "")
		if err != nil {
			return err
		}
		defer store.Close()

		bad, err := store.Check(cmd.Context())
		if err != nil {
			return err
		}
		if len(bad) == 0 {
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s State store is valid\n", green("✓"))
			return nil
		}
		red := color.New(color.FgRed).SprintFunc()
		for _, key := range bad {
			fmt.Printf("%s %s\n", red("✗"), key)
		}
		return fmt.Errorf("%d corrupted record(s); run 'buildfix state repair'", len(bad))
	},
}

var stateRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Archive corrupted records and reset them to empty",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg, "")
		if err != nil {
			return err
		}
		defer store.Close()

		repaired, err := store.RepairAll(cmd.Context())
		if err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		if len(repaired) == 0 {
			fmt.Println(gray("Nothing to repair"))
			return nil
		}
		for _, key := range repaired {
			fmt.Printf("%s %s %s\n", green("✓"), key, gray("(archived and reset)"))
		}
		return nil
	},
}

func init() {
	stateCmd.AddCommand(stateValidateCmd, stateRepairCmd)
	rootCmd.AddCommand(stateCmd)
}
