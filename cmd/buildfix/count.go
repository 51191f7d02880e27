package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var countForce bool

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the current compiler error count",
	Long: `Print the number of distinct compiler errors. A cached count younger
than cache.ttl is reused unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		count, err := a.exec.GetCount(ctx, countForce)
		if err != nil {
			return err
		}
		fmt.Println(count)
		return nil
	},
}

func init() {
	countCmd.Flags().BoolVar(&countForce, "force", false, "ignore the cached count and run the build")
	rootCmd.AddCommand(countCmd)
}
