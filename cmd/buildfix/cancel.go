package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/buildfix/internal/control"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the session running in the coordinator",
	Long: `Ask a running 'buildfix serve' to cancel its fix session. The session
restores every file it touched before it ends.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := control.NewClient(cfg.SocketPath()).Cancel()
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("cancel failed: %s", resp.Error)
		}

		if cancelled, _ := resp.Data["cancelled"].(bool); cancelled {
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s Session cancelled; its changes are being rolled back\n", green("✓"))
		} else {
			gray := color.New(color.FgHiBlack).SprintFunc()
			fmt.Println(gray("No session is running"))
		}
		return nil
	},
}

func init() {
	cancelCmd.Flags().String("socket", "", "control socket path (default <state-dir>/buildfix.sock)")
	rootCmd.AddCommand(cancelCmd)
}
