/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"time"

	"github.com/krobus00/ibkr-orchestrator/internal/bootstrap"
	"github.com/spf13/cobra"
)

var connectDuration time.Duration

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open a gateway session and keep it alive",
	Long: `Connects to the configured IBKR gateway, logs every connection status change,
keeps the session alive for --duration and disconnects.`,
	Run: func(cmd *cobra.Command, args []string) {
		bootstrap.StartConnect(connectDuration)
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)

	connectCmd.Flags().DurationVar(&connectDuration, "duration", 5*time.Second, "how long to keep the session alive, 0 waits for a signal")
}
