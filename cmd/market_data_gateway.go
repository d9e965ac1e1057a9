/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/ibkr-orchestrator/internal/bootstrap"
	"github.com/spf13/cobra"
)

// marketDataGatewayCmd represents the marketDataGateway command
var marketDataGatewayCmd = &cobra.Command{
	Use:   "market-data-gateway",
	Short: "Long running IBKR market data service",
	Long: `Market Data Gateway holds a single IBKR gateway session and serves market data over HTTP.

This service:
- Connects to the IBKR gateway and reconnects when the session drops
- Keeps the session alive on a fixed interval
- Serves bars, option chains, ATM options and greeks under /ibkr/v1
- Publishes connection status changes to NATS JetStream when configured
- Leases its client id in redis when configured`,
	Run: bootstrap.StartMarketDataGateway,
}

func init() {
	rootCmd.AddCommand(marketDataGatewayCmd)
}
