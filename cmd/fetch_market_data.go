/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/ibkr-orchestrator/internal/bootstrap"
	"github.com/spf13/cobra"
)

const defaultFetchSymbol = "AAPL"

// fetchMarketDataCmd represents the fetch-market-data command
var fetchMarketDataCmd = &cobra.Command{
	Use:   "fetch-market-data [symbol]",
	Short: "Print bars, option chain, ATM options and greeks for a symbol",
	Long: `Fetches 60 daily bars with SMA50, the option chain, the ATM and OTM options
and the greeks of the ATM call for a symbol (default AAPL).`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		symbol := defaultFetchSymbol
		if len(args) > 0 {
			symbol = args[0]
		}
		bootstrap.StartFetchMarketData(symbol)
	},
}

func init() {
	rootCmd.AddCommand(fetchMarketDataCmd)
}
