package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/guregu/null/v6"
	"github.com/krobus00/ibkr-orchestrator/internal/config"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	"github.com/krobus00/ibkr-orchestrator/internal/service/marketdata"
	"github.com/sirupsen/logrus"
)

const (
	reportHistoryDays = 60
	reportTailBars    = 5
	reportGreenWindow = 10
)

type marketDataReader interface {
	GetHistoricalBars(ctx context.Context, req entity.HistoricalBarsRequest) []entity.Bar
	GetOptionChain(ctx context.Context, symbol, exchange string) entity.OptionChainIndex
	GetATMOptions(ctx context.Context, req marketdata.ATMRequest) []entity.OptionContract
	GetOptionGreeks(ctx context.Context, option entity.OptionContract) entity.Greeks
}

// StartFetchMarketData connects, prints a market data report for symbol and
// disconnects.
func StartFetchMarketData(symbol string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	manager, service := initMarketData()
	defer manager.Close()

	if !manager.Connect(ctx) {
		logrus.Error("failed to connect, make sure the IBKR gateway is running")
		return
	}

	writeMarketDataReport(ctx, os.Stdout, service, symbol, config.Env.Strategy.OTMOffset)

	manager.Disconnect()
}

func writeMarketDataReport(ctx context.Context, out io.Writer, reader marketDataReader, symbol string, otmOffset int) {
	fmt.Fprintf(out, "Market data report - %s\n\n", symbol)

	req := entity.DefaultHistoricalBarsRequest(symbol)
	req.Days = reportHistoryDays

	fmt.Fprintf(out, "Fetching %d daily bars for %s...\n", req.Days, symbol)
	bars := reader.GetHistoricalBars(ctx, req)
	if len(bars) == 0 {
		fmt.Fprintf(out, "No historical data available for %s\n", symbol)
	} else {
		writeBarsSummary(out, bars)
	}

	fmt.Fprintf(out, "\nFetching option chain for %s...\n", symbol)
	chain := reader.GetOptionChain(ctx, symbol, "")
	if chain.Len() == 0 {
		fmt.Fprintf(out, "No option chain available for %s\n", symbol)
		return
	}

	fmt.Fprintf(out, "Retrieved option chain with %d expirations and %d total options\n", len(chain), chain.Len())
	fmt.Fprintln(out, "Available expirations:")
	for idx, expiration := range chain.Expirations() {
		fmt.Fprintf(out, "  %d. %s\n", idx+1, expiration)
	}

	fmt.Fprintf(out, "\nFinding ATM options for %s...\n", symbol)
	atm := reader.GetATMOptions(ctx, marketdata.ATMRequest{Symbol: symbol, Side: entity.OptionSideBoth})
	if len(atm) == 0 {
		fmt.Fprintf(out, "No ATM options found for %s\n", symbol)
		return
	}
	writeOptions(out, "ATM options:", atm)

	fmt.Fprintf(out, "\nFinding OTM options for %s (%d strike OTM)...\n", symbol, otmOffset)
	writeOptions(out, "OTM call options:", reader.GetATMOptions(ctx, marketdata.ATMRequest{
		Symbol:    symbol,
		Side:      entity.OptionSideCall,
		OTMOffset: otmOffset,
	}))
	writeOptions(out, "OTM put options:", reader.GetATMOptions(ctx, marketdata.ATMRequest{
		Symbol:    symbol,
		Side:      entity.OptionSidePut,
		OTMOffset: otmOffset,
	}))

	sample := atm[0]
	fmt.Fprintf(out, "\nFetching greeks for %s...\n", sample.String())
	greeks := reader.GetOptionGreeks(ctx, sample)
	if greeks.IsEmpty() {
		fmt.Fprintln(out, "No greeks available")
		return
	}

	fmt.Fprintln(out, "Option greeks:")
	fmt.Fprintf(out, "  Implied volatility: %s\n", formatNullFloat(greeks.ImpliedVol, 4))
	fmt.Fprintf(out, "  Delta: %s\n", formatNullFloat(greeks.Delta, 4))
	fmt.Fprintf(out, "  Gamma: %s\n", formatNullFloat(greeks.Gamma, 4))
	fmt.Fprintf(out, "  Theta: %s\n", formatNullFloat(greeks.Theta, 4))
	fmt.Fprintf(out, "  Vega: %s\n", formatNullFloat(greeks.Vega, 4))
	fmt.Fprintf(out, "  Option price: %s\n", formatNullFloat(greeks.OptPrice, 2))
	fmt.Fprintf(out, "  Bid/Ask: %s/%s\n", formatNullFloat(greeks.BidPrice, 2), formatNullFloat(greeks.AskPrice, 2))
}

func writeBarsSummary(out io.Writer, bars []entity.Bar) {
	fmt.Fprintf(out, "Retrieved %d bars\n\n", len(bars))
	fmt.Fprintf(out, "Last %d bars with SMA50:\n", reportTailBars)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tOPEN\tHIGH\tLOW\tCLOSE\tSMA50\tGREEN")
	for _, bar := range tail(bars, reportTailBars) {
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%.4f\t%.4f\t%s\t%t\n",
			bar.Date.Format("2006-01-02"), bar.Open, bar.High, bar.Low, bar.Close,
			formatNullFloat(bar.SMA50, 4), bar.GreenCandle)
	}
	_ = tw.Flush()

	green := 0
	for _, bar := range tail(bars, reportGreenWindow) {
		if bar.GreenCandle {
			green++
		}
	}
	fmt.Fprintf(out, "\nGreen candles in last %d days: %d\n", reportGreenWindow, green)

	last := bars[len(bars)-1]
	if last.SMA50.Valid {
		position := "below"
		if last.Close > last.SMA50.Float64 {
			position = "above"
		}
		fmt.Fprintf(out, "Price is %s SMA50\n", position)
	}
}

func writeOptions(out io.Writer, title string, options []entity.OptionContract) {
	fmt.Fprintln(out, title)
	if len(options) == 0 {
		fmt.Fprintln(out, "  none")
		return
	}
	for _, option := range options {
		fmt.Fprintf(out, "  %s %s %s\n", option.Right, option.Strike.String(), option.ExpirationString())
	}
}

func tail(bars []entity.Bar, n int) []entity.Bar {
	if len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}

func formatNullFloat(v null.Float, precision int) string {
	if !v.Valid {
		return "n/a"
	}
	return fmt.Sprintf("%.*f", precision, v.Float64)
}
