package gateway

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const clientPortalOptionMultiplier = "100"

// Market data field ids requested on every quote subscription.
var clientPortalQuoteFields = []string{
	clientPortalFieldLast,
	clientPortalFieldBid,
	clientPortalFieldAskSize,
	clientPortalFieldAsk,
	clientPortalFieldBidSize,
	clientPortalFieldVolume,
	clientPortalFieldPriorClose,
	clientPortalFieldOpenInterest,
	clientPortalFieldImpliedVol,
	clientPortalFieldDelta,
	clientPortalFieldGamma,
	clientPortalFieldTheta,
	clientPortalFieldVega,
}

type clientPortalAuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message"`
}

type clientPortalTickleResponse struct {
	Session string `json:"session"`
}

type clientPortalSearchResult struct {
	ConID       clientPortalInt64           `json:"conid"`
	Symbol      string                      `json:"symbol"`
	CompanyName string                      `json:"companyName"`
	Description string                      `json:"description"`
	Sections    []clientPortalSearchSection `json:"sections"`
}

type clientPortalSearchSection struct {
	SecType  string `json:"secType"`
	Months   string `json:"months"`
	Exchange string `json:"exchange"`
}

func (r clientPortalSearchResult) optionMonths() []string {
	for _, section := range r.Sections {
		if section.SecType != string(entity.SecurityTypeOption) {
			continue
		}

		months := make([]string, 0)
		for _, month := range strings.Split(section.Months, ";") {
			month = strings.TrimSpace(month)
			if month != "" {
				months = append(months, month)
			}
		}
		return months
	}
	return nil
}

type clientPortalStrikesResponse struct {
	Call []float64 `json:"call"`
	Put  []float64 `json:"put"`
}

type clientPortalContractInfo struct {
	ConID        clientPortalInt64 `json:"conid"`
	Symbol       string            `json:"symbol"`
	Strike       float64           `json:"strike"`
	Right        string            `json:"right"`
	MaturityDate string            `json:"maturityDate"`
	TradingClass string            `json:"tradingClass"`
}

type clientPortalHistoryResponse struct {
	Symbol string                    `json:"symbol"`
	Data   []clientPortalHistoryItem `json:"data"`
}

type clientPortalHistoryItem struct {
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
	Time   int64   `json:"t"`
}

func (g *ClientPortalGateway) HistoricalBars(ctx context.Context, contract entity.Contract, req entity.HistoricalBarsRequest) ([]entity.RawBar, error) {
	if !g.IsConnected() {
		return nil, ErrNotConnected
	}

	conID := contract.ConID
	if conID == 0 {
		underlying, err := g.resolveUnderlying(ctx, contract.Symbol)
		if err != nil {
			return nil, err
		}
		conID = int64(underlying.ConID)
	}

	query := url.Values{}
	query.Set("conid", strconv.FormatInt(conID, 10))
	query.Set("period", clientPortalPeriod(req.Days))
	query.Set("bar", clientPortalBarSize(req.BarSize))
	query.Set("outsideRth", strconv.FormatBool(!req.UseRTH))
	if source := strings.TrimSpace(req.WhatToShow); source != "" {
		query.Set("source", strings.ToLower(source))
	}

	var resp clientPortalHistoryResponse
	if err := g.getJSON(ctx, "/iserver/marketdata/history", query, &resp); err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", contract.Symbol, err)
	}

	bars := make([]entity.RawBar, 0, len(resp.Data))
	for _, item := range resp.Data {
		bars = append(bars, entity.RawBar{
			Date:   time.UnixMilli(item.Time).UTC(),
			Open:   item.Open,
			High:   item.High,
			Low:    item.Low,
			Close:  item.Close,
			Volume: item.Volume,
		})
	}

	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})

	return bars, nil
}

// OptionChainParams returns a single entry covering every listed option month.
// Expirations are the monthly third-Friday dates; strikes are the union over
// all months.
func (g *ClientPortalGateway) OptionChainParams(ctx context.Context, symbol string) ([]entity.OptionChainParams, error) {
	if !g.IsConnected() {
		return nil, ErrNotConnected
	}

	underlying, err := g.resolveUnderlying(ctx, symbol)
	if err != nil {
		return nil, err
	}

	months := underlying.optionMonths()
	if len(months) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoChainParams, symbol)
	}

	strikeSet := make(map[string]decimal.Decimal)
	expirations := make([]string, 0, len(months))
	for _, month := range months {
		expiration, err := expirationFromMonthCode(month)
		if err != nil {
			logrus.WithField("symbol", symbol).Warnf("skipping option month: %v", err)
			continue
		}

		query := url.Values{}
		query.Set("conid", strconv.FormatInt(int64(underlying.ConID), 10))
		query.Set("sectype", string(entity.SecurityTypeOption))
		query.Set("month", month)
		query.Set("exchange", entity.DefaultExchange)

		var strikes clientPortalStrikesResponse
		if err := g.getJSON(ctx, "/iserver/secdef/strikes", query, &strikes); err != nil {
			return nil, fmt.Errorf("fetch strikes for %s %s: %w", symbol, month, err)
		}

		for _, raw := range append(strikes.Call, strikes.Put...) {
			strike := decimal.NewFromFloat(raw)
			strikeSet[strike.String()] = strike
		}
		expirations = append(expirations, expiration.Format(entity.ExpirationLayout))
	}

	if len(expirations) == 0 || len(strikeSet) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoChainParams, symbol)
	}

	strikes := make([]decimal.Decimal, 0, len(strikeSet))
	for _, strike := range strikeSet {
		strikes = append(strikes, strike)
	}
	sort.Slice(strikes, func(i, j int) bool {
		return strikes[i].LessThan(strikes[j])
	})
	sort.Strings(expirations)

	return []entity.OptionChainParams{{
		Exchange:        entity.DefaultExchange,
		UnderlyingConID: int64(underlying.ConID),
		TradingClass:    underlying.Symbol,
		Multiplier:      clientPortalOptionMultiplier,
		Expirations:     expirations,
		Strikes:         strikes,
	}}, nil
}

// RequestQuote subscribes to streaming market data. The returned ticker is
// updated while the caller is inside Sleep.
func (g *ClientPortalGateway) RequestQuote(ctx context.Context, contract entity.Contract) (*entity.Ticker, error) {
	conn, err := g.activeConn()
	if err != nil {
		return nil, err
	}

	conID, err := g.resolveQuoteConID(ctx, contract)
	if err != nil {
		return nil, err
	}

	ticker := &entity.Ticker{Contract: contract}
	ticker.Contract.ConID = conID

	message := fmt.Sprintf(`smd+%d+{"fields":["%s"]}`, conID, strings.Join(clientPortalQuoteFields, `","`))
	if err := g.writeText(conn, message); err != nil {
		return nil, fmt.Errorf("subscribe market data for %s: %w", contract.String(), err)
	}

	g.tickers[conID] = ticker
	g.quoteConIDs[clientPortalQuoteKey(contract)] = conID

	return ticker, nil
}

func (g *ClientPortalGateway) CancelQuote(contract entity.Contract) error {
	key := clientPortalQuoteKey(contract)
	conID, ok := g.quoteConIDs[key]
	if !ok {
		return nil
	}

	delete(g.quoteConIDs, key)
	delete(g.tickers, conID)

	conn, err := g.activeConn()
	if err != nil {
		return nil
	}

	if err := g.writeText(conn, fmt.Sprintf("umd+%d+{}", conID)); err != nil {
		return fmt.Errorf("cancel market data for %s: %w", contract.String(), err)
	}
	return nil
}

func (g *ClientPortalGateway) resolveUnderlying(ctx context.Context, symbol string) (clientPortalSearchResult, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return clientPortalSearchResult{}, fmt.Errorf("%w: empty symbol", ErrContractNotFound)
	}
	if cached, ok := g.underlyings[key]; ok {
		return cached, nil
	}

	query := url.Values{}
	query.Set("symbol", key)

	var results []clientPortalSearchResult
	if err := g.getJSON(ctx, "/iserver/secdef/search", query, &results); err != nil {
		return clientPortalSearchResult{}, fmt.Errorf("search %s: %w", key, err)
	}

	var picked *clientPortalSearchResult
	for idx := range results {
		if strings.EqualFold(results[idx].Symbol, key) {
			picked = &results[idx]
			break
		}
	}
	if picked == nil && len(results) > 0 {
		picked = &results[0]
	}
	if picked == nil || picked.ConID == 0 {
		return clientPortalSearchResult{}, fmt.Errorf("%w: %s", ErrContractNotFound, key)
	}

	g.underlyings[key] = *picked

	return *picked, nil
}

func (g *ClientPortalGateway) resolveQuoteConID(ctx context.Context, contract entity.Contract) (int64, error) {
	if contract.ConID != 0 {
		return contract.ConID, nil
	}

	underlying, err := g.resolveUnderlying(ctx, contract.Symbol)
	if err != nil {
		return 0, err
	}

	if contract.SecType != entity.SecurityTypeOption {
		return int64(underlying.ConID), nil
	}

	expiration, err := entity.ParseExpiration(contract.Expiration)
	if err != nil {
		return 0, fmt.Errorf("invalid expiration %q: %w", contract.Expiration, err)
	}

	exchange := contract.Exchange
	if exchange == "" {
		exchange = entity.DefaultExchange
	}

	query := url.Values{}
	query.Set("conid", strconv.FormatInt(int64(underlying.ConID), 10))
	query.Set("sectype", string(entity.SecurityTypeOption))
	query.Set("month", monthCode(expiration))
	query.Set("strike", contract.Strike.String())
	query.Set("right", string(contract.Right))
	query.Set("exchange", exchange)

	var infos []clientPortalContractInfo
	if err := g.getJSON(ctx, "/iserver/secdef/info", query, &infos); err != nil {
		return 0, fmt.Errorf("fetch contract info for %s: %w", contract.String(), err)
	}

	for _, info := range infos {
		if info.MaturityDate == contract.Expiration && info.ConID != 0 {
			return int64(info.ConID), nil
		}
	}
	if len(infos) > 0 && infos[0].ConID != 0 {
		return int64(infos[0].ConID), nil
	}

	return 0, fmt.Errorf("%w: %s", ErrContractNotFound, contract.String())
}

func clientPortalQuoteKey(contract entity.Contract) string {
	return string(contract.SecType) + ":" + contract.String()
}

func clientPortalPeriod(days int) string {
	if days <= 0 {
		days = 1
	}
	return fmt.Sprintf("%dd", days)
}

// clientPortalBarSize maps "1 day" style sizes onto the gateway's "1d" form.
func clientPortalBarSize(barSize string) string {
	parts := strings.Fields(strings.ToLower(barSize))
	if len(parts) != 2 {
		return "1d"
	}

	count, err := strconv.Atoi(parts[0])
	if err != nil || count <= 0 {
		return "1d"
	}

	switch strings.TrimSuffix(parts[1], "s") {
	case "min":
		return fmt.Sprintf("%dmin", count)
	case "hour":
		return fmt.Sprintf("%dh", count)
	case "day":
		return fmt.Sprintf("%dd", count)
	case "week":
		return fmt.Sprintf("%dw", count)
	case "month":
		return fmt.Sprintf("%dm", count)
	default:
		return "1d"
	}
}
