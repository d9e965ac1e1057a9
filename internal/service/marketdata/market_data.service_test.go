package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	"github.com/shopspring/decimal"
)

// fakeGateway fills tickers only when Sleep is called, like the real event pump.
type fakeGateway struct {
	bars    []entity.RawBar
	barsErr error

	params    []entity.OptionChainParams
	paramsErr error

	quoteErr     error
	price        null.Float
	optionTicker entity.Ticker

	pending   []func()
	requested []entity.Contract
	cancelled []entity.Contract
}

func (g *fakeGateway) Connect(context.Context, entity.ConnectOptions) error { return nil }
func (g *fakeGateway) Disconnect() error                                    { return nil }
func (g *fakeGateway) IsConnected() bool                                    { return true }
func (g *fakeGateway) SetEventHandler(entity.EventHandler)                  {}

func (g *fakeGateway) Sleep(time.Duration) {
	pending := g.pending
	g.pending = nil
	for _, apply := range pending {
		apply()
	}
}

func (g *fakeGateway) HistoricalBars(context.Context, entity.Contract, entity.HistoricalBarsRequest) ([]entity.RawBar, error) {
	return g.bars, g.barsErr
}

func (g *fakeGateway) OptionChainParams(context.Context, string) ([]entity.OptionChainParams, error) {
	return g.params, g.paramsErr
}

func (g *fakeGateway) RequestQuote(_ context.Context, contract entity.Contract) (*entity.Ticker, error) {
	if g.quoteErr != nil {
		return nil, g.quoteErr
	}
	g.requested = append(g.requested, contract)

	ticker := &entity.Ticker{Contract: contract}
	g.pending = append(g.pending, func() {
		if contract.SecType == entity.SecurityTypeOption {
			source := g.optionTicker
			source.Contract = contract
			*ticker = source
			return
		}
		ticker.Last = g.price
	})
	return ticker, nil
}

func (g *fakeGateway) CancelQuote(contract entity.Contract) error {
	g.cancelled = append(g.cancelled, contract)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.QuoteTimeout = 20 * time.Millisecond
	cfg.QuotePollInterval = time.Millisecond
	cfg.Clock = func() time.Time { return time.Date(2026, time.January, 1, 15, 30, 0, 0, time.UTC) }
	return cfg
}

func decimals(values ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for idx, v := range values {
		out[idx] = decimal.NewFromFloat(v)
	}
	return out
}

func strikeRange(from, to, step float64) []decimal.Decimal {
	var out []decimal.Decimal
	for v := from; v <= to; v += step {
		out = append(out, decimal.NewFromFloat(v))
	}
	return out
}

func TestGetHistoricalBars_DerivedFields(t *testing.T) {
	start := time.Date(2025, time.October, 1, 0, 0, 0, 0, time.UTC)
	raw := make([]entity.RawBar, 60)
	for idx := range raw {
		closePrice := float64(100 + idx)
		openPrice := closePrice - 1
		if idx%2 == 1 {
			openPrice = closePrice + 1
		}
		raw[idx] = entity.RawBar{
			Date:   start.AddDate(0, 0, idx),
			Open:   openPrice,
			High:   closePrice + 2,
			Low:    closePrice - 2,
			Close:  closePrice,
			Volume: 1000,
		}
	}

	svc := NewMarketDataService(&fakeGateway{bars: raw}, testConfig())
	bars := svc.GetHistoricalBars(context.Background(), entity.HistoricalBarsRequest{Symbol: "AAPL", Days: 60})

	if len(bars) != 60 {
		t.Fatalf("expected 60 bars, got %d", len(bars))
	}

	for idx := 0; idx < 49; idx++ {
		if bars[idx].SMA50.Valid {
			t.Fatalf("SMA50 must be absent at index %d", idx)
		}
	}
	if got := bars[49].SMA50; !got.Valid || got.Float64 != 124.5 {
		t.Fatalf("SMA50[49] = %+v, want 124.5", got)
	}
	if got := bars[59].SMA50; !got.Valid || got.Float64 != 134.5 {
		t.Fatalf("SMA50[59] = %+v, want 134.5", got)
	}

	if bars[0].DailyReturn.Valid {
		t.Fatal("daily return must be absent at index 0")
	}
	if got := bars[1].DailyReturn; !got.Valid || !almostEqual(got.Float64, 0.01) {
		t.Fatalf("daily return[1] = %+v, want 0.01", got)
	}

	for idx := 0; idx < 20; idx++ {
		if bars[idx].Volatility20D.Valid {
			t.Fatalf("volatility must be absent at index %d", idx)
		}
	}
	if !bars[20].Volatility20D.Valid || bars[20].Volatility20D.Float64 <= 0 {
		t.Fatalf("volatility[20] = %+v, want positive", bars[20].Volatility20D)
	}

	if !bars[0].GreenCandle || bars[1].GreenCandle {
		t.Fatalf("green candle flags wrong: %v %v", bars[0].GreenCandle, bars[1].GreenCandle)
	}
}

func TestGetHistoricalBars_EmptyOnFailure(t *testing.T) {
	tests := []struct {
		name string
		gw   *fakeGateway
		req  entity.HistoricalBarsRequest
	}{
		{"gateway error", &fakeGateway{barsErr: errors.New("timeout")}, entity.DefaultHistoricalBarsRequest("AAPL")},
		{"no data", &fakeGateway{}, entity.DefaultHistoricalBarsRequest("AAPL")},
		{"missing symbol", &fakeGateway{bars: []entity.RawBar{{Close: 1}}}, entity.HistoricalBarsRequest{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewMarketDataService(tt.gw, testConfig())
			bars := svc.GetHistoricalBars(context.Background(), tt.req)
			if bars == nil || len(bars) != 0 {
				t.Fatalf("expected empty non-nil result, got %v", bars)
			}
		})
	}
}

func TestGetATMOptions(t *testing.T) {
	chain := entity.OptionChainParams{
		Exchange:    entity.DefaultExchange,
		Expirations: []string{"20260320", "20260116", "20260220"},
		Strikes:     decimals(140, 100, 120, 110, 130),
	}

	tests := []struct {
		name       string
		price      float64
		req        ATMRequest
		wantRights []entity.OptionRight
		wantStrike []string
		wantExpiry string
	}{
		{
			name:       "both sides at the money",
			price:      120,
			req:        ATMRequest{Symbol: "AAPL"},
			wantRights: []entity.OptionRight{entity.OptionRightCall, entity.OptionRightPut},
			wantStrike: []string{"120", "120"},
			wantExpiry: "20260220",
		},
		{
			name:       "one strike out of the money",
			price:      120,
			req:        ATMRequest{Symbol: "AAPL", Side: entity.OptionSideBoth, OTMOffset: 1},
			wantRights: []entity.OptionRight{entity.OptionRightCall, entity.OptionRightPut},
			wantStrike: []string{"130", "110"},
			wantExpiry: "20260220",
		},
		{
			name:       "call only",
			price:      121,
			req:        ATMRequest{Symbol: "AAPL", Side: entity.OptionSideCall, OTMOffset: 1},
			wantRights: []entity.OptionRight{entity.OptionRightCall},
			wantStrike: []string{"130"},
			wantExpiry: "20260220",
		},
		{
			name:       "put only",
			price:      119,
			req:        ATMRequest{Symbol: "AAPL", Side: entity.OptionSidePut, OTMOffset: 1},
			wantRights: []entity.OptionRight{entity.OptionRightPut},
			wantStrike: []string{"110"},
			wantExpiry: "20260220",
		},
		{
			name:       "offset clamped at both ends",
			price:      120,
			req:        ATMRequest{Symbol: "AAPL", OTMOffset: 10},
			wantRights: []entity.OptionRight{entity.OptionRightCall, entity.OptionRightPut},
			wantStrike: []string{"140", "100"},
			wantExpiry: "20260220",
		},
		{
			name:       "tie goes to lower strike",
			price:      115,
			req:        ATMRequest{Symbol: "AAPL", Side: entity.OptionSideCall},
			wantRights: []entity.OptionRight{entity.OptionRightCall},
			wantStrike: []string{"110"},
			wantExpiry: "20260220",
		},
		{
			name:       "explicit expiration",
			price:      120,
			req:        ATMRequest{Symbol: "AAPL", Side: entity.OptionSidePut, Expiration: "20260116"},
			wantRights: []entity.OptionRight{entity.OptionRightPut},
			wantStrike: []string{"120"},
			wantExpiry: "20260116",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{params: []entity.OptionChainParams{chain}, price: null.FloatFrom(tt.price)}
			svc := NewMarketDataService(gw, testConfig())

			got := svc.GetATMOptions(context.Background(), tt.req)
			if len(got) != len(tt.wantRights) {
				t.Fatalf("expected %d contracts, got %d: %v", len(tt.wantRights), len(got), got)
			}
			for idx, option := range got {
				if option.Right != tt.wantRights[idx] {
					t.Errorf("[%d] right = %s, want %s", idx, option.Right, tt.wantRights[idx])
				}
				if option.Strike.String() != tt.wantStrike[idx] {
					t.Errorf("[%d] strike = %s, want %s", idx, option.Strike, tt.wantStrike[idx])
				}
				if option.ExpirationString() != tt.wantExpiry {
					t.Errorf("[%d] expiration = %s, want %s", idx, option.ExpirationString(), tt.wantExpiry)
				}
				if option.Currency != entity.DefaultCurrency || option.Exchange != entity.DefaultExchange {
					t.Errorf("[%d] unexpected exchange/currency %s/%s", idx, option.Exchange, option.Currency)
				}
			}

			if len(gw.cancelled) != len(gw.requested) {
				t.Fatalf("every quote must be cancelled: requested %d cancelled %d", len(gw.requested), len(gw.cancelled))
			}
		})
	}
}

func TestGetATMOptions_EmptyResults(t *testing.T) {
	chain := entity.OptionChainParams{
		Expirations: []string{"20260220"},
		Strikes:     decimals(100, 110, 120),
	}

	tests := []struct {
		name string
		gw   *fakeGateway
		req  ATMRequest
	}{
		{"no price", &fakeGateway{params: []entity.OptionChainParams{chain}}, ATMRequest{Symbol: "AAPL"}},
		{"quote error", &fakeGateway{params: []entity.OptionChainParams{chain}, quoteErr: errors.New("no permissions")}, ATMRequest{Symbol: "AAPL"}},
		{"chain error", &fakeGateway{paramsErr: errors.New("boom"), price: null.FloatFrom(110)}, ATMRequest{Symbol: "AAPL"}},
		{"no chain", &fakeGateway{price: null.FloatFrom(110)}, ATMRequest{Symbol: "AAPL"}},
		{"no strikes", &fakeGateway{params: []entity.OptionChainParams{{Expirations: []string{"20260220"}}}, price: null.FloatFrom(110)}, ATMRequest{Symbol: "AAPL"}},
		{"no expirations", &fakeGateway{params: []entity.OptionChainParams{{Strikes: decimals(100)}}, price: null.FloatFrom(110)}, ATMRequest{Symbol: "AAPL"}},
		{"negative offset", &fakeGateway{params: []entity.OptionChainParams{chain}, price: null.FloatFrom(110)}, ATMRequest{Symbol: "AAPL", OTMOffset: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewMarketDataService(tt.gw, testConfig())
			got := svc.GetATMOptions(context.Background(), tt.req)
			if got == nil || len(got) != 0 {
				t.Fatalf("expected empty non-nil result, got %v", got)
			}
			if len(tt.gw.cancelled) != len(tt.gw.requested) {
				t.Fatalf("every quote must be cancelled: requested %d cancelled %d", len(tt.gw.requested), len(tt.gw.cancelled))
			}
		})
	}
}

func TestGetOptionChain(t *testing.T) {
	gw := &fakeGateway{params: []entity.OptionChainParams{{
		Exchange:    entity.DefaultExchange,
		Expirations: []string{"20260116", "20260220"},
		Strikes:     decimals(120, 100, 110, 130, 140),
	}}}
	svc := NewMarketDataService(gw, testConfig())

	chain := svc.GetOptionChain(context.Background(), "AAPL", "")

	if len(chain) != 2 {
		t.Fatalf("expected 2 expirations, got %d", len(chain))
	}
	if chain.Len() != 20 {
		t.Fatalf("expected 20 contracts, got %d", chain.Len())
	}
	if len(gw.requested) != 0 {
		t.Fatal("short ladders must not request a quote")
	}

	for _, expiration := range chain.Expirations() {
		contracts := chain[expiration]
		if len(contracts) != 10 {
			t.Fatalf("%s: expected 10 contracts, got %d", expiration, len(contracts))
		}
		for idx := 0; idx < len(contracts); idx += 2 {
			call, put := contracts[idx], contracts[idx+1]
			if call.Right != entity.OptionRightCall || put.Right != entity.OptionRightPut {
				t.Fatalf("%s: expected call then put at %d", expiration, idx)
			}
			if !call.Strike.Equal(put.Strike) {
				t.Fatalf("%s: pair strikes differ at %d", expiration, idx)
			}
			if idx > 0 && !contracts[idx-2].Strike.LessThan(call.Strike) {
				t.Fatalf("%s: strikes not ascending at %d", expiration, idx)
			}
			if call.ExpirationString() != expiration {
				t.Fatalf("contract expiration %s under key %s", call.ExpirationString(), expiration)
			}
		}
	}
}

func TestGetOptionChain_NarrowsLongLadders(t *testing.T) {
	params := []entity.OptionChainParams{{
		Expirations: []string{"20260220"},
		Strikes:     strikeRange(100, 140, 1),
	}}

	t.Run("nearest to price", func(t *testing.T) {
		gw := &fakeGateway{params: params, price: null.FloatFrom(120.4)}
		chain := NewMarketDataService(gw, testConfig()).GetOptionChain(context.Background(), "AAPL", "SMART")

		contracts := chain["20260220"]
		if len(contracts) != 40 {
			t.Fatalf("expected 40 contracts, got %d", len(contracts))
		}
		if first, last := contracts[0].Strike.String(), contracts[len(contracts)-1].Strike.String(); first != "111" || last != "130" {
			t.Fatalf("strike window = %s..%s, want 111..130", first, last)
		}
		if len(gw.cancelled) != 1 {
			t.Fatalf("expected the price quote to be cancelled, got %d", len(gw.cancelled))
		}
	})

	t.Run("middle without price", func(t *testing.T) {
		gw := &fakeGateway{params: params, quoteErr: errors.New("no data")}
		chain := NewMarketDataService(gw, testConfig()).GetOptionChain(context.Background(), "AAPL", "SMART")

		contracts := chain["20260220"]
		if len(contracts) != 40 {
			t.Fatalf("expected 40 contracts, got %d", len(contracts))
		}
		if first, last := contracts[0].Strike.String(), contracts[len(contracts)-1].Strike.String(); first != "110" || last != "129" {
			t.Fatalf("strike window = %s..%s, want 110..129", first, last)
		}
	})
}

func TestGetOptionChain_EmptyOnFailure(t *testing.T) {
	for name, gw := range map[string]*fakeGateway{
		"error":    {paramsErr: errors.New("boom")},
		"no chain": {},
	} {
		t.Run(name, func(t *testing.T) {
			chain := NewMarketDataService(gw, testConfig()).GetOptionChain(context.Background(), "AAPL", "")
			if chain == nil || len(chain) != 0 {
				t.Fatalf("expected empty non-nil chain, got %v", chain)
			}
		})
	}
}

func TestGetOptionGreeks(t *testing.T) {
	option := entity.NewOptionContract("AAPL", time.Date(2026, time.February, 20, 0, 0, 0, 0, time.UTC), decimal.NewFromInt(120), entity.OptionRightCall, entity.DefaultExchange)

	gw := &fakeGateway{optionTicker: entity.Ticker{
		Close:      null.FloatFrom(4.5),
		Bid:        null.FloatFrom(4.4),
		Ask:        null.FloatFrom(4.6),
		ImpliedVol: null.FloatFrom(0.27),
		Delta:      null.FloatFrom(0.51),
	}}
	svc := NewMarketDataService(gw, testConfig())

	greeks := svc.GetOptionGreeks(context.Background(), option)

	if greeks.Delta.Float64 != 0.51 || greeks.ImpliedVol.Float64 != 0.27 {
		t.Fatalf("unexpected greeks: %+v", greeks)
	}
	if !greeks.OptPrice.Valid || greeks.OptPrice.Float64 != 4.5 {
		t.Fatalf("option price must fall back to close, got %+v", greeks.OptPrice)
	}
	if greeks.Gamma.Valid || greeks.OpenInterest.Valid {
		t.Fatal("unpopulated fields must stay absent")
	}
	if len(gw.cancelled) != 1 || gw.cancelled[0].SecType != entity.SecurityTypeOption {
		t.Fatalf("expected the option quote to be cancelled, got %v", gw.cancelled)
	}
}

func TestGetOptionGreeks_EmptyOnFailure(t *testing.T) {
	option := entity.NewOptionContract("AAPL", time.Date(2026, time.February, 20, 0, 0, 0, 0, time.UTC), decimal.NewFromInt(120), entity.OptionRightPut, entity.DefaultExchange)

	t.Run("quote error", func(t *testing.T) {
		gw := &fakeGateway{quoteErr: errors.New("no permissions")}
		greeks := NewMarketDataService(gw, testConfig()).GetOptionGreeks(context.Background(), option)
		if !greeks.IsEmpty() {
			t.Fatalf("expected empty greeks, got %+v", greeks)
		}
	})

	t.Run("timeout still cancels", func(t *testing.T) {
		gw := &fakeGateway{}
		greeks := NewMarketDataService(gw, testConfig()).GetOptionGreeks(context.Background(), option)
		if !greeks.IsEmpty() {
			t.Fatalf("expected empty greeks, got %+v", greeks)
		}
		if len(gw.cancelled) != 1 {
			t.Fatalf("expected cancel after timeout, got %d", len(gw.cancelled))
		}
	})
}
