package marketdata

import (
	"context"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/ibkr-orchestrator/internal/config"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultQuoteTimeout      = 2 * time.Second
	defaultQuotePollInterval = 100 * time.Millisecond
	defaultMaxChainStrikes   = 20
	defaultMinDaysToExpiry   = 30
)

type Config struct {
	Exchange          string
	Currency          string
	QuoteTimeout      time.Duration
	QuotePollInterval time.Duration
	MaxChainStrikes   int
	MinDaysToExpiry   int
	SMAPeriod         int
	Clock             func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Exchange:          entity.DefaultExchange,
		Currency:          entity.DefaultCurrency,
		QuoteTimeout:      defaultQuoteTimeout,
		QuotePollInterval: defaultQuotePollInterval,
		MaxChainStrikes:   defaultMaxChainStrikes,
		MinDaysToExpiry:   defaultMinDaysToExpiry,
		SMAPeriod:         DefaultSMAPeriod,
		Clock:             time.Now,
	}
}

func ConfigFromEnv(env *config.EnvConfig) Config {
	cfg := DefaultConfig()
	if env == nil {
		return cfg
	}

	cfg.Exchange = env.MarketData.Exchange
	cfg.QuoteTimeout = env.MarketData.QuoteTimeout
	cfg.QuotePollInterval = env.MarketData.QuotePollInterval
	cfg.MaxChainStrikes = env.MarketData.MaxChainStrikes
	cfg.MinDaysToExpiry = env.MarketData.MinDaysToExpiry
	cfg.SMAPeriod = env.Strategy.SMAPeriod

	return cfg
}

func (c Config) normalize() Config {
	defaults := DefaultConfig()

	if strings.TrimSpace(c.Exchange) == "" {
		c.Exchange = defaults.Exchange
	}
	if strings.TrimSpace(c.Currency) == "" {
		c.Currency = defaults.Currency
	}
	if c.QuoteTimeout <= 0 {
		c.QuoteTimeout = defaults.QuoteTimeout
	}
	if c.QuotePollInterval <= 0 {
		c.QuotePollInterval = defaults.QuotePollInterval
	}
	if c.MaxChainStrikes <= 0 {
		c.MaxChainStrikes = defaults.MaxChainStrikes
	}
	if c.MinDaysToExpiry < 0 {
		c.MinDaysToExpiry = defaults.MinDaysToExpiry
	}
	if c.SMAPeriod <= 0 {
		c.SMAPeriod = defaults.SMAPeriod
	}
	if c.Clock == nil {
		c.Clock = defaults.Clock
	}

	return c
}

type ATMRequest struct {
	Symbol string
	// Expiration is YYYYMMDD; empty selects one automatically.
	Expiration string
	Side       entity.OptionSide
	Exchange   string
	OTMOffset  int
}

// MarketDataService fetches bars, chains and greeks through a connected
// gateway. Every operation absorbs failures into an empty result and logs them.
type MarketDataService struct {
	gateway entity.Gateway
	config  Config
}

func NewMarketDataService(gateway entity.Gateway, cfg Config) *MarketDataService {
	return &MarketDataService{
		gateway: gateway,
		config:  cfg.normalize(),
	}
}

func (s *MarketDataService) Config() Config {
	return s.config
}

func (s *MarketDataService) GetHistoricalBars(ctx context.Context, req entity.HistoricalBarsRequest) []entity.Bar {
	defaults := entity.DefaultHistoricalBarsRequest(req.Symbol)
	if req.Days <= 0 {
		req.Days = defaults.Days
	}
	if strings.TrimSpace(req.BarSize) == "" {
		req.BarSize = defaults.BarSize
	}
	if strings.TrimSpace(req.WhatToShow) == "" {
		req.WhatToShow = defaults.WhatToShow
	}

	logger := logrus.WithFields(logrus.Fields{
		"symbol":   req.Symbol,
		"days":     req.Days,
		"bar_size": req.BarSize,
	})
	logger.Infof("fetching %d %s bars for %s", req.Days, req.BarSize, req.Symbol)

	if strings.TrimSpace(req.Symbol) == "" {
		logger.Warn("historical bars requested without a symbol")
		return []entity.Bar{}
	}

	contract := entity.NewStockContract(req.Symbol, s.config.Exchange, s.config.Currency)
	raw, err := s.gateway.HistoricalBars(ctx, contract, req)
	if err != nil {
		logger.Errorf("error fetching historical data for %s: %v", req.Symbol, err)
		return []entity.Bar{}
	}
	if len(raw) == 0 {
		logger.Warnf("no historical data returned for %s", req.Symbol)
		return []entity.Bar{}
	}

	return Annotate(raw, s.config.SMAPeriod)
}

// GetOptionChain builds one call and one put per strike for every expiration of
// the first chain definition. Long strike ladders are narrowed to
// MaxChainStrikes.
func (s *MarketDataService) GetOptionChain(ctx context.Context, symbol, exchange string) entity.OptionChainIndex {
	if strings.TrimSpace(exchange) == "" {
		exchange = s.config.Exchange
	}

	logger := logrus.WithFields(logrus.Fields{
		"symbol":   symbol,
		"exchange": exchange,
	})
	logger.Infof("fetching option chain for %s", symbol)

	params, err := s.gateway.OptionChainParams(ctx, symbol)
	if err != nil {
		logger.Errorf("error fetching option chain for %s: %v", symbol, err)
		return entity.OptionChainIndex{}
	}
	if len(params) == 0 {
		logger.Warnf("no option chain data returned for %s", symbol)
		return entity.OptionChainIndex{}
	}

	chain := params[0]
	strikes := sortStrikes(chain.Strikes)
	if len(strikes) > s.config.MaxChainStrikes {
		price, err := s.underlyingPrice(ctx, symbol, exchange)
		if err != nil {
			logger.Warnf("could not get current price for %s: %v", symbol, err)
		}
		strikes = NarrowStrikes(strikes, price, s.config.MaxChainStrikes)
	}

	index := make(entity.OptionChainIndex, len(chain.Expirations))
	for _, raw := range chain.Expirations {
		expiration, err := entity.ParseExpiration(raw)
		if err != nil {
			logger.Warnf("skipping invalid expiration %q: %v", raw, err)
			continue
		}

		options := make([]entity.OptionContract, 0, 2*len(strikes))
		for _, strike := range strikes {
			options = append(options,
				entity.NewOptionContract(symbol, expiration, strike, entity.OptionRightCall, exchange),
				entity.NewOptionContract(symbol, expiration, strike, entity.OptionRightPut, exchange),
			)
		}
		index[expiration.Format(entity.ExpirationLayout)] = options
	}

	return index
}

// GetATMOptions returns the strike nearest the underlying price, shifted
// OTMOffset strikes out of the money. With both sides requested the call comes
// first.
func (s *MarketDataService) GetATMOptions(ctx context.Context, req ATMRequest) []entity.OptionContract {
	if req.Side == "" {
		req.Side = entity.OptionSideBoth
	}
	if strings.TrimSpace(req.Exchange) == "" {
		req.Exchange = s.config.Exchange
	}

	logger := logrus.WithFields(logrus.Fields{
		"symbol":     req.Symbol,
		"side":       req.Side,
		"otm_offset": req.OTMOffset,
		"expiration": req.Expiration,
	})
	logger.Infof("finding ATM options for %s", req.Symbol)

	if req.OTMOffset < 0 {
		logger.Warnf("otm offset must be non-negative, got %d", req.OTMOffset)
		return []entity.OptionContract{}
	}

	price, err := s.underlyingPrice(ctx, req.Symbol, req.Exchange)
	if err != nil {
		logger.Errorf("error finding ATM options for %s: %v", req.Symbol, err)
		return []entity.OptionContract{}
	}
	if !price.Valid {
		logger.Warnf("could not determine current price for %s", req.Symbol)
		return []entity.OptionContract{}
	}
	logger.Debugf("current price for %s: %v", req.Symbol, price.Float64)

	params, err := s.gateway.OptionChainParams(ctx, req.Symbol)
	if err != nil {
		logger.Errorf("error finding ATM options for %s: %v", req.Symbol, err)
		return []entity.OptionContract{}
	}
	if len(params) == 0 {
		logger.Warnf("no option chain data returned for %s", req.Symbol)
		return []entity.OptionContract{}
	}
	chain := params[0]

	expirationRaw := strings.TrimSpace(req.Expiration)
	if expirationRaw == "" {
		selected, ok := SelectExpiration(chain.Expirations, s.config.Clock(), s.config.MinDaysToExpiry)
		if !ok {
			logger.Warnf("no expirations available for %s", req.Symbol)
			return []entity.OptionContract{}
		}
		expirationRaw = selected
		logger.Debugf("selected expiration %s for %s", expirationRaw, req.Symbol)
	}

	expiration, err := entity.ParseExpiration(expirationRaw)
	if err != nil {
		logger.Errorf("invalid expiration %q: %v", expirationRaw, err)
		return []entity.OptionContract{}
	}

	strikes := sortStrikes(chain.Strikes)
	if len(strikes) == 0 {
		logger.Warnf("no strikes available for %s", req.Symbol)
		return []entity.OptionContract{}
	}

	atmIdx := FindATMIndex(strikes, price.Float64)

	result := make([]entity.OptionContract, 0, 2)
	if req.Side.IncludesCall() {
		idx := ApplyOTMOffset(atmIdx, req.OTMOffset, len(strikes), entity.OptionRightCall)
		result = append(result, entity.NewOptionContract(req.Symbol, expiration, strikes[idx], entity.OptionRightCall, req.Exchange))
	}
	if req.Side.IncludesPut() {
		idx := ApplyOTMOffset(atmIdx, req.OTMOffset, len(strikes), entity.OptionRightPut)
		result = append(result, entity.NewOptionContract(req.Symbol, expiration, strikes[idx], entity.OptionRightPut, req.Exchange))
	}

	return result
}

// GetOptionGreeks subscribes to the option, waits until model greeks or a price
// arrive (bounded by QuoteTimeout) and extracts what is populated.
func (s *MarketDataService) GetOptionGreeks(ctx context.Context, option entity.OptionContract) entity.Greeks {
	logger := logrus.WithField("contract", option.String())
	logger.Infof("fetching greeks for %s", option.String())

	contract := option.Contract()
	ticker, err := s.gateway.RequestQuote(ctx, contract)
	if err != nil {
		logger.Errorf("error fetching greeks for %s: %v", option.Symbol, err)
		return entity.Greeks{}
	}
	defer s.cancelQuote(contract)

	ready := s.waitForTicker(ctx, ticker, func(t *entity.Ticker) bool {
		return t.HasGreeks() || t.MarketPrice().Valid
	})
	if !ready {
		logger.Warn("option quote not ready before timeout, returning partial data")
	}

	return greeksFromTicker(ticker)
}

func (s *MarketDataService) underlyingPrice(ctx context.Context, symbol, exchange string) (null.Float, error) {
	contract := entity.NewStockContract(symbol, exchange, s.config.Currency)
	ticker, err := s.gateway.RequestQuote(ctx, contract)
	if err != nil {
		return null.Float{}, err
	}
	defer s.cancelQuote(contract)

	s.waitForTicker(ctx, ticker, func(t *entity.Ticker) bool {
		return t.MarketPrice().Valid
	})

	return ticker.MarketPrice(), nil
}

// waitForTicker pumps the gateway until ready holds, the quote timeout elapses
// or ctx is done.
func (s *MarketDataService) waitForTicker(ctx context.Context, ticker *entity.Ticker, ready func(*entity.Ticker) bool) bool {
	deadline := time.Now().Add(s.config.QuoteTimeout)
	for {
		if ready(ticker) {
			return true
		}
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return false
		}
		s.gateway.Sleep(s.config.QuotePollInterval)
	}
}

func (s *MarketDataService) cancelQuote(contract entity.Contract) {
	if err := s.gateway.CancelQuote(contract); err != nil {
		logrus.WithField("contract", contract.String()).Warnf("cancel market data failed: %v", err)
	}
}

func greeksFromTicker(ticker *entity.Ticker) entity.Greeks {
	if ticker == nil {
		return entity.Greeks{}
	}

	return entity.Greeks{
		ImpliedVol:   ticker.ImpliedVol,
		Delta:        ticker.Delta,
		Gamma:        ticker.Gamma,
		Vega:         ticker.Vega,
		Theta:        ticker.Theta,
		OptPrice:     ticker.MarketPrice(),
		BidPrice:     ticker.Bid,
		AskPrice:     ticker.Ask,
		BidSize:      ticker.BidSize,
		AskSize:      ticker.AskSize,
		Volume:       ticker.Volume,
		OpenInterest: ticker.OpenInterest,
	}
}
