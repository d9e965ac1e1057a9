package entity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

type OptionRight string

const (
	OptionRightCall OptionRight = "C"
	OptionRightPut  OptionRight = "P"
)

type OptionSide string

const (
	OptionSideCall OptionSide = "CALL"
	OptionSidePut  OptionSide = "PUT"
	OptionSideBoth OptionSide = "BOTH"
)

func ParseOptionSide(raw string) (OptionSide, error) {
	switch OptionSide(strings.ToUpper(strings.TrimSpace(raw))) {
	case OptionSideCall, "C":
		return OptionSideCall, nil
	case OptionSidePut, "P":
		return OptionSidePut, nil
	case OptionSideBoth, "":
		return OptionSideBoth, nil
	default:
		return "", fmt.Errorf("unsupported option side: %s", raw)
	}
}

func (s OptionSide) IncludesCall() bool {
	return s == OptionSideCall || s == OptionSideBoth
}

func (s OptionSide) IncludesPut() bool {
	return s == OptionSidePut || s == OptionSideBoth
}

type OptionContract struct {
	Symbol     string          `json:"symbol"`
	Expiration time.Time       `json:"expiration"`
	Strike     decimal.Decimal `json:"strike"`
	Right      OptionRight     `json:"right"`
	Exchange   string          `json:"exchange"`
	Currency   string          `json:"currency"`
}

func NewOptionContract(symbol string, expiration time.Time, strike decimal.Decimal, right OptionRight, exchange string) OptionContract {
	return OptionContract{
		Symbol:     symbol,
		Expiration: expiration,
		Strike:     strike,
		Right:      right,
		Exchange:   exchange,
		Currency:   DefaultCurrency,
	}
}

func (o OptionContract) ExpirationString() string {
	return o.Expiration.Format(ExpirationLayout)
}

func (o OptionContract) Contract() Contract {
	return Contract{
		Symbol:     o.Symbol,
		SecType:    SecurityTypeOption,
		Exchange:   o.Exchange,
		Currency:   o.Currency,
		Expiration: o.ExpirationString(),
		Strike:     o.Strike,
		Right:      o.Right,
	}
}

func (o OptionContract) String() string {
	return fmt.Sprintf("%s %s %s %s", o.Symbol, o.Right, o.Strike.String(), o.ExpirationString())
}

// OptionChainIndex maps a YYYYMMDD expiration to its contracts, ordered by strike
// with the call preceding the put at each strike.
type OptionChainIndex map[string][]OptionContract

func (idx OptionChainIndex) Expirations() []string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (idx OptionChainIndex) Len() int {
	total := 0
	for _, contracts := range idx {
		total += len(contracts)
	}
	return total
}

type OptionChainParams struct {
	Exchange        string            `json:"exchange"`
	UnderlyingConID int64             `json:"underlying_conid"`
	TradingClass    string            `json:"trading_class"`
	Multiplier      string            `json:"multiplier"`
	Expirations     []string          `json:"expirations"`
	Strikes         []decimal.Decimal `json:"strikes"`
}

type Greeks struct {
	ImpliedVol   null.Float `json:"implied_vol"`
	Delta        null.Float `json:"delta"`
	Gamma        null.Float `json:"gamma"`
	Vega         null.Float `json:"vega"`
	Theta        null.Float `json:"theta"`
	OptPrice     null.Float `json:"opt_price"`
	BidPrice     null.Float `json:"bid_price"`
	AskPrice     null.Float `json:"ask_price"`
	BidSize      null.Float `json:"bid_size"`
	AskSize      null.Float `json:"ask_size"`
	Volume       null.Float `json:"volume"`
	OpenInterest null.Float `json:"open_interest"`
}

func (g Greeks) IsEmpty() bool {
	for _, v := range []null.Float{
		g.ImpliedVol, g.Delta, g.Gamma, g.Vega, g.Theta, g.OptPrice,
		g.BidPrice, g.AskPrice, g.BidSize, g.AskSize, g.Volume, g.OpenInterest,
	} {
		if v.Valid {
			return false
		}
	}
	return true
}
