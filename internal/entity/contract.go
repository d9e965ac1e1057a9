package entity

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type SecurityType string

const (
	SecurityTypeStock  SecurityType = "STK"
	SecurityTypeOption SecurityType = "OPT"

	DefaultExchange = "SMART"
	DefaultCurrency = "USD"

	ExpirationLayout = "20060102"
)

type Contract struct {
	ConID      int64           `json:"conid,omitempty"`
	Symbol     string          `json:"symbol"`
	SecType    SecurityType    `json:"sec_type"`
	Exchange   string          `json:"exchange"`
	Currency   string          `json:"currency"`
	Expiration string          `json:"expiration,omitempty"`
	Strike     decimal.Decimal `json:"strike"`
	Right      OptionRight     `json:"right,omitempty"`
}

func NewStockContract(symbol, exchange, currency string) Contract {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if currency == "" {
		currency = DefaultCurrency
	}

	return Contract{
		Symbol:   symbol,
		SecType:  SecurityTypeStock,
		Exchange: exchange,
		Currency: currency,
	}
}

func (c Contract) String() string {
	if c.SecType == SecurityTypeOption {
		return fmt.Sprintf("%s %s %s %s", c.Symbol, c.Expiration, c.Strike.String(), c.Right)
	}
	return c.Symbol
}

func ParseExpiration(raw string) (time.Time, error) {
	return time.ParseInLocation(ExpirationLayout, raw, time.UTC)
}
