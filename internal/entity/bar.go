package entity

import (
	"time"

	"github.com/guregu/null/v6"
)

type HistoricalBarsRequest struct {
	Symbol     string
	Days       int
	BarSize    string
	WhatToShow string
	UseRTH     bool
}

func DefaultHistoricalBarsRequest(symbol string) HistoricalBarsRequest {
	return HistoricalBarsRequest{
		Symbol:     symbol,
		Days:       52,
		BarSize:    "1 day",
		WhatToShow: "TRADES",
		UseRTH:     true,
	}
}

type RawBar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

type Bar struct {
	RawBar
	SMA50         null.Float `json:"sma50"`
	GreenCandle   bool       `json:"green_candle"`
	DailyReturn   null.Float `json:"daily_return"`
	Volatility20D null.Float `json:"volatility_20d"`
}
