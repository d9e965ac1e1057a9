package entity

import "github.com/guregu/null/v6"

// Ticker is the live quote of one subscribed contract. Only the gateway event
// pump writes to it.
type Ticker struct {
	Contract Contract

	Last         null.Float
	Close        null.Float
	Bid          null.Float
	Ask          null.Float
	BidSize      null.Float
	AskSize      null.Float
	Volume       null.Float
	OpenInterest null.Float

	ImpliedVol null.Float
	Delta      null.Float
	Gamma      null.Float
	Vega       null.Float
	Theta      null.Float
}

// MarketPrice is the last trade price, falling back to the previous close.
func (t *Ticker) MarketPrice() null.Float {
	if t == nil {
		return null.Float{}
	}
	if t.Last.Valid && t.Last.Float64 != 0 {
		return t.Last
	}
	if t.Close.Valid && t.Close.Float64 != 0 {
		return t.Close
	}
	return null.Float{}
}

func (t *Ticker) HasGreeks() bool {
	return t != nil && (t.ImpliedVol.Valid || t.Delta.Valid)
}
