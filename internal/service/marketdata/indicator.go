package marketdata

import (
	"math"

	"github.com/guregu/null/v6"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
)

const (
	DefaultSMAPeriod = 50
	VolatilityWindow = 20
)

// SMA is the trailing simple moving average. Entries before the first full
// window are invalid.
func SMA(values []float64, period int) []null.Float {
	out := make([]null.Float, len(values))
	if period <= 0 {
		return out
	}

	sum := 0.0
	for idx, value := range values {
		sum += value
		if idx >= period {
			sum -= values[idx-period]
		}
		if idx >= period-1 {
			out[idx] = null.FloatFrom(sum / float64(period))
		}
	}
	return out
}

// PctChange is the fractional change from the previous value. The first entry,
// and any entry whose previous value is zero, is invalid.
func PctChange(values []float64) []null.Float {
	out := make([]null.Float, len(values))
	for idx := 1; idx < len(values); idx++ {
		prev := values[idx-1]
		if prev == 0 {
			continue
		}
		out[idx] = null.FloatFrom(values[idx]/prev - 1)
	}
	return out
}

// RollingStdDev is the trailing sample standard deviation (n-1). A window with
// any invalid entry yields an invalid result.
func RollingStdDev(values []null.Float, period int) []null.Float {
	out := make([]null.Float, len(values))
	if period < 2 {
		return out
	}

	for end := period - 1; end < len(values); end++ {
		window := values[end-period+1 : end+1]

		mean, complete := 0.0, true
		for _, v := range window {
			if !v.Valid {
				complete = false
				break
			}
			mean += v.Float64
		}
		if !complete {
			continue
		}
		mean /= float64(period)

		variance := 0.0
		for _, v := range window {
			diff := v.Float64 - mean
			variance += diff * diff
		}
		out[end] = null.FloatFrom(math.Sqrt(variance / float64(period-1)))
	}
	return out
}

// Annotate derives the indicator columns over the whole series using trailing
// windows only.
func Annotate(raw []entity.RawBar, smaPeriod int) []entity.Bar {
	if smaPeriod <= 0 {
		smaPeriod = DefaultSMAPeriod
	}

	closes := make([]float64, len(raw))
	for idx, bar := range raw {
		closes[idx] = bar.Close
	}

	sma := SMA(closes, smaPeriod)
	returns := PctChange(closes)
	volatility := RollingStdDev(returns, VolatilityWindow)

	bars := make([]entity.Bar, len(raw))
	for idx, bar := range raw {
		bars[idx] = entity.Bar{
			RawBar:        bar,
			SMA50:         sma[idx],
			GreenCandle:   bar.Close > bar.Open,
			DailyReturn:   returns[idx],
			Volatility20D: volatility[idx],
		}
	}
	return bars
}
