package marketdata

import (
	"sort"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	"github.com/shopspring/decimal"
)

// SelectExpiration picks the nearest expiration at least minDays after today,
// falling back to the furthest one. Unparseable entries are ignored.
func SelectExpiration(expirations []string, today time.Time, minDays int) (string, bool) {
	type candidate struct {
		raw  string
		date time.Time
	}

	candidates := make([]candidate, 0, len(expirations))
	for _, raw := range expirations {
		date, err := entity.ParseExpiration(raw)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{raw: date.Format(entity.ExpirationLayout), date: date})
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].date.Before(candidates[j].date)
	})

	// compare calendar dates; today keeps its own calendar day whatever its location
	earliest := time.Date(today.Year(), today.Month(), today.Day()+minDays, 0, 0, 0, 0, time.UTC)
	for _, c := range candidates {
		date := time.Date(c.date.Year(), c.date.Month(), c.date.Day(), 0, 0, 0, 0, time.UTC)
		if !date.Before(earliest) {
			return c.raw, true
		}
	}

	return candidates[len(candidates)-1].raw, true
}

// FindATMIndex returns the index of the strike closest to price, the lower
// strike winning ties. Strikes must be ascending. Returns -1 when empty.
func FindATMIndex(strikes []decimal.Decimal, price float64) int {
	if len(strikes) == 0 {
		return -1
	}

	target := decimal.NewFromFloat(price)
	best := 0
	bestDistance := strikes[0].Sub(target).Abs()
	for idx := 1; idx < len(strikes); idx++ {
		distance := strikes[idx].Sub(target).Abs()
		if distance.LessThan(bestDistance) {
			best = idx
			bestDistance = distance
		}
	}
	return best
}

// ApplyOTMOffset moves calls up and puts down the strike ladder, clamped to its
// ends.
func ApplyOTMOffset(atmIdx, offset, count int, right entity.OptionRight) int {
	if offset <= 0 || count <= 0 {
		return atmIdx
	}

	if right == entity.OptionRightCall {
		return min(atmIdx+offset, count-1)
	}
	return max(atmIdx-offset, 0)
}

// NarrowStrikes keeps the limit strikes nearest price, or the limit strikes
// around the middle of the ladder when no price is known. The result is
// ascending.
func NarrowStrikes(strikes []decimal.Decimal, price null.Float, limit int) []decimal.Decimal {
	sorted := sortStrikes(strikes)
	if limit <= 0 || len(sorted) <= limit {
		return sorted
	}

	if price.Valid && price.Float64 != 0 {
		target := decimal.NewFromFloat(price.Float64)
		byDistance := make([]decimal.Decimal, len(sorted))
		copy(byDistance, sorted)
		sort.SliceStable(byDistance, func(i, j int) bool {
			return byDistance[i].Sub(target).Abs().LessThan(byDistance[j].Sub(target).Abs())
		})
		return sortStrikes(byDistance[:limit])
	}

	middle := len(sorted) / 2
	lo := max(middle-limit/2, 0)
	hi := min(lo+limit, len(sorted))
	return sorted[lo:hi]
}

func sortStrikes(strikes []decimal.Decimal) []decimal.Decimal {
	sorted := make([]decimal.Decimal, len(strikes))
	copy(sorted, strikes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})
	return sorted
}
