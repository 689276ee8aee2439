// Package calculator derives range statistics from daily bars when the
// upstream range table is missing.
package calculator

import (
	"errors"
	"strconv"
	"strings"

	"StockScout/internal/model"
)

// tradingDays52w is the number of bars scanned for the 52-week range.
const tradingDays52w = 252

var errNoBars = errors.New("no daily bars provided")

// extremes returns the highest High and lowest Low among bars with their
// dates. Bars are newest first, so ties keep the most recent date.
func extremes(bars []model.DailyBar) (high, low model.PricePoint) {
	for i, b := range bars {
		if i == 0 || b.High.GreaterThan(high.Price) {
			high = model.PricePoint{Price: b.High, Date: b.Date}
		}
		if i == 0 || b.Low.LessThan(low.Price) {
			low = model.PricePoint{Price: b.Low, Date: b.Date}
		}
	}
	return high, low
}

// Calculate52WeekRange scans the most recent 252 trading days (bars are
// newest first) and returns the high and low.
func Calculate52WeekRange(bars []model.DailyBar) (high, low model.PricePoint, err error) {
	if len(bars) == 0 {
		return high, low, errNoBars
	}
	if len(bars) > tradingDays52w {
		bars = bars[:tradingDays52w]
	}
	high, low = extremes(bars)
	return high, low, nil
}

// CalculateYearRange returns the high and low of bars dated in year.
func CalculateYearRange(bars []model.DailyBar, year int) (high, low model.PricePoint, err error) {
	prefix := strconv.Itoa(year) + "-"
	var inYear []model.DailyBar
	for _, b := range bars {
		if strings.HasPrefix(b.Date, prefix) {
			inYear = append(inYear, b)
		}
	}
	if len(inYear) == 0 {
		return high, low, errNoBars
	}
	high, low = extremes(inYear)
	return high, low, nil
}

// FillMissingRange computes any zero range entries of snap from its
// historical bars. It reports whether anything was filled.
func FillMissingRange(snap *model.StockSnapshot) bool {
	if len(snap.Historical) == 0 {
		return false
	}
	filled := false
	r := &snap.Range
	if r.Week52High.Price.IsZero() || r.Week52Low.Price.IsZero() {
		if h, l, err := Calculate52WeekRange(snap.Historical); err == nil {
			r.Week52High, r.Week52Low = h, l
			filled = true
		}
	}
	if r.YearHigh.Price.IsZero() || r.YearLow.Price.IsZero() {
		year, err := strconv.Atoi(strings.SplitN(snap.Historical[0].Date, "-", 2)[0])
		if err == nil {
			if h, l, err := CalculateYearRange(snap.Historical, year); err == nil {
				r.YearHigh, r.YearLow = h, l
				filled = true
			}
		}
	}
	return filled
}
