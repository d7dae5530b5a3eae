package models

import (
	"sort"

	"github.com/shopspring/decimal"

	"stockflow/internal/calendar"
)

// Timeframe is the sampling interval of a bar.
type Timeframe string

// Day is the daily timeframe, the only one the cache currently serves.
const Day Timeframe = "1Day"

// Bar is one trading interval's OHLCV data for one symbol at one timeframe.
// Date is a calendar-day label, never a wall-clock instant.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Date      calendar.Date   `json:"date"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Timeframe Timeframe       `json:"timeframe"`
}

// SymbolSeries is the merged, deduplicated, ascending bar series returned to
// the caller for one symbol.
type SymbolSeries struct {
	Symbol string `json:"symbol"`
	Bars   []Bar  `json:"bars"`
}

// SortBars orders bars ascending by date in place.
func SortBars(bars []Bar) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
}

// MergeBars combines cached and fetched bars into one series with no two
// bars sharing a date. Fetched bars win date collisions, since the upstream
// feed is the source of truth for late corrections and today's still-moving
// bar. The result is sorted ascending.
func MergeBars(cached, fetched []Bar) []Bar {
	byDate := make(map[calendar.Date]Bar, len(cached)+len(fetched))
	for _, b := range cached {
		byDate[b.Date] = b
	}
	for _, b := range fetched {
		byDate[b.Date] = b
	}

	merged := make([]Bar, 0, len(byDate))
	for _, b := range byDate {
		merged = append(merged, b)
	}
	SortBars(merged)
	return merged
}
