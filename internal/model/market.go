package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotSchemaVersion is bumped whenever the persisted snapshot shape changes.
const SnapshotSchemaVersion = 1

// Strategy names the technique that produced (or served) a snapshot.
type Strategy string

const (
	StrategyFetch           Strategy = "fetch"
	StrategyRender          Strategy = "render"
	StrategyMemoryCache     Strategy = "memory-cache"
	StrategyPersistentCache Strategy = "persistent-cache"
)

// DailyBar is one row of the upstream historical price table.
type DailyBar struct {
	Date          string          `json:"date"` // YYYY-MM-DD
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
}

// PricePoint is a price observed on a given date.
type PricePoint struct {
	Price decimal.Decimal `json:"price"`
	Date  string          `json:"date"`
}

// RangeStats holds the 52-week and year-to-date extremes.
type RangeStats struct {
	Week52High PricePoint `json:"week52_high"`
	Week52Low  PricePoint `json:"week52_low"`
	YearHigh   PricePoint `json:"year_high"`
	YearLow    PricePoint `json:"year_low"`
}

// StockSnapshot is the parsed, point-in-time view of one stock code.
// It is never mutated after the fetch that produced it.
type StockSnapshot struct {
	SchemaVersion int             `json:"schema_version"`
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Exchange      string          `json:"exchange"`
	Category      string          `json:"category"`
	Sector        string          `json:"sector"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Performance   string          `json:"performance"` // up, down, neutral
	UpdateTime    string          `json:"update_time"`
	Range         RangeStats      `json:"range"`
	Historical    []DailyBar      `json:"historical"`
	Strategy      Strategy        `json:"strategy"`
	FetchedAt     time.Time       `json:"fetched_at"`
}
