// Package extract turns upstream page markup into a StockSnapshot.
package extract

import (
	"errors"
	"strings"

	"StockScout/internal/model"

	"github.com/shopspring/decimal"
)

// ErrParseFailure means the markup did not contain the expected structure.
var ErrParseFailure = errors.New("parse failure")

// Parser extracts a snapshot for code from a page.
type Parser interface {
	Parse(code string, html []byte) (*model.StockSnapshot, error)
}

var numberReplacer = strings.NewReplacer(
	",", "",
	"円", "",
	"株", "",
	"%", "",
	"+", "",
	"−", "-",
)

// cleanNumber strips thousands separators, units and signs and parses the
// rest. Anything unparsable is zero.
func cleanNumber(text string) decimal.Decimal {
	s := strings.TrimSpace(numberReplacer.Replace(text))
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
