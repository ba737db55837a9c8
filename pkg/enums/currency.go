package enums

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 code for amounts held in integer minor units.
type Currency string

const (
	CurrencyGBP Currency = "GBP"
	CurrencyEUR Currency = "EUR"
	CurrencyUSD Currency = "USD"
	CurrencyJPY Currency = "JPY"
)

var minorUnitsByCurrency = map[Currency]int32{
	CurrencyGBP: 2,
	CurrencyEUR: 2,
	CurrencyUSD: 2,
	CurrencyJPY: 0,
}

// String implements fmt.Stringer.
func (c Currency) String() string {
	return string(c)
}

// IsValid reports whether the currency is recognized.
func (c Currency) IsValid() bool {
	_, ok := minorUnitsByCurrency[c]
	return ok
}

// MinorUnits returns the exponent between major and minor units.
func (c Currency) MinorUnits() int32 {
	if units, ok := minorUnitsByCurrency[c]; ok {
		return units
	}
	return 2
}

// FormatMinor renders an integer minor-unit amount for humans, e.g. "50.90 GBP".
// Display only; comparisons stay on the integer value.
func (c Currency) FormatMinor(amount int64) string {
	units := c.MinorUnits()
	return fmt.Sprintf("%s %s", decimal.New(amount, -units).StringFixed(units), c)
}

// ParseCurrency converts a raw string into a Currency.
func ParseCurrency(value string) (Currency, error) {
	candidate := Currency(strings.ToUpper(strings.TrimSpace(value)))
	if candidate.IsValid() {
		return candidate, nil
	}
	return "", fmt.Errorf("invalid currency %q", value)
}
