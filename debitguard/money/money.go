package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned when an amount cannot be parsed.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrNonPositiveAmount is returned when a positive amount was required.
	ErrNonPositiveAmount = errors.New("amount must be positive")
	// ErrNegativeTolerance is returned when a tolerance below zero is configured.
	ErrNegativeTolerance = errors.New("tolerance must not be negative")
)

// EUR is the only currency SEPA direct debits are collected in.
const EUR = "EUR"

// minorUnits maps ISO 4217 codes to their number of decimal places.
var minorUnits = map[string]int32{
	"EUR": 2,
	"CHF": 2,
	"GBP": 2,
	"SEK": 2,
	"NOK": 2,
	"DKK": 2,
	"PLN": 2,
	"HUF": 2,
	"ISK": 0,
}

// MinorUnits returns the decimal places of currency, defaulting to 2.
func MinorUnits(currency string) int32 {
	if u, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return u
	}

	return 2
}

// Parse reads a decimal amount such as "25.00" or "25,00".
func Parse(s string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(s)
	if strings.Count(cleaned, ",") == 1 && !strings.Contains(cleaned, ".") {
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	return d, nil
}

// ParsePositive reads an amount and requires it to be strictly positive.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}

	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNonPositiveAmount, d.String())
	}

	return d, nil
}

// Sum adds amounts together.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}

	return total
}

// Round rounds d to the minor units of currency using banker's rounding.
func Round(d decimal.Decimal, currency string) decimal.Decimal {
	return d.RoundBank(MinorUnits(currency))
}
