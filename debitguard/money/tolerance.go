package money

import (
	"github.com/shopspring/decimal"
)

// DefaultToleranceUnits is the number of minor currency units two amounts may
// differ by and still be considered equal.
const DefaultToleranceUnits = 2

// Tolerance is an absolute amount two values may differ by. It is applied
// identically by the reconciler, the batch validator and the payment guard.
type Tolerance struct {
	value decimal.Decimal
}

// DefaultTolerance returns 2 minor units of currency, 0.02 for EUR.
func DefaultTolerance(currency string) Tolerance {
	return Tolerance{value: decimal.New(DefaultToleranceUnits, -MinorUnits(currency))}
}

// NewTolerance returns an absolute tolerance of value.
func NewTolerance(value decimal.Decimal) (Tolerance, error) {
	if value.IsNegative() {
		return Tolerance{}, ErrNegativeTolerance
	}

	return Tolerance{value: value}, nil
}

// MustTolerance is NewTolerance for literals known to be valid.
func MustTolerance(value string) Tolerance {
	t, err := NewTolerance(decimal.RequireFromString(value))
	if err != nil {
		panic(err)
	}

	return t
}

// Value returns the absolute tolerance.
func (t Tolerance) Value() decimal.Decimal {
	return t.value
}

// Equal reports whether |a-b| <= tolerance.
func (t Tolerance) Equal(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(t.value)
}

// Exceeds reports whether amount is greater than limit by more than the
// tolerance.
func (t Tolerance) Exceeds(amount, limit decimal.Decimal) bool {
	return amount.GreaterThan(limit.Add(t.value))
}

// Difference returns |a-b|.
func Difference(a, b decimal.Decimal) decimal.Decimal {
	return a.Sub(b).Abs()
}

func (t Tolerance) String() string {
	return t.value.String()
}
