// Package types provides common value types used across the billing engine.
package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount of a single asset.
//
// Amounts are arbitrary-precision decimals: unit prices as small as 0.00003
// must survive thousands of accumulations without drift, so nothing is
// rounded until Round is called explicitly at settlement or display time.
//
// Examples:
//   - New(decimal.RequireFromString("49.00"), "USD")
//   - MustParse("0.0456", "USD")
//   - Zero("CREDITS")
type Money struct {
	Amount decimal.Decimal `json:"amount"`
	Asset  string          `json:"asset"` // Asset code, upper case: "USD", "CREDITS"
}

// New creates a Money value of the given asset.
func New(amount decimal.Decimal, asset string) Money {
	return Money{Amount: amount, Asset: NormalizeAsset(asset)}
}

// Parse creates a Money value from a decimal string.
func Parse(amount, asset string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", amount, err)
	}
	return New(d, asset), nil
}

// MustParse is like Parse but panics on error. Use for literals.
func MustParse(amount, asset string) Money {
	m, err := Parse(amount, asset)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero Money value of the given asset.
func Zero(asset string) Money { return New(decimal.Zero, asset) }

// NormalizeAsset returns the canonical form of an asset code.
func NormalizeAsset(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Arithmetic operations

// Add adds two Money values. Panics if assets don't match.
func (m Money) Add(other Money) Money {
	m.assertSameAsset(other)
	return Money{Amount: m.Amount.Add(other.Amount), Asset: m.Asset}
}

// Subtract subtracts another Money value. Panics if assets don't match.
func (m Money) Subtract(other Money) Money {
	m.assertSameAsset(other)
	return Money{Amount: m.Amount.Sub(other.Amount), Asset: m.Asset}
}

// Mul multiplies the Money by a decimal factor.
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(factor), Asset: m.Asset}
}

// Negate returns the negative of the Money value.
func (m Money) Negate() Money {
	return Money{Amount: m.Amount.Neg(), Asset: m.Asset}
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	return Money{Amount: m.Amount.Abs(), Asset: m.Asset}
}

// Round rounds the amount to scale decimal places using round-half-to-even.
func (m Money) Round(scale int32) Money {
	return Money{Amount: m.Amount.RoundBank(scale), Asset: m.Asset}
}

// Comparison methods

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount.IsZero() }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }

// Equal returns true if both values have the same asset and numerically equal amounts.
func (m Money) Equal(other Money) bool {
	return m.Asset == other.Asset && m.Amount.Equal(other.Amount)
}

// LessThan returns true if this Money is less than other. Panics if assets don't match.
func (m Money) LessThan(other Money) bool {
	m.assertSameAsset(other)
	return m.Amount.LessThan(other.Amount)
}

// GreaterThan returns true if this Money is greater than other. Panics if assets don't match.
func (m Money) GreaterThan(other Money) bool {
	m.assertSameAsset(other)
	return m.Amount.GreaterThan(other.Amount)
}

// Min returns the smaller of two Money values. Panics if assets don't match.
func (m Money) Min(other Money) Money {
	m.assertSameAsset(other)
	if m.Amount.LessThan(other.Amount) {
		return m
	}
	return other
}

// Max returns the larger of two Money values. Panics if assets don't match.
func (m Money) Max(other Money) Money {
	m.assertSameAsset(other)
	if m.Amount.GreaterThan(other.Amount) {
		return m
	}
	return other
}

// Formatting methods

// Format returns the amount with exactly scale decimal places, rounded half-to-even.
// Format(2) on 0.0456 USD is "0.05".
func (m Money) Format(scale int32) string {
	return m.Amount.StringFixedBank(scale)
}

// String returns the unrounded amount followed by the asset code: "0.0456 USD".
func (m Money) String() string {
	return m.Amount.String() + " " + m.Asset
}

// MarshalJSON implements json.Marshaler. Amounts are encoded as strings so
// no precision is lost in transit.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount string `json:"amount"`
		Asset  string `json:"asset"`
	}{
		Amount: m.Amount.String(),
		Asset:  m.Asset,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount decimal.Decimal `json:"amount"`
		Asset  string          `json:"asset"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = New(raw.Amount, raw.Asset)
	return nil
}

// assertSameAsset panics if assets don't match.
func (m Money) assertSameAsset(other Money) {
	if m.Asset != other.Asset {
		panic(fmt.Sprintf("money: asset mismatch: %s != %s", m.Asset, other.Asset))
	}
}

// Sum adds values of the given asset. All values must be of that asset.
func Sum(asset string, values ...Money) Money {
	result := Zero(asset)
	for _, v := range values {
		result = result.Add(v)
	}
	return result
}
