// Package asset holds the units of value the engine bills in and the
// exchange rates between them.
package asset

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credyt/billing/id"
	"github.com/credyt/billing/types"
)

var (
	ErrUnknownAsset    = errors.New("billing: unknown asset")
	ErrNoRateAvailable = errors.New("billing: no exchange rate available")
	ErrInvalidAsset    = errors.New("billing: invalid asset")
	ErrInvalidRate     = errors.New("billing: invalid exchange rate")
)

type Kind string

const (
	KindFiat   Kind = "fiat"
	KindCustom Kind = "custom"
)

// MaxScale bounds the decimal precision an asset may declare.
const MaxScale = 18

// Asset is a unit of value such as "USD" or "CREDITS". Assets are immutable
// once registered.
type Asset struct {
	types.Entity
	Code   string `json:"code"`
	Name   string `json:"name,omitempty"`
	Kind   Kind   `json:"kind"`
	Scale  int32  `json:"scale"`
	Symbol string `json:"symbol,omitempty"`
}

// Validate checks the asset definition.
func (a *Asset) Validate() error {
	switch {
	case a.Code == "":
		return fmt.Errorf("%w: code is required", ErrInvalidAsset)
	case a.Kind != KindFiat && a.Kind != KindCustom:
		return fmt.Errorf("%w: kind must be fiat or custom", ErrInvalidAsset)
	case a.Scale < 0 || a.Scale > MaxScale:
		return fmt.Errorf("%w: scale out of range", ErrInvalidAsset)
	}
	return nil
}

// Round rounds an amount to the asset's scale, half-to-even.
func (a *Asset) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundBank(a.Scale)
}

// Display formats an amount with the asset's symbol and scale: "$0.05".
func (a *Asset) Display(amount decimal.Decimal) string {
	s := amount.StringFixedBank(a.Scale)
	if a.Symbol != "" {
		return a.Symbol + s
	}
	return s + " " + a.Code
}

// ExchangeRate converts one unit of From into Rate units of To, starting at
// EffectiveAt. A rate has no expiry: it applies until a later rate for the
// same pair takes effect.
type ExchangeRate struct {
	types.Entity
	ID          id.RateID       `json:"id"`
	From        string          `json:"from_asset"`
	To          string          `json:"to_asset"`
	Rate        decimal.Decimal `json:"rate"`
	EffectiveAt time.Time       `json:"effective_at"`
}
