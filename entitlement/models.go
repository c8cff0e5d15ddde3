// Package entitlement tracks credit grants per customer and draws charges
// down against them before anything reaches the wallet.
package entitlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credyt/billing/id"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/types"
)

var (
	ErrInvalidGrant  = errors.New("billing: invalid credit grant")
	ErrInvalidAmount = errors.New("billing: invalid charge amount")
)

// CreditGrant is a customer's drawable balance of one asset. Remaining never
// goes negative.
type CreditGrant struct {
	types.Entity
	ID              id.GrantID              `json:"id"`
	CustomerID      string                  `json:"customer_id"`
	AssetCode       string                  `json:"asset_code"`
	Amount          decimal.Decimal         `json:"amount"`
	Remaining       decimal.Decimal         `json:"remaining"`
	Purpose         product.Purpose         `json:"purpose"`
	EffectiveAt     time.Time               `json:"effective_at"`
	ExpiresAt       *time.Time              `json:"expires_at,omitempty"`
	RefreshStrategy product.RefreshStrategy `json:"refresh_strategy"`
	RefreshInterval product.Interval        `json:"refresh_interval,omitempty"`
	LastRefreshedAt *time.Time              `json:"last_refreshed_at,omitempty"`
	SourcePriceID   id.PriceID              `json:"source_price_id,omitzero"`
	SubscriptionID  id.SubscriptionID       `json:"subscription_id,omitzero"`
	Metadata        map[string]string       `json:"metadata,omitempty"`
}

// ActiveAt reports whether the grant can be drawn at t.
func (g *CreditGrant) ActiveAt(t time.Time) bool {
	if t.Before(g.EffectiveAt) {
		return false
	}
	return g.ExpiresAt == nil || t.Before(*g.ExpiresAt)
}

// Clone returns a deep copy of the grant.
func (g *CreditGrant) Clone() *CreditGrant {
	c := *g
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		c.ExpiresAt = &t
	}
	if g.LastRefreshedAt != nil {
		t := *g.LastRefreshedAt
		c.LastRefreshedAt = &t
	}
	if g.Metadata != nil {
		c.Metadata = make(map[string]string, len(g.Metadata))
		for k, v := range g.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (g *CreditGrant) validate() error {
	switch {
	case g.CustomerID == "":
		return fmt.Errorf("%w: customer_id is required", ErrInvalidGrant)
	case g.AssetCode == "":
		return fmt.Errorf("%w: asset_code is required", ErrInvalidGrant)
	case !g.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidGrant)
	case g.Remaining.IsNegative():
		return fmt.Errorf("%w: remaining must not be negative", ErrInvalidGrant)
	case g.EffectiveAt.IsZero():
		return fmt.Errorf("%w: effective_at is required", ErrInvalidGrant)
	case g.ExpiresAt != nil && !g.ExpiresAt.After(g.EffectiveAt):
		return fmt.Errorf("%w: expires_at must be after effective_at", ErrInvalidGrant)
	}

	switch g.RefreshStrategy {
	case product.RefreshNone:
	case product.RefreshReset, product.RefreshRollover:
		if g.RefreshInterval != product.IntervalMonthly && g.RefreshInterval != product.IntervalYearly {
			return fmt.Errorf("%w: refresh_interval is required for %s", ErrInvalidGrant, g.RefreshStrategy)
		}
	default:
		return fmt.Errorf("%w: unknown refresh strategy %q", ErrInvalidGrant, g.RefreshStrategy)
	}

	switch g.Purpose {
	case product.PurposePaid, product.PurposePromotional, product.PurposeIncluded:
	default:
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidGrant, g.Purpose)
	}
	return nil
}

// Draw is one grant's contribution to a settlement.
type Draw struct {
	GrantID   id.GrantID `json:"grant_id"`
	AssetCode string     `json:"asset_code"`
	// Amount is taken from the grant, in the grant's asset.
	Amount decimal.Decimal `json:"amount"`
	// Covered is the part of the charge this draw paid for, in the charge's asset.
	Covered decimal.Decimal `json:"covered"`
}

// Settlement is the split of a charge between entitlement and wallet.
// FromEntitlement plus FromWallet always equals Amount.
type Settlement struct {
	CustomerID      string      `json:"customer_id"`
	Amount          types.Money `json:"amount"`
	FromEntitlement types.Money `json:"from_entitlement"`
	FromWallet      types.Money `json:"from_wallet"`
	Draws           []Draw      `json:"draws,omitempty"`
	At              time.Time   `json:"at"`
}

// Balanced reports whether the split adds up to the charged amount.
func (s *Settlement) Balanced() bool {
	return s.FromEntitlement.Add(s.FromWallet).Equal(s.Amount)
}

// RefreshResult describes what a refresh did to one grant.
type RefreshResult struct {
	GrantID  id.GrantID              `json:"grant_id"`
	Strategy product.RefreshStrategy `json:"strategy"`
	// Periods is the number of schedule boundaries crossed.
	Periods int             `json:"periods"`
	Before  decimal.Decimal `json:"before"`
	After   decimal.Decimal `json:"after"`
}

// Changed reports whether the refresh altered the balance or schedule.
func (r *RefreshResult) Changed() bool { return r.Periods > 0 }
