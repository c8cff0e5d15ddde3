// Package product holds the sellable billing configuration: products, the
// prices attached to them, their tiers and the entitlements they bundle.
package product

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credyt/billing/id"
	"github.com/credyt/billing/types"
)

var (
	ErrProductHasNoPrices = errors.New("billing: product has no prices")
	ErrProductArchived    = errors.New("billing: product is archived")
	ErrImmutableCode      = errors.New("billing: product code is immutable")
	ErrInvalidTransition  = errors.New("billing: invalid product status transition")
)

type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

type PriceType string

const (
	PriceUsage PriceType = "usage"
	PriceFixed PriceType = "fixed"
)

type BillingModel string

const (
	BillingRealTime  BillingModel = "real_time"
	BillingRecurring BillingModel = "recurring"
)

type UsageCalculation string

const (
	CalcUnit          UsageCalculation = "unit"
	CalcVolume        UsageCalculation = "volume"
	CalcUnitAndVolume UsageCalculation = "unit_and_volume"
)

type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// Next returns the boundary one interval after t.
func (i Interval) Next(t time.Time) time.Time {
	if i == IntervalYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

type RefreshStrategy string

const (
	RefreshNone     RefreshStrategy = "none"
	RefreshReset    RefreshStrategy = "reset"
	RefreshRollover RefreshStrategy = "rollover"
)

type Purpose string

const (
	PurposePaid        Purpose = "paid"
	PurposePromotional Purpose = "promotional"
	PurposeIncluded    Purpose = "included"
)

// Product is a sellable unit of billing configuration. Code is unique and
// cannot change after creation.
type Product struct {
	types.Entity
	ID          id.ProductID      `json:"id"`
	Code        string            `json:"code"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Status      Status            `json:"status"`
	Prices      []Price           `json:"prices"`
	Version     int               `json:"version"`
	Revisions   []Revision        `json:"revisions,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Revision is a snapshot of a product's configuration before an update.
type Revision struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Prices    []Price   `json:"prices"`
	RevisedAt time.Time `json:"revised_at"`
}

// Price is one billing rule attached to a product.
type Price struct {
	ID           id.PriceID   `json:"id"`
	Type         PriceType    `json:"type"`
	BillingModel BillingModel `json:"billing_model,omitempty"`
	AssetCode    string       `json:"asset_code"`

	// Usage prices.
	EventType        string           `json:"event_type,omitempty"`
	UsageCalculation UsageCalculation `json:"usage_calculation,omitempty"`
	VolumeField      string           `json:"volume_field,omitempty"`
	UnitPrice        decimal.Decimal  `json:"unit_price"`
	VolumeRate       decimal.Decimal  `json:"volume_rate"`
	Dimensions       []string         `json:"dimensions,omitempty"`
	Tiers            []PriceTier      `json:"tiers,omitempty"`

	// Fixed prices.
	Amount            decimal.Decimal `json:"amount"`
	RecurringInterval Interval        `json:"recurring_interval,omitempty"`

	Entitlements []Entitlement `json:"entitlements,omitempty"`
}

// PriceTier is a rate row selected either by volume breakpoint or by
// dimension values. A nil UpTo is unbounded. A nil UnitPrice falls back to
// the price's own unit price.
type PriceTier struct {
	UpTo       *decimal.Decimal  `json:"up_to"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	UnitPrice  *decimal.Decimal  `json:"unit_price,omitempty"`
}

// Entitlement is a recurring allowance of an asset bundled with a price.
type Entitlement struct {
	ID              id.EntitlementID `json:"id"`
	AssetCode       string           `json:"asset_code"`
	Amount          decimal.Decimal  `json:"amount"`
	RefreshStrategy RefreshStrategy  `json:"refresh_strategy"`
	RefreshInterval Interval         `json:"refresh_interval,omitempty"`
	Purpose         Purpose          `json:"purpose,omitempty"`
}

// IsUsage reports whether the price is metered by events.
func (p *Price) IsUsage() bool { return p.Type == PriceUsage }

// FindPrice returns the price with the given ID, or nil.
func (p *Product) FindPrice(priceID id.PriceID) *Price {
	for i := range p.Prices {
		if p.Prices[i].ID == priceID {
			return &p.Prices[i]
		}
	}
	return nil
}

// UsagePrices returns the usage prices matching eventType in declaration order.
func (p *Product) UsagePrices(eventType string) []*Price {
	var matches []*Price
	for i := range p.Prices {
		if p.Prices[i].IsUsage() && p.Prices[i].EventType == eventType {
			matches = append(matches, &p.Prices[i])
		}
	}
	return matches
}

// Entitlements returns every entitlement bundled by the product's prices
// along with the price carrying it.
func (p *Product) Entitlements() []Bundled {
	var out []Bundled
	for i := range p.Prices {
		for _, e := range p.Prices[i].Entitlements {
			out = append(out, Bundled{PriceID: p.Prices[i].ID, Entitlement: e})
		}
	}
	return out
}

// Bundled pairs an entitlement with the price that carries it.
type Bundled struct {
	PriceID     id.PriceID
	Entitlement Entitlement
}

// AssignIDs fills in missing price and entitlement IDs.
func (p *Product) AssignIDs() {
	if p.ID.IsNil() {
		p.ID = id.NewProductID()
	}
	for i := range p.Prices {
		pr := &p.Prices[i]
		if pr.ID.IsNil() {
			pr.ID = id.NewPriceID()
		}
		pr.AssetCode = types.NormalizeAsset(pr.AssetCode)
		if pr.IsUsage() && pr.BillingModel == "" {
			pr.BillingModel = BillingRealTime
		}
		for j := range pr.Entitlements {
			e := &pr.Entitlements[j]
			if e.ID.IsNil() {
				e.ID = id.NewEntitlementID()
			}
			e.AssetCode = types.NormalizeAsset(e.AssetCode)
			if e.RefreshStrategy == "" {
				e.RefreshStrategy = RefreshNone
			}
			if e.Purpose == "" {
				e.Purpose = PurposeIncluded
			}
		}
	}
}

// Activate moves a draft product to active.
func (p *Product) Activate() error {
	if p.Status == StatusArchived {
		return ErrProductArchived
	}
	if p.Status != StatusDraft {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusActive)
	}
	if len(p.Prices) == 0 {
		return ErrProductHasNoPrices
	}
	p.Status = StatusActive
	p.Touch()
	return nil
}

// Archive retires a product. Archiving is terminal.
func (p *Product) Archive() error {
	if p.Status == StatusArchived {
		return fmt.Errorf("%w: already archived", ErrInvalidTransition)
	}
	p.Status = StatusArchived
	p.Touch()
	return nil
}

// Revise applies the editable fields of next, snapshotting the current
// prices into Revisions and bumping Version.
func (p *Product) Revise(next *Product) error {
	if p.Status == StatusArchived {
		return ErrProductArchived
	}
	if next.Code != "" && next.Code != p.Code {
		return fmt.Errorf("%w: %q -> %q", ErrImmutableCode, p.Code, next.Code)
	}
	if next.Status != "" && next.Status != p.Status {
		return fmt.Errorf("%w: status changes through Activate or Archive", ErrInvalidTransition)
	}
	if p.Status == StatusActive && len(next.Prices) == 0 {
		return ErrProductHasNoPrices
	}

	now := time.Now().UTC()
	p.Revisions = append(p.Revisions, Revision{
		Version:   p.Version,
		Name:      p.Name,
		Prices:    p.Prices,
		RevisedAt: now,
	})
	p.Version++

	p.Name = next.Name
	p.Description = next.Description
	p.Prices = next.Prices
	p.Metadata = next.Metadata
	p.AssignIDs()
	p.UpdatedAt = now
	return nil
}
