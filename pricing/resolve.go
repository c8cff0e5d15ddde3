// Package pricing selects the price and tier that apply to a usage event
// and computes the resulting fee.
package pricing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/credyt/billing/meter"
	"github.com/credyt/billing/product"
)

var (
	ErrNoMatchingPrice    = errors.New("billing: no matching price")
	ErrNoMatchingTier     = errors.New("billing: no matching tier")
	ErrMissingVolumeField = errors.New("billing: missing or non-numeric volume field")
	ErrNotUsagePrice      = errors.New("billing: price is not event-driven")
)

// Resolution is the price and tier selected for an event.
type Resolution struct {
	Price *product.Price
	// Tier is nil when the price has no tiers.
	Tier *product.PriceTier
	// Volume is set when tier selection needed it.
	Volume   *decimal.Decimal
	Warnings []string
}

// Resolve finds the usage price for the event's type and its applicable tier.
// When several prices match, the first in declaration order wins and a
// warning is attached.
func Resolve(p *product.Product, e *meter.UsageEvent) (*Resolution, error) {
	matches := p.UsagePrices(e.EventType)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: product %s has no usage price for %q", ErrNoMatchingPrice, p.Code, e.EventType)
	}

	res := &Resolution{Price: matches[0]}
	if len(matches) > 1 {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"product %s has %d usage prices for event type %q; using %s",
			p.Code, len(matches), e.EventType, res.Price.ID,
		))
	}

	price := res.Price
	switch {
	case len(price.Dimensions) > 0:
		tier, err := dimensionTier(price, e)
		if err != nil {
			return nil, err
		}
		res.Tier = tier
	case len(price.Tiers) > 0:
		volume, err := Volume(price, e)
		if err != nil {
			return nil, err
		}
		res.Volume = &volume
		tier, err := volumeTier(price, volume)
		if err != nil {
			return nil, err
		}
		res.Tier = tier
	}
	return res, nil
}

// dimensionTier returns the first tier whose dimension values equal the
// event's on every declared key. A property that is present but not a
// string never matches.
func dimensionTier(price *product.Price, e *meter.UsageEvent) (*product.PriceTier, error) {
	for i := range price.Tiers {
		tier := &price.Tiers[i]
		if matchesDimensions(price.Dimensions, tier, e) {
			return tier, nil
		}
	}
	return nil, fmt.Errorf("%w: price %s, dimensions %v", ErrNoMatchingTier, price.ID, eventDimensions(price.Dimensions, e))
}

func matchesDimensions(dims []string, tier *product.PriceTier, e *meter.UsageEvent) bool {
	for _, key := range dims {
		want, ok := tier.Dimensions[key]
		if !ok {
			return false
		}
		got, ok := e.Text(key)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func eventDimensions(dims []string, e *meter.UsageEvent) map[string]string {
	out := make(map[string]string, len(dims))
	for _, key := range dims {
		if v, ok := e.Text(key); ok {
			out[key] = v
		}
	}
	return out
}

// volumeTier returns the first tier, in ascending UpTo order with the
// unbounded tier last, whose UpTo is nil or at least volume.
func volumeTier(price *product.Price, volume decimal.Decimal) (*product.PriceTier, error) {
	order := make([]int, len(price.Tiers))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ta, tb := price.Tiers[order[a]].UpTo, price.Tiers[order[b]].UpTo
		switch {
		case ta == nil:
			return false
		case tb == nil:
			return true
		default:
			return ta.LessThan(*tb)
		}
	})

	for _, i := range order {
		tier := &price.Tiers[i]
		if tier.UpTo == nil || tier.UpTo.GreaterThanOrEqual(volume) {
			return tier, nil
		}
	}
	return nil, fmt.Errorf("%w: price %s, volume %s exceeds every tier", ErrNoMatchingTier, price.ID, volume)
}

// Volume reads the price's volume field from the event. A unit price with no
// volume field counts each event as a volume of one.
func Volume(price *product.Price, e *meter.UsageEvent) (decimal.Decimal, error) {
	if price.VolumeField == "" {
		if price.UsageCalculation == product.CalcUnit {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, fmt.Errorf("%w: price %s declares no volume field", ErrMissingVolumeField, price.ID)
	}

	v, ok := e.Number(price.VolumeField)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMissingVolumeField, price.VolumeField)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %q is negative", ErrMissingVolumeField, price.VolumeField)
	}
	return v, nil
}
