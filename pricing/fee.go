package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/credyt/billing/id"
	"github.com/credyt/billing/meter"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/types"
)

// ComputeFee computes the unrounded fee for an event in the price's asset.
// tier may be nil.
func ComputeFee(price *product.Price, tier *product.PriceTier, e *meter.UsageEvent) (*meter.Fee, error) {
	if !price.IsUsage() {
		return nil, fmt.Errorf("%w: price %s is %s", ErrNotUsagePrice, price.ID, price.Type)
	}

	unitPrice := price.UnitPrice
	if tier != nil && tier.UnitPrice != nil {
		unitPrice = *tier.UnitPrice
	}

	fee := &meter.Fee{
		ID:      id.NewFeeID(),
		EventID: e.ID,
		PriceID: price.ID,
	}
	if len(price.Dimensions) > 0 {
		fee.Dimensions = eventDimensions(price.Dimensions, e)
	}

	var amount decimal.Decimal
	switch price.UsageCalculation {
	case product.CalcUnit:
		amount = unitPrice
	case product.CalcVolume, product.CalcUnitAndVolume:
		volume, err := Volume(price, e)
		if err != nil {
			return nil, err
		}
		fee.Volume = &volume
		if price.UsageCalculation == product.CalcVolume {
			amount = volume.Mul(unitPrice)
		} else {
			// The base charge is the price's own; tiers only scale volume prices.
			amount = price.UnitPrice.Add(volume.Mul(price.VolumeRate))
		}
	default:
		return nil, fmt.Errorf("%w: price %s has unknown usage calculation %q", ErrNotUsagePrice, price.ID, price.UsageCalculation)
	}

	fee.Amount = types.New(amount, price.AssetCode)
	return fee, nil
}

// Price resolves and computes the fee for an event in one step.
func Price(p *product.Product, e *meter.UsageEvent) (*Resolution, *meter.Fee, error) {
	res, err := Resolve(p, e)
	if err != nil {
		return nil, nil, err
	}
	fee, err := ComputeFee(res.Price, res.Tier, e)
	if err != nil {
		return res, nil, err
	}
	fee.ProductID = p.ID
	fee.ProductCode = p.Code
	return res, fee, nil
}
