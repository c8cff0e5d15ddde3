package product

import (
	"fmt"
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("billing: validation failed for %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the product and every price it carries.
func (p *Product) Validate() error {
	if p.Code == "" {
		return invalid("code", "is required")
	}
	if p.Name == "" {
		return invalid("name", "is required")
	}
	for i := range p.Prices {
		if err := p.Prices[i].validate(fmt.Sprintf("prices[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a single price definition.
func (p *Price) Validate() error { return p.validate("price") }

func (p *Price) validate(field string) error {
	if p.AssetCode == "" {
		return invalid(field+".asset_code", "is required")
	}

	switch p.Type {
	case PriceUsage:
		if err := p.validateUsage(field); err != nil {
			return err
		}
	case PriceFixed:
		if !p.Amount.IsPositive() {
			return invalid(field+".amount", "must be positive")
		}
		if p.RecurringInterval != IntervalMonthly && p.RecurringInterval != IntervalYearly {
			return invalid(field+".recurring_interval", "must be monthly or yearly")
		}
	default:
		return invalid(field+".type", "must be usage or fixed, got %q", p.Type)
	}

	for j := range p.Entitlements {
		if err := p.Entitlements[j].validate(fmt.Sprintf("%s.entitlements[%d]", field, j)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Price) validateUsage(field string) error {
	if p.EventType == "" {
		return invalid(field+".event_type", "is required")
	}
	switch p.BillingModel {
	case "", BillingRealTime, BillingRecurring:
	default:
		return invalid(field+".billing_model", "must be real_time or recurring, got %q", p.BillingModel)
	}
	switch p.UsageCalculation {
	case CalcUnit:
	case CalcVolume, CalcUnitAndVolume:
		if p.VolumeField == "" {
			return invalid(field+".volume_field", "is required for %s", p.UsageCalculation)
		}
	default:
		return invalid(field+".usage_calculation", "must be unit, volume or unit_and_volume, got %q", p.UsageCalculation)
	}
	if p.UnitPrice.IsNegative() {
		return invalid(field+".unit_price", "must not be negative")
	}
	if p.VolumeRate.IsNegative() {
		return invalid(field+".volume_rate", "must not be negative")
	}

	unbounded := 0
	for k, tier := range p.Tiers {
		tf := fmt.Sprintf("%s.tiers[%d]", field, k)
		if tier.UnitPrice != nil && tier.UnitPrice.IsNegative() {
			return invalid(tf+".unit_price", "must not be negative")
		}
		if len(p.Dimensions) > 0 {
			for _, dim := range p.Dimensions {
				if _, ok := tier.Dimensions[dim]; !ok {
					return invalid(tf+".dimensions", "missing value for %q", dim)
				}
			}
			continue
		}
		if len(tier.Dimensions) > 0 {
			return invalid(tf+".dimensions", "price declares no dimensions")
		}
		if tier.UpTo == nil {
			unbounded++
		} else if tier.UpTo.IsNegative() {
			return invalid(tf+".up_to", "must not be negative")
		}
	}
	if unbounded > 1 {
		return invalid(field+".tiers", "at most one unbounded tier")
	}
	return nil
}

func (e *Entitlement) validate(field string) error {
	if e.AssetCode == "" {
		return invalid(field+".asset_code", "is required")
	}
	if !e.Amount.IsPositive() {
		return invalid(field+".amount", "must be positive")
	}
	switch e.RefreshStrategy {
	case "", RefreshNone:
	case RefreshReset, RefreshRollover:
		if e.RefreshInterval != IntervalMonthly && e.RefreshInterval != IntervalYearly {
			return invalid(field+".refresh_interval", "is required for %s", e.RefreshStrategy)
		}
	default:
		return invalid(field+".refresh_strategy", "must be none, reset or rollover, got %q", e.RefreshStrategy)
	}
	switch e.Purpose {
	case "", PurposePaid, PurposePromotional, PurposeIncluded:
	default:
		return invalid(field+".purpose", "unknown purpose %q", e.Purpose)
	}
	return nil
}
