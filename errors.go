package billing

import (
	"errors"
	"fmt"

	"github.com/credyt/billing/asset"
	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/meter"
	"github.com/credyt/billing/pricing"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/settlement"
	"github.com/credyt/billing/subscription"
	"github.com/credyt/billing/wallet"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("billing: not found")
	ErrAlreadyExists = errors.New("billing: already exists")
	ErrInvalidInput  = errors.New("billing: invalid input")

	// Ingestion errors
	ErrIngestBufferFull = errors.New("billing: ingest buffer full")
	ErrEngineStopped    = errors.New("billing: engine is not running")

	// Store errors
	ErrStoreNotReady   = errors.New("billing: store not ready")
	ErrMigrationFailed = errors.New("billing: migration failed")
)

// Domain errors, re-exported so callers need not import every package.
var (
	// Assets and rates
	ErrUnknownAsset    = asset.ErrUnknownAsset
	ErrNoRateAvailable = asset.ErrNoRateAvailable
	ErrInvalidAsset    = asset.ErrInvalidAsset
	ErrInvalidRate     = asset.ErrInvalidRate

	// Pricing
	ErrNoMatchingPrice    = pricing.ErrNoMatchingPrice
	ErrNoMatchingTier     = pricing.ErrNoMatchingTier
	ErrMissingVolumeField = pricing.ErrMissingVolumeField
	ErrNotUsagePrice      = pricing.ErrNotUsagePrice
	ErrInvalidEvent       = meter.ErrInvalidEvent

	// Products
	ErrProductHasNoPrices = product.ErrProductHasNoPrices
	ErrProductArchived    = product.ErrProductArchived
	ErrImmutableCode      = product.ErrImmutableCode
	ErrInvalidTransition  = product.ErrInvalidTransition

	// Entitlements
	ErrInvalidGrant  = entitlement.ErrInvalidGrant
	ErrInvalidAmount = entitlement.ErrInvalidAmount

	// Settlement
	ErrDoubleBilling     = settlement.ErrDoubleBilling
	ErrEventQuarantined  = settlement.ErrEventQuarantined
	ErrInsufficientFunds = wallet.ErrInsufficientFunds

	// Subscriptions
	ErrProductNotActive     = subscription.ErrProductNotActive
	ErrSubscriptionCanceled = subscription.ErrSubscriptionCanceled
	ErrNoActiveSubscription = subscription.ErrNoActiveSubscription
)

// ValidationError represents a validation failure with details.
type ValidationError = product.ValidationError

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "billing: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("billing: %d errors occurred", len(e.Errors))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnknownAsset)
}

// IsConfigurationError returns true if the error means a product, asset or
// rate is misconfigured for the event being billed.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrNoMatchingTier) ||
		errors.Is(err, ErrNoRateAvailable) ||
		errors.Is(err, ErrUnknownAsset) ||
		errors.Is(err, ErrNotUsagePrice)
}

// IsQuarantinable returns true if billing the event can never succeed
// without operator action, so the event is held instead of retried.
func IsQuarantinable(err error) bool {
	return IsConfigurationError(err) ||
		errors.Is(err, ErrMissingVolumeField)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrIngestBufferFull) ||
		errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrInsufficientFunds)
}
