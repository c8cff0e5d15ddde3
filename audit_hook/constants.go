package audithook

// Action constants for audit events.
const (
	// Product actions
	ActionProductCreated   = "product.created"
	ActionProductUpdated   = "product.updated"
	ActionProductActivated = "product.activated"
	ActionProductArchived  = "product.archived"

	// Subscription actions
	ActionSubscriptionCreated  = "subscription.created"
	ActionSubscriptionCanceled = "subscription.canceled"

	// Event actions
	ActionEventBilled      = "event.billed"
	ActionEventSkipped     = "event.skipped"
	ActionEventQuarantined = "event.quarantined"
	ActionConfigWarning    = "config.warning"

	// Settlement actions
	ActionSettlementReversed = "settlement.reversed"
	ActionWalletDebited      = "wallet.debited"

	// Grant actions
	ActionGrantCreated   = "grant.created"
	ActionGrantRefreshed = "grant.refreshed"
)

// Resource constants for audit events.
const (
	ResourceProduct      = "product"
	ResourceSubscription = "subscription"
	ResourceEvent        = "event"
	ResourceSettlement   = "settlement"
	ResourceGrant        = "grant"
	ResourceWallet       = "wallet"
)

// Category constants for audit events.
const (
	CategoryCatalog      = "catalog"
	CategorySubscription = "subscription"
	CategoryUsage        = "usage"
	CategoryCredit       = "credit"
	CategoryPayment      = "payment"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
