// Package plugin lets extensions observe the billing engine. A plugin
// implements Plugin plus any of the hook interfaces below; the Registry
// discovers which hooks it implements at registration time.
package plugin

import (
	"context"
	"time"

	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/settlement"
	"github.com/credyt/billing/subscription"
	"github.com/credyt/billing/types"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *billing.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Product hooks
// ──────────────────────────────────────────────────

type OnProductCreated interface {
	Plugin
	OnProductCreated(ctx context.Context, p *product.Product) error
}

// OnProductUpdated receives the product after the update; the previous
// configuration is the last entry of p.Revisions.
type OnProductUpdated interface {
	Plugin
	OnProductUpdated(ctx context.Context, p *product.Product) error
}

type OnProductActivated interface {
	Plugin
	OnProductActivated(ctx context.Context, p *product.Product) error
}

type OnProductArchived interface {
	Plugin
	OnProductArchived(ctx context.Context, p *product.Product) error
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

type OnSubscriptionCreated interface {
	Plugin
	OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error
}

type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) error
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnEventBilled is called after a charged record is persisted.
type OnEventBilled interface {
	Plugin
	OnEventBilled(ctx context.Context, rec *settlement.Record) error
}

// OnEventSkipped is called when no usage price matched an event.
type OnEventSkipped interface {
	Plugin
	OnEventSkipped(ctx context.Context, rec *settlement.Record) error
}

// OnEventQuarantined is called when an event fails terminally and is held
// for manual reconciliation.
type OnEventQuarantined interface {
	Plugin
	OnEventQuarantined(ctx context.Context, rec *settlement.Record, cause error) error
}

// OnEventReplayed is called when an already billed event is billed again
// and the stored result is returned.
type OnEventReplayed interface {
	Plugin
	OnEventReplayed(ctx context.Context, rec *settlement.Record) error
}

// OnConfigurationWarning is called for non-fatal product misconfiguration,
// such as several usage prices matching one event type.
type OnConfigurationWarning interface {
	Plugin
	OnConfigurationWarning(ctx context.Context, productCode, warning string) error
}

// OnBatchFlushed is called after the ingest worker bills a batch.
type OnBatchFlushed interface {
	Plugin
	OnBatchFlushed(ctx context.Context, count int, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

type OnEntitlementDrawn interface {
	Plugin
	OnEntitlementDrawn(ctx context.Context, split *entitlement.Settlement) error
}

type OnGrantCreated interface {
	Plugin
	OnGrantCreated(ctx context.Context, g *entitlement.CreditGrant) error
}

type OnGrantRefreshed interface {
	Plugin
	OnGrantRefreshed(ctx context.Context, customerID string, res *entitlement.RefreshResult) error
}

// OnSettlementReversed is called when a draw is rolled back because a later
// billing step failed.
type OnSettlementReversed interface {
	Plugin
	OnSettlementReversed(ctx context.Context, split *entitlement.Settlement, cause error) error
}

// ──────────────────────────────────────────────────
// Wallet hooks
// ──────────────────────────────────────────────────

type OnWalletDebited interface {
	Plugin
	OnWalletDebited(ctx context.Context, customerID string, amount types.Money, eventID string) error
}
