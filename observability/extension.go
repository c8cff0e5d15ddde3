// Package observability provides a metrics extension for the billing engine
// that records lifecycle event counts through a pluggable MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/plugin"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/settlement"
	"github.com/credyt/billing/subscription"
	"github.com/credyt/billing/types"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnInit                 = (*MetricsExtension)(nil)
	_ plugin.OnProductCreated       = (*MetricsExtension)(nil)
	_ plugin.OnProductUpdated       = (*MetricsExtension)(nil)
	_ plugin.OnProductArchived      = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled = (*MetricsExtension)(nil)
	_ plugin.OnEventBilled          = (*MetricsExtension)(nil)
	_ plugin.OnEventSkipped         = (*MetricsExtension)(nil)
	_ plugin.OnEventQuarantined     = (*MetricsExtension)(nil)
	_ plugin.OnEventReplayed        = (*MetricsExtension)(nil)
	_ plugin.OnConfigurationWarning = (*MetricsExtension)(nil)
	_ plugin.OnBatchFlushed         = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementDrawn     = (*MetricsExtension)(nil)
	_ plugin.OnGrantCreated         = (*MetricsExtension)(nil)
	_ plugin.OnGrantRefreshed       = (*MetricsExtension)(nil)
	_ plugin.OnSettlementReversed   = (*MetricsExtension)(nil)
	_ plugin.OnWalletDebited        = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide billing metrics.
// Register it as a billing plugin to track them automatically.
type MetricsExtension struct {
	factory MetricFactory

	// Product metrics
	ProductCreated  Counter
	ProductUpdated  Counter
	ProductArchived Counter

	// Subscription metrics
	SubscriptionCreated  Counter
	SubscriptionCanceled Counter

	// Event metrics
	EventsBilled       Counter
	EventsSkipped      Counter
	EventsQuarantined  Counter
	EventsReplayed     Counter
	ConfigWarnings     Counter
	BatchSize          Histogram
	BatchFlushLatency  Histogram
	SettlementReversed Counter

	// Entitlement metrics
	EntitlementDraws Counter
	GrantsCreated    Counter
	GrantsRefreshed  Counter

	// Wallet metrics
	WalletDebits Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		ProductCreated:  factory.Counter("billing.product.created"),
		ProductUpdated:  factory.Counter("billing.product.updated"),
		ProductArchived: factory.Counter("billing.product.archived"),

		SubscriptionCreated:  factory.Counter("billing.subscription.created"),
		SubscriptionCanceled: factory.Counter("billing.subscription.canceled"),

		EventsBilled:       factory.Counter("billing.events.billed"),
		EventsSkipped:      factory.Counter("billing.events.skipped"),
		EventsQuarantined:  factory.Counter("billing.events.quarantined"),
		EventsReplayed:     factory.Counter("billing.events.replayed"),
		ConfigWarnings:     factory.Counter("billing.config.warnings"),
		BatchSize:          factory.Histogram("billing.ingest.batch.size"),
		BatchFlushLatency:  factory.Histogram("billing.ingest.flush.latency_ms"),
		SettlementReversed: factory.Counter("billing.settlement.reversed"),

		EntitlementDraws: factory.Counter("billing.entitlement.draws"),
		GrantsCreated:    factory.Counter("billing.grant.created"),
		GrantsRefreshed:  factory.Counter("billing.grant.refreshed"),

		WalletDebits: factory.Counter("billing.wallet.debits"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Product lifecycle hooks
// ──────────────────────────────────────────────────

// OnProductCreated implements plugin.OnProductCreated.
func (m *MetricsExtension) OnProductCreated(_ context.Context, _ *product.Product) error {
	m.ProductCreated.Inc()
	return nil
}

// OnProductUpdated implements plugin.OnProductUpdated.
func (m *MetricsExtension) OnProductUpdated(_ context.Context, _ *product.Product) error {
	m.ProductUpdated.Inc()
	return nil
}

// OnProductArchived implements plugin.OnProductArchived.
func (m *MetricsExtension) OnProductArchived(_ context.Context, _ *product.Product) error {
	m.ProductArchived.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (m *MetricsExtension) OnSubscriptionCreated(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCreated.Inc()
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCanceled.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnEventBilled implements plugin.OnEventBilled.
func (m *MetricsExtension) OnEventBilled(_ context.Context, _ *settlement.Record) error {
	m.EventsBilled.Inc()
	return nil
}

// OnEventSkipped implements plugin.OnEventSkipped.
func (m *MetricsExtension) OnEventSkipped(_ context.Context, _ *settlement.Record) error {
	m.EventsSkipped.Inc()
	return nil
}

// OnEventQuarantined implements plugin.OnEventQuarantined.
func (m *MetricsExtension) OnEventQuarantined(_ context.Context, _ *settlement.Record, _ error) error {
	m.EventsQuarantined.Inc()
	return nil
}

// OnEventReplayed implements plugin.OnEventReplayed.
func (m *MetricsExtension) OnEventReplayed(_ context.Context, _ *settlement.Record) error {
	m.EventsReplayed.Inc()
	return nil
}

// OnConfigurationWarning implements plugin.OnConfigurationWarning.
func (m *MetricsExtension) OnConfigurationWarning(_ context.Context, _, _ string) error {
	m.ConfigWarnings.Inc()
	return nil
}

// OnBatchFlushed implements plugin.OnBatchFlushed.
func (m *MetricsExtension) OnBatchFlushed(_ context.Context, count int, elapsed time.Duration) error {
	m.BatchSize.Observe(float64(count))
	m.BatchFlushLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnSettlementReversed implements plugin.OnSettlementReversed.
func (m *MetricsExtension) OnSettlementReversed(_ context.Context, _ *entitlement.Settlement, _ error) error {
	m.SettlementReversed.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement and wallet hooks
// ──────────────────────────────────────────────────

// OnEntitlementDrawn implements plugin.OnEntitlementDrawn.
func (m *MetricsExtension) OnEntitlementDrawn(_ context.Context, split *entitlement.Settlement) error {
	m.EntitlementDraws.Add(float64(len(split.Draws)))
	return nil
}

// OnGrantCreated implements plugin.OnGrantCreated.
func (m *MetricsExtension) OnGrantCreated(_ context.Context, _ *entitlement.CreditGrant) error {
	m.GrantsCreated.Inc()
	return nil
}

// OnGrantRefreshed implements plugin.OnGrantRefreshed.
func (m *MetricsExtension) OnGrantRefreshed(_ context.Context, _ string, _ *entitlement.RefreshResult) error {
	m.GrantsRefreshed.Inc()
	return nil
}

// OnWalletDebited implements plugin.OnWalletDebited.
func (m *MetricsExtension) OnWalletDebited(_ context.Context, _ string, _ types.Money, _ string) error {
	m.WalletDebits.Inc()
	return nil
}
