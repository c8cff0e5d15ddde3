// Package audithook bridges billing lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any particular audit store. Callers inject a RecorderFunc adapter at
// wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/plugin"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/settlement"
	"github.com/credyt/billing/subscription"
	"github.com/credyt/billing/types"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnProductCreated       = (*Extension)(nil)
	_ plugin.OnProductUpdated       = (*Extension)(nil)
	_ plugin.OnProductActivated     = (*Extension)(nil)
	_ plugin.OnProductArchived      = (*Extension)(nil)
	_ plugin.OnSubscriptionCreated  = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled = (*Extension)(nil)
	_ plugin.OnEventBilled          = (*Extension)(nil)
	_ plugin.OnEventSkipped         = (*Extension)(nil)
	_ plugin.OnEventQuarantined     = (*Extension)(nil)
	_ plugin.OnConfigurationWarning = (*Extension)(nil)
	_ plugin.OnSettlementReversed   = (*Extension)(nil)
	_ plugin.OnWalletDebited        = (*Extension)(nil)
	_ plugin.OnGrantCreated         = (*Extension)(nil)
	_ plugin.OnGrantRefreshed       = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges billing lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Product lifecycle hooks
// ──────────────────────────────────────────────────

// OnProductCreated implements plugin.OnProductCreated.
func (e *Extension) OnProductCreated(ctx context.Context, p *product.Product) error {
	return e.record(ctx, ActionProductCreated, SeverityInfo, OutcomeSuccess,
		ResourceProduct, p.ID.String(), CategoryCatalog, nil,
		"code", p.Code,
		"prices", len(p.Prices),
	)
}

// OnProductUpdated implements plugin.OnProductUpdated.
func (e *Extension) OnProductUpdated(ctx context.Context, p *product.Product) error {
	return e.record(ctx, ActionProductUpdated, SeverityInfo, OutcomeSuccess,
		ResourceProduct, p.ID.String(), CategoryCatalog, nil,
		"code", p.Code,
		"version", p.Version,
	)
}

// OnProductActivated implements plugin.OnProductActivated.
func (e *Extension) OnProductActivated(ctx context.Context, p *product.Product) error {
	return e.record(ctx, ActionProductActivated, SeverityInfo, OutcomeSuccess,
		ResourceProduct, p.ID.String(), CategoryCatalog, nil,
		"code", p.Code,
	)
}

// OnProductArchived implements plugin.OnProductArchived.
func (e *Extension) OnProductArchived(ctx context.Context, p *product.Product) error {
	return e.record(ctx, ActionProductArchived, SeverityInfo, OutcomeSuccess,
		ResourceProduct, p.ID.String(), CategoryCatalog, nil,
		"code", p.Code,
	)
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (e *Extension) OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCreated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"customer_id", sub.CustomerID,
		"product_code", sub.ProductCode,
	)
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCanceled, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"customer_id", sub.CustomerID,
		"product_code", sub.ProductCode,
	)
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnEventBilled implements plugin.OnEventBilled.
func (e *Extension) OnEventBilled(ctx context.Context, rec *settlement.Record) error {
	kv := []any{
		"customer_id", rec.CustomerID,
		"product_code", rec.ProductCode,
	}
	if rec.Fee != nil {
		kv = append(kv, "amount", rec.Fee.Amount.String())
	}
	return e.record(ctx, ActionEventBilled, SeverityInfo, OutcomeSuccess,
		ResourceEvent, rec.EventID, CategoryUsage, nil, kv...)
}

// OnEventSkipped implements plugin.OnEventSkipped.
func (e *Extension) OnEventSkipped(ctx context.Context, rec *settlement.Record) error {
	return e.record(ctx, ActionEventSkipped, SeverityInfo, OutcomeSuccess,
		ResourceEvent, rec.EventID, CategoryUsage, nil,
		"customer_id", rec.CustomerID,
		"event_type", rec.EventType,
	)
}

// OnEventQuarantined implements plugin.OnEventQuarantined.
func (e *Extension) OnEventQuarantined(ctx context.Context, rec *settlement.Record, cause error) error {
	return e.record(ctx, ActionEventQuarantined, SeverityError, OutcomeFailure,
		ResourceEvent, rec.EventID, CategoryUsage, cause,
		"customer_id", rec.CustomerID,
		"product_code", rec.ProductCode,
	)
}

// OnConfigurationWarning implements plugin.OnConfigurationWarning.
func (e *Extension) OnConfigurationWarning(ctx context.Context, productCode, warning string) error {
	return e.record(ctx, ActionConfigWarning, SeverityWarning, OutcomePartial,
		ResourceProduct, productCode, CategoryCatalog, nil,
		"warning", warning,
	)
}

// OnSettlementReversed implements plugin.OnSettlementReversed.
func (e *Extension) OnSettlementReversed(ctx context.Context, split *entitlement.Settlement, cause error) error {
	return e.record(ctx, ActionSettlementReversed, SeverityCritical, OutcomeFailure,
		ResourceSettlement, split.CustomerID, CategoryPayment, cause,
		"amount", split.Amount.String(),
		"draws", len(split.Draws),
	)
}

// OnWalletDebited implements plugin.OnWalletDebited.
func (e *Extension) OnWalletDebited(ctx context.Context, customerID string, amount types.Money, eventID string) error {
	return e.record(ctx, ActionWalletDebited, SeverityInfo, OutcomeSuccess,
		ResourceWallet, customerID, CategoryPayment, nil,
		"amount", amount.String(),
		"event_id", eventID,
	)
}

// ──────────────────────────────────────────────────
// Grant hooks
// ──────────────────────────────────────────────────

// OnGrantCreated implements plugin.OnGrantCreated.
func (e *Extension) OnGrantCreated(ctx context.Context, g *entitlement.CreditGrant) error {
	return e.record(ctx, ActionGrantCreated, SeverityInfo, OutcomeSuccess,
		ResourceGrant, g.ID.String(), CategoryCredit, nil,
		"customer_id", g.CustomerID,
		"asset", g.AssetCode,
		"amount", g.Amount.String(),
		"purpose", string(g.Purpose),
	)
}

// OnGrantRefreshed implements plugin.OnGrantRefreshed.
func (e *Extension) OnGrantRefreshed(ctx context.Context, customerID string, res *entitlement.RefreshResult) error {
	return e.record(ctx, ActionGrantRefreshed, SeverityInfo, OutcomeSuccess,
		ResourceGrant, res.GrantID.String(), CategoryCredit, nil,
		"customer_id", customerID,
		"strategy", string(res.Strategy),
		"periods", res.Periods,
		"before", res.Before.String(),
		"after", res.After.String(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
