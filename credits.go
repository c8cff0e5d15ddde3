package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credyt/billing/asset"
	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/id"
	"github.com/credyt/billing/product"
)

// ──────────────────────────────────────────────────
// Assets and Rates
// ──────────────────────────────────────────────────

// RegisterAsset registers a new asset.
func (e *Engine) RegisterAsset(ctx context.Context, a *asset.Asset) error {
	return e.assets.RegisterAsset(ctx, a)
}

// GetAsset retrieves an asset by code.
func (e *Engine) GetAsset(ctx context.Context, code string) (*asset.Asset, error) {
	return e.assets.GetAsset(ctx, code)
}

// ListAssets lists every registered asset.
func (e *Engine) ListAssets(ctx context.Context) ([]*asset.Asset, error) {
	return e.assets.ListAssets(ctx)
}

// AddRate records an exchange rate.
func (e *Engine) AddRate(ctx context.Context, rate *asset.ExchangeRate) error {
	return e.assets.AddRate(ctx, rate)
}

// Convert expresses amount of from in units of to at the given time.
func (e *Engine) Convert(ctx context.Context, amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error) {
	return e.assets.Convert(ctx, amount, from, to, at)
}

// ──────────────────────────────────────────────────
// Credit Grants
// ──────────────────────────────────────────────────

// Grant issues a credit grant to a customer. A zero Remaining opens at
// Amount unless entitlement.WithRemaining says otherwise.
func (e *Engine) Grant(ctx context.Context, g *entitlement.CreditGrant, opts ...entitlement.GrantOption) error {
	if _, err := e.assets.GetAsset(ctx, g.AssetCode); err != nil {
		return err
	}

	unlock := e.locks.Lock(g.CustomerID)
	defer unlock()

	if err := e.ledger.Grant(ctx, g, opts...); err != nil {
		return err
	}
	e.plugins.EmitGrantCreated(ctx, g)
	return nil
}

// Balance returns the customer's drawable entitlement balance in an asset.
func (e *Engine) Balance(ctx context.Context, customerID, assetCode string, at time.Time) (Money, error) {
	return e.ledger.Balance(ctx, customerID, assetCode, at)
}

// ListGrants lists a customer's credit grants.
func (e *Engine) ListGrants(ctx context.Context, customerID string, opts entitlement.ListOpts) ([]*entitlement.CreditGrant, error) {
	return e.store.ListGrants(ctx, customerID, opts)
}

// Refresh applies a grant's refresh strategy on the given schedule.
func (e *Engine) Refresh(ctx context.Context, grantID id.GrantID, schedule product.Interval, at time.Time) (*entitlement.RefreshResult, error) {
	g, err := e.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(g.CustomerID)
	defer unlock()

	res, err := e.ledger.Refresh(ctx, grantID, schedule, at)
	if err != nil {
		return nil, err
	}
	if res.Changed() {
		e.plugins.EmitGrantRefreshed(ctx, g.CustomerID, res)
	}
	return res, nil
}

// RefreshDue refreshes every grant of the customer that crossed a refresh
// boundary by at.
func (e *Engine) RefreshDue(ctx context.Context, customerID string, at time.Time) ([]*entitlement.RefreshResult, error) {
	unlock := e.locks.Lock(customerID)
	defer unlock()

	results, err := e.ledger.RefreshDue(ctx, customerID, at)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		e.plugins.EmitGrantRefreshed(ctx, customerID, res)
	}
	if len(results) > 0 {
		e.logger.Info("credit grants refreshed",
			"customer_id", customerID,
			"grants", len(results),
		)
	}
	return results, nil
}
