package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/id"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/subscription"
	"github.com/credyt/billing/types"
)

// ──────────────────────────────────────────────────
// Product Management
// ──────────────────────────────────────────────────

// CreateProduct creates a product in draft status.
func (e *Engine) CreateProduct(ctx context.Context, p *product.Product) error {
	if p.Status == "" {
		p.Status = product.StatusDraft
	}
	if p.Status != product.StatusDraft {
		return fmt.Errorf("%w: new products start as draft", ErrInvalidTransition)
	}
	p.AssignIDs()
	if err := p.Validate(); err != nil {
		return err
	}
	if err := e.checkAssets(ctx, p); err != nil {
		return err
	}
	p.Version = 1
	p.Entity = types.NewEntity()

	if err := e.store.CreateProduct(ctx, p); err != nil {
		return err
	}

	e.logger.Info("product created",
		"product_id", p.ID.String(),
		"code", p.Code,
		"prices", len(p.Prices),
	)
	e.plugins.EmitProductCreated(ctx, p)
	return nil
}

// UpdateProduct replaces the editable fields of a product with those of
// next. The previous configuration is kept as a revision.
func (e *Engine) UpdateProduct(ctx context.Context, productID id.ProductID, next *product.Product) (*product.Product, error) {
	p, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if err := p.Revise(next); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := e.checkAssets(ctx, p); err != nil {
		return nil, err
	}

	if err := e.store.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}

	e.logger.Info("product updated",
		"product_id", p.ID.String(),
		"code", p.Code,
		"version", p.Version,
	)
	e.plugins.EmitProductUpdated(ctx, p)
	return p, nil
}

// ActivateProduct makes a draft product available for subscriptions.
func (e *Engine) ActivateProduct(ctx context.Context, productID id.ProductID) (*product.Product, error) {
	p, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if err := p.Activate(); err != nil {
		return nil, err
	}
	p.Touch()
	if err := e.store.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}

	e.plugins.EmitProductActivated(ctx, p)
	return p, nil
}

// ArchiveProduct freezes a product. Existing subscriptions keep billing.
func (e *Engine) ArchiveProduct(ctx context.Context, productID id.ProductID) (*product.Product, error) {
	p, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if err := p.Archive(); err != nil {
		return nil, err
	}
	p.Touch()
	if err := e.store.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}

	e.plugins.EmitProductArchived(ctx, p)
	return p, nil
}

// GetProduct retrieves a product by ID.
func (e *Engine) GetProduct(ctx context.Context, productID id.ProductID) (*product.Product, error) {
	return e.store.GetProduct(ctx, productID)
}

// GetProductByCode retrieves a product by code.
func (e *Engine) GetProductByCode(ctx context.Context, code string) (*product.Product, error) {
	return e.store.GetProductByCode(ctx, code)
}

// ListProducts lists products.
func (e *Engine) ListProducts(ctx context.Context, opts product.ListOpts) ([]*product.Product, error) {
	return e.store.ListProducts(ctx, opts)
}

// checkAssets verifies that every asset the product prices or grants in is
// registered.
func (e *Engine) checkAssets(ctx context.Context, p *product.Product) error {
	for i := range p.Prices {
		pr := &p.Prices[i]
		if _, err := e.assets.GetAsset(ctx, pr.AssetCode); err != nil {
			return fmt.Errorf("price %s: %w", pr.ID, err)
		}
		for _, ent := range pr.Entitlements {
			if _, err := e.assets.GetAsset(ctx, ent.AssetCode); err != nil {
				return fmt.Errorf("entitlement %s: %w", ent.ID, err)
			}
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Subscription Management
// ──────────────────────────────────────────────────

// Subscribe links a customer to an active product from at onwards and
// issues one credit grant per entitlement the product bundles.
func (e *Engine) Subscribe(ctx context.Context, customerID string, productID id.ProductID, at time.Time) (*subscription.Subscription, error) {
	if customerID == "" || at.IsZero() {
		return nil, fmt.Errorf("%w: customer and start time are required", ErrInvalidInput)
	}

	p, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if p.Status != product.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrProductNotActive, p.Code, p.Status)
	}

	unlock := e.locks.Lock(customerID)
	defer unlock()

	sub := &subscription.Subscription{
		Entity:         types.NewEntity(),
		ID:             id.NewSubscriptionID(),
		CustomerID:     customerID,
		ProductID:      p.ID,
		ProductCode:    p.Code,
		ProductVersion: p.Version,
		Status:         subscription.StatusActive,
		StartedAt:      at,
	}
	if err := e.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	var granted []*entitlement.CreditGrant
	for _, b := range p.Entitlements() {
		g := &entitlement.CreditGrant{
			CustomerID:      customerID,
			AssetCode:       b.Entitlement.AssetCode,
			Amount:          b.Entitlement.Amount,
			Purpose:         b.Entitlement.Purpose,
			EffectiveAt:     at,
			RefreshStrategy: b.Entitlement.RefreshStrategy,
			RefreshInterval: b.Entitlement.RefreshInterval,
			SourcePriceID:   b.PriceID,
			SubscriptionID:  sub.ID,
		}
		if err := e.ledger.Grant(ctx, g); err != nil {
			e.abandonSubscription(ctx, sub, at)
			return nil, fmt.Errorf("grant %s for subscription %s: %w", b.Entitlement.AssetCode, sub.ID, err)
		}
		granted = append(granted, g)
	}
	for _, g := range granted {
		e.plugins.EmitGrantCreated(ctx, g)
	}

	e.logger.Info("subscription created",
		"subscription_id", sub.ID.String(),
		"customer_id", customerID,
		"product_code", p.Code,
	)
	e.plugins.EmitSubscriptionCreated(ctx, sub)
	return sub, nil
}

// abandonSubscription cancels a subscription whose grants could not all be
// issued and expires the ones that were. Callers hold the customer lock.
func (e *Engine) abandonSubscription(ctx context.Context, sub *subscription.Subscription, at time.Time) {
	if _, err := e.ledger.ExpireGrants(ctx, sub.CustomerID, sub.ID, at); err != nil {
		e.logger.Error("expire grants of abandoned subscription",
			"subscription_id", sub.ID.String(),
			"customer_id", sub.CustomerID,
			"error", err,
		)
	}

	sub.Status = subscription.StatusCanceled
	sub.CanceledAt = &at
	sub.Touch()
	if err := e.store.UpdateSubscription(ctx, sub); err != nil {
		e.logger.Error("cancel abandoned subscription",
			"subscription_id", sub.ID.String(),
			"customer_id", sub.CustomerID,
			"error", err,
		)
	}
}

// Unsubscribe cancels a subscription at the given time and expires the
// grants it issued.
func (e *Engine) Unsubscribe(ctx context.Context, subID id.SubscriptionID, at time.Time) (*subscription.Subscription, error) {
	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status == subscription.StatusCanceled {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionCanceled, subID)
	}

	unlock := e.locks.Lock(sub.CustomerID)
	defer unlock()

	sub.Status = subscription.StatusCanceled
	sub.CanceledAt = &at
	sub.Touch()
	if err := e.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	n, err := e.ledger.ExpireGrants(ctx, sub.CustomerID, sub.ID, at)
	if err != nil {
		return nil, fmt.Errorf("expire grants of subscription %s: %w", subID, err)
	}

	e.logger.Info("subscription canceled",
		"subscription_id", subID.String(),
		"customer_id", sub.CustomerID,
		"expired_grants", n,
	)
	e.plugins.EmitSubscriptionCanceled(ctx, sub)
	return sub, nil
}

// GetSubscription retrieves a subscription by ID.
func (e *Engine) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return e.store.GetSubscription(ctx, subID)
}

// ListSubscriptions lists a customer's subscriptions.
func (e *Engine) ListSubscriptions(ctx context.Context, customerID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	return e.store.ListSubscriptions(ctx, customerID, opts)
}
