// Package store defines the unified persistence interface implemented by the
// memory, postgres, sqlite and mongo backends.
package store

import (
	"context"

	"github.com/credyt/billing/asset"
	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/settlement"
	"github.com/credyt/billing/subscription"
)

// Store is the unified storage interface for all billing entities. Domain
// store method names are prefixed with their entity so the interfaces can be
// embedded without conflicts.
type Store interface {
	asset.Store
	product.Store
	entitlement.Store
	settlement.Store
	subscription.Store

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
