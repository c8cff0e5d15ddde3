package entitlement

import (
	"context"
	"time"

	"github.com/credyt/billing/id"
)

type Store interface {
	CreateGrant(ctx context.Context, g *CreditGrant) error
	GetGrant(ctx context.Context, grantID id.GrantID) (*CreditGrant, error)
	ListGrants(ctx context.Context, customerID string, opts ListOpts) ([]*CreditGrant, error)
	// UpdateGrants writes all grants or none of them.
	UpdateGrants(ctx context.Context, grants []*CreditGrant) error
}

type ListOpts struct {
	AssetCode      string
	SubscriptionID id.SubscriptionID
	// ActiveAt restricts to grants drawable at that instant when non-zero.
	ActiveAt time.Time
}
