package asset

import (
	"context"
	"time"
)

type Store interface {
	CreateAsset(ctx context.Context, a *Asset) error
	GetAsset(ctx context.Context, code string) (*Asset, error)
	ListAssets(ctx context.Context) ([]*Asset, error)

	CreateRate(ctx context.Context, r *ExchangeRate) error
	// GetRateAt returns the latest rate for the pair with EffectiveAt <= at,
	// or ErrNoRateAvailable.
	GetRateAt(ctx context.Context, from, to string, at time.Time) (*ExchangeRate, error)
	ListRates(ctx context.Context, from, to string) ([]*ExchangeRate, error)
}
