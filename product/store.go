package product

import (
	"context"

	"github.com/credyt/billing/id"
)

type Store interface {
	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, productID id.ProductID) (*Product, error)
	GetProductByCode(ctx context.Context, code string) (*Product, error)
	ListProducts(ctx context.Context, opts ListOpts) ([]*Product, error)
	UpdateProduct(ctx context.Context, p *Product) error
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
