package cache

import (
	"context"

	"tokostok/backend/internal/domain"
)

// ProductLoader reads the product list from the system of record.
type ProductLoader func(ctx context.Context) ([]domain.Product, error)

// ProductCache fronts the product list. Writers call Invalidate after commit.
type ProductCache interface {
	Products(ctx context.Context, load ProductLoader) ([]domain.Product, error)
	Invalidate(ctx context.Context) error
}

type NoopProductCache struct{}

func (NoopProductCache) Products(ctx context.Context, load ProductLoader) ([]domain.Product, error) {
	return load(ctx)
}

func (NoopProductCache) Invalidate(_ context.Context) error {
	return nil
}
