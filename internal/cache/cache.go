package cache

import (
	"context"
	"time"

	"verduleria/internal/domain"
)

// ProductSearchCache holds short-lived search results for the sell
// screen's autocomplete. Resolved prices are never cached: offers can
// expire between two lookups.
type ProductSearchCache interface {
	Get(ctx context.Context, key string) ([]domain.Product, bool, error)
	Set(ctx context.Context, key string, products []domain.Product, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopProductSearchCache struct{}

func (NoopProductSearchCache) Get(_ context.Context, _ string) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductSearchCache) Set(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopProductSearchCache) Invalidate(_ context.Context) error {
	return nil
}
